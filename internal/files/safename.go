package files

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const maxFilenameBytes = 255

// SafeFilename turns an arbitrary identifier into a single path element.
// Runs of separators, quotes, shell glob characters and control characters collapse into one underscore,
// surrounding periods and whitespace are removed and the result is capped at 255 bytes.
func SafeFilename(name string) string {
	var b strings.Builder
	inRun := false
	for _, r := range name {
		if unsafeRune(r) {
			if !inRun {
				b.WriteByte('_')
			}
			inRun = true
			continue
		}
		inRun = false
		b.WriteRune(r)
	}

	s := trimEdges(b.String())
	if len(s) > maxFilenameBytes {
		cut := maxFilenameBytes
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = trimEdges(s[:cut])
	}
	return s
}

func unsafeRune(r rune) bool {
	switch r {
	case '/', '\\', ':', '*', '?', '"', '\'', '<', '>', '|':
		return true
	}
	return unicode.IsControl(r)
}

// trimEdges strips periods and whitespace until neither end has any left.
func trimEdges(s string) string {
	for {
		t := strings.TrimSpace(strings.Trim(s, "."))
		if t == s {
			return t
		}
		s = t
	}
}
