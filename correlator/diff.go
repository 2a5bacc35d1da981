package correlator

import (
	"context"
	"strings"

	"github.com/selectiveci/selective-ruby-core/internal/command"
)

const diffWarning = "Selective was unable to diff with the target branch. This may result in a sub-optimal test order. If the issue persists, please contact support. The output was:\n\n"

// Diff lists the files that differ from origin/<targetBranch>. On failure it warns with the
// command's output and returns an empty list.
func Diff(ctx context.Context, r command.Runner, w Warner, targetBranch string) []string {
	out, err := r.Run(ctx, "git", "diff", "origin/"+targetBranch, "--name-only")
	if err != nil {
		if w != nil {
			w.Warning(diffWarning + string(out))
		}
		return []string{}
	}
	files := []string{}
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files
}

// FilterPrefix keeps the paths that start with prefix. An empty prefix keeps everything.
func FilterPrefix(paths []string, prefix string) []string {
	kept := []string{}
	for _, p := range paths {
		if strings.HasPrefix(p, prefix) {
			kept = append(kept, p)
		}
	}
	return kept
}
