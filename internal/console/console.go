package console

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// RemediationHeader precedes user-facing errors when diagnostics are off.
const RemediationHeader = `An error occurred. Please rerun with --debug
and contact support at https://selective.ci/support`

const banner = ` ____       _           _   _
/ ___|  ___| | ___  ___| |_(_)_   _____
\___ \ / _ \ |/ _ \/ __| __| \ \ / / _ \
 ___) |  __/ |  __/ (__| |_| |\ V /  __/
|____/ \___|_|\___|\___|\__|_| \_/ \___|
________________________________________`

const indent = "  "

// Console writes indented, optionally colored messages for the person running the tests.
// The banner is shown at most once per Console.
type Console struct {
	mu          sync.Mutex
	out         io.Writer
	bannerShown bool

	warning lipgloss.Style
	failure lipgloss.Style
}

func New(w io.Writer) *Console {
	r := lipgloss.NewRenderer(w)
	return &Console{
		out:     w,
		warning: r.NewStyle().Foreground(lipgloss.Color("3")),
		failure: r.NewStyle().Foreground(lipgloss.Color("1")),
	}
}

// Print writes msg as is.
func (c *Console) Print(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, msg)
}

func (c *Console) Notice(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeBlock(c.takeBanner()+msg, nil)
}

func (c *Console) Warning(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeBlock(msg, &c.warning)
}

// Error reports a fatal error. withHeader adds the remediation header, and the banner if it was not shown yet.
func (c *Console) Error(msg string, withHeader bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	text := msg
	if withHeader {
		text = c.takeBanner() + RemediationHeader + "\n\n" + msg
	}
	c.writeBlock(text, &c.failure)
}

func (c *Console) takeBanner() string {
	if c.bannerShown {
		return ""
	}
	c.bannerShown = true
	return banner + "\n\n"
}

// writeBlock styles line by line so the renderer does not pad lines to a common width.
func (c *Console) writeBlock(text string, style *lipgloss.Style) {
	var b strings.Builder
	b.WriteString("\n")
	for _, line := range strings.Split(text, "\n") {
		if style != nil && line != "" {
			line = style.Render(line)
		}
		if line != "" {
			b.WriteString(indent)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	io.WriteString(c.out, b.String())
}
