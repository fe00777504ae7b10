// Package console prints the CLI's human-facing status lines.
package console

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
)

type Console struct {
	out    io.Writer
	errOut io.Writer

	info    lipgloss.Style
	success lipgloss.Style
	warn    lipgloss.Style
	fail    lipgloss.Style
}

// New writes normal lines to out and errors to errOut. Colors are dropped when the writer is not a terminal.
func New(out, errOut io.Writer) *Console {
	r := lipgloss.NewRenderer(out)
	er := lipgloss.NewRenderer(errOut)
	return &Console{
		out:     out,
		errOut:  errOut,
		info:    r.NewStyle().Foreground(lipgloss.Color("12")),
		success: r.NewStyle().Foreground(lipgloss.Color("10")),
		warn:    r.NewStyle().Foreground(lipgloss.Color("11")),
		fail:    er.NewStyle().Foreground(lipgloss.Color("9")),
	}
}

func (c *Console) Infof(format string, args ...any) {
	fmt.Fprintln(c.out, c.info.Render("ℹ")+" "+fmt.Sprintf(format, args...))
}

func (c *Console) Successf(format string, args ...any) {
	fmt.Fprintln(c.out, c.success.Render("✔")+" "+fmt.Sprintf(format, args...))
}

func (c *Console) Warnf(format string, args ...any) {
	fmt.Fprintln(c.out, c.warn.Render("⚠")+" "+fmt.Sprintf(format, args...))
}

func (c *Console) Errorf(format string, args ...any) {
	fmt.Fprintln(c.errOut, c.fail.Render("✖")+" "+fmt.Sprintf(format, args...))
}

// Stdout copies raw command output through unchanged.
func (c *Console) Stdout(s string) {
	fmt.Fprint(c.out, s)
}

// Stderr copies raw command stderr through unchanged.
func (c *Console) Stderr(s string) {
	fmt.Fprint(c.errOut, s)
}

// Table prints aligned key/value rows.
func (c *Console) Table(rows [][2]string) {
	width := 0
	for _, r := range rows {
		if len(r[0]) > width {
			width = len(r[0])
		}
	}
	key := c.info.Width(width)
	for _, r := range rows {
		fmt.Fprintf(c.out, "  %s  %s\n", key.Render(r[0]), r[1])
	}
}
