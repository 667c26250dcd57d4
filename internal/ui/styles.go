// Package ui renders CLI output.
package ui

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	colorAccent = lipgloss.AdaptiveColor{Light: "63", Dark: "63"}
	colorPass   = lipgloss.AdaptiveColor{Light: "28", Dark: "42"}
	colorWarn   = lipgloss.AdaptiveColor{Light: "166", Dark: "214"}
	colorFail   = lipgloss.AdaptiveColor{Light: "160", Dark: "196"}
	colorMuted  = lipgloss.AdaptiveColor{Light: "245", Dark: "244"}
	colorGold   = lipgloss.AdaptiveColor{Light: "136", Dark: "220"}
)

var (
	AccentStyle = lipgloss.NewStyle().Foreground(colorAccent)
	PassStyle   = lipgloss.NewStyle().Foreground(colorPass).Bold(true)
	WarnStyle   = lipgloss.NewStyle().Foreground(colorWarn).Bold(true)
	FailStyle   = lipgloss.NewStyle().Foreground(colorFail).Bold(true)
	MutedStyle  = lipgloss.NewStyle().Foreground(colorMuted)
	GoldStyle   = lipgloss.NewStyle().Foreground(colorGold).Bold(true)
	KeyStyle    = lipgloss.NewStyle().Foreground(colorAccent).Bold(true)
	HeaderStyle = lipgloss.NewStyle().Foreground(colorAccent).Bold(true).Underline(true)

	PanelStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(colorMuted).
			Padding(0, 1)
)

func RenderAccent(s string) string { return AccentStyle.Render(s) }
func RenderPass(s string) string   { return PassStyle.Render(s) }
func RenderWarn(s string) string   { return WarnStyle.Render(s) }
func RenderFail(s string) string   { return FailStyle.Render(s) }
func RenderMuted(s string) string  { return MutedStyle.Render(s) }
func RenderGold(s string) string   { return GoldStyle.Render(s) }

// LabelValue renders "label: value" with a highlighted label.
func LabelValue(label string, value any) string {
	return fmt.Sprintf("%s %v", KeyStyle.Render(label+":"), value)
}

// Panel draws lines inside a rounded border with an optional header.
func Panel(header string, lines ...string) string {
	body := strings.Join(lines, "\n")
	if header != "" {
		body = HeaderStyle.Render(header) + "\n" + body
	}
	return PanelStyle.Render(body)
}

// ProgressBar renders cur/total as a fixed-width bar.
func ProgressBar(cur, total, width int) string {
	if width <= 0 {
		width = 20
	}
	filled := 0
	if total > 0 {
		filled = cur * width / total
	}
	filled = min(max(filled, 0), width)
	return PassStyle.Render(strings.Repeat("█", filled)) +
		MutedStyle.Render(strings.Repeat("░", width-filled))
}

// IsTerminal reports whether stdin and stdout are both terminals, i.e.
// whether interactive prompts can be shown.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}
