package handlers

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/imamik/converge/internal/apply"
	"github.com/imamik/converge/internal/plan"
)

var (
	colorGreen = lipgloss.Color("#22c55e")
	colorRed   = lipgloss.Color("#ef4444")
	colorBlue  = lipgloss.Color("#3b82f6")
	colorDim   = lipgloss.Color("#6b7280")
	colorWhite = lipgloss.Color("#f9fafb")
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorWhite)

	dimStyle = lipgloss.NewStyle().
			Foreground(colorDim)

	greenStyle = lipgloss.NewStyle().
			Foreground(colorGreen)

	redStyle = lipgloss.NewStyle().
			Foreground(colorRed)

	blueStyle = lipgloss.NewStyle().
			Foreground(colorBlue)
)

// colorEnabled gates styling on stdout being a terminal, so piped output
// stays free of escape sequences.
var colorEnabled = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

func paint(style lipgloss.Style, s string) string {
	if !colorEnabled {
		return s
	}
	return style.Render(s)
}

func actionStyle(a plan.Action) (string, lipgloss.Style) {
	switch a {
	case plan.ActionCreate:
		return "+", greenStyle
	case plan.ActionDelete:
		return "-", redStyle
	case plan.ActionReplace:
		return "±", redStyle
	case plan.ActionUpdate:
		return "~", blueStyle
	default:
		return " ", dimStyle
	}
}

// renderPlan produces the human-readable change listing for a plan.
// Noop entries are folded into the summary line.
func renderPlan(p *plan.Plan) string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(paint(titleStyle, "  Plan"))
	b.WriteString("\n")
	b.WriteString(paint(dimStyle, "  "+strings.Repeat("─", 40)))
	b.WriteString("\n")

	for _, c := range p.Changes {
		if c.Action == plan.ActionNoop {
			continue
		}
		symbol, style := actionStyle(c.Action)
		b.WriteString(fmt.Sprintf("  %s %-9s %s", paint(style, symbol), c.Action, c.Addr))
		if c.Action == plan.ActionUpdate && len(c.ChangedKeys) > 0 {
			b.WriteString(paint(dimStyle, fmt.Sprintf("  (%s)", strings.Join(c.ChangedKeys, ", "))))
		}
		if c.Action == plan.ActionReplace && len(c.ForceNewKeys) > 0 {
			b.WriteString(paint(dimStyle, fmt.Sprintf("  (forced by %s)", strings.Join(c.ForceNewKeys, ", "))))
		}
		b.WriteString("\n")
	}

	counts := p.Counts()
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("  Plan: %d to create, %d to update, %d to replace, %d to delete, %d unchanged.\n",
		counts[plan.ActionCreate], counts[plan.ActionUpdate],
		counts[plan.ActionReplace], counts[plan.ActionDelete],
		counts[plan.ActionNoop]))

	return b.String()
}

func outcomeStyle(o apply.Outcome) lipgloss.Style {
	switch o {
	case apply.OutcomeApplied:
		return greenStyle
	case apply.OutcomeFailed:
		return redStyle
	default:
		return dimStyle
	}
}

// renderReport produces the per-resource outcome listing for an apply.
func renderReport(rep *apply.Report) string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(paint(titleStyle, "  Apply"))
	b.WriteString("\n")
	b.WriteString(paint(dimStyle, "  "+strings.Repeat("─", 40)))
	b.WriteString("\n")

	for _, res := range rep.Sorted() {
		b.WriteString(fmt.Sprintf("  %s  %s %s", paint(outcomeStyle(res.Outcome), string(res.Outcome)), res.Action, res.Addr))
		if res.Outcome == apply.OutcomeFailed && res.Err != nil {
			b.WriteString(paint(dimStyle, fmt.Sprintf("  (%s: %v)", res.Class, res.Err)))
		}
		b.WriteString("\n")
	}

	counts := rep.Counts()
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("  Apply complete in %s: %d applied, %d unchanged, %d skipped, %d failed.\n",
		rep.Finished.Sub(rep.Started).Round(time.Millisecond),
		counts[apply.OutcomeApplied], counts[apply.OutcomeUnchanged],
		counts[apply.OutcomeSkipped], counts[apply.OutcomeFailed]))

	return b.String()
}
