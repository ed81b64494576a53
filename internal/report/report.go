// Package report renders run progress and final summaries for the terminal.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/adlibrary-insight/internal/runs"
	"github.com/JakeFAU/adlibrary-insight/internal/store"
)

// Format selects the final report encoding.
type Format string

// Supported formats.
const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat validates a --format flag value.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatText, FormatJSON, FormatYAML:
		return f, nil
	case "":
		return FormatText, nil
	default:
		return "", fmt.Errorf("unknown report format %q (want text, json or yaml)", s)
	}
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	panelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// Progress draws a single, repeatedly overwritten progress line.
type Progress struct {
	w   io.Writer
	bar progress.Model
}

// NewProgress returns a progress line writer; width is the bar width in cells.
func NewProgress(w io.Writer, width int) *Progress {
	if width < 10 {
		width = 30
	}
	return &Progress{
		w:   w,
		bar: progress.New(progress.WithDefaultGradient(), progress.WithWidth(width)),
	}
}

// Update redraws the line for v.
func (p *Progress) Update(v runs.View) {
	_, _ = fmt.Fprintf(p.w, "\r%s %s", p.bar.ViewAs(v.Progress), mutedStyle.Render(Line(v)))
}

// Done terminates the progress line.
func (p *Progress) Done() {
	_, _ = fmt.Fprintln(p.w)
}

// Line is the plain-text progress summary shown next to the bar.
func Line(v runs.View) string {
	return fmt.Sprintf("%d/%d keywords · %d ads · %d failed · %.1f kw/min",
		v.Dispatched, v.Total, v.AdCount, v.Failed, v.Throughput)
}

// Write encodes the final view of a run in the requested format.
func Write(w io.Writer, v runs.View, format Format) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encode json report: %w", err)
		}
		return nil
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encode yaml report: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("flush yaml report: %w", err)
		}
		return nil
	case FormatText, "":
		if _, err := io.WriteString(w, Summary(v)+"\n"); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown report format %q", format)
	}
}

// Summary renders a boxed human-readable summary.
func Summary(v runs.View) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Run "+v.ID) + "\n")
	b.WriteString("status:   " + statusStyle(v.Status).Render(string(v.Status)) + "\n")
	fmt.Fprintf(&b, "keywords: %d-%d (%d targets, %d sub-batches, concurrency %d)\n",
		v.First, v.Last, v.Total, v.SubBatches, v.Concurrency)
	fmt.Fprintf(&b, "searched: %d, failed: %d\n", v.Dispatched, v.Failed)
	fmt.Fprintf(&b, "ads:      %d unique\n", v.AdCount)
	if v.FinishedAt != nil {
		fmt.Fprintf(&b, "elapsed:  %s\n", v.FinishedAt.Sub(v.StartedAt).Round(time.Millisecond))
	}
	if v.Fatal {
		b.WriteString(errorStyle.Render("aborted: "+v.FatalReason) + "\n")
	}
	if failed := failedKeywords(v); len(failed) > 0 {
		b.WriteString(warnStyle.Render("failed keywords:") + "\n")
		for _, line := range failed {
			b.WriteString("  " + line + "\n")
		}
	}
	if v.ExportURI != "" {
		b.WriteString(mutedStyle.Render("export: "+v.ExportURI) + "\n")
	}
	return panelStyle.Render(strings.TrimRight(b.String(), "\n"))
}

func failedKeywords(v runs.View) []string {
	var out []string
	for _, o := range v.Outcomes {
		if o.Failed() {
			out = append(out, fmt.Sprintf("%s: %s", o.Keyword, o.Error))
		}
	}
	return out
}

func statusStyle(s store.RunStatus) lipgloss.Style {
	switch s {
	case store.StatusCompleted:
		return okStyle
	case store.StatusCompletedWithFailures:
		return warnStyle
	case store.StatusAborted:
		return errorStyle
	default:
		return mutedStyle
	}
}
