// Package report aggregates execution outcomes into a run summary and
// renders it.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/acsync/internal/executor"
	"github.com/schaermu/acsync/internal/plan"
	"github.com/schaermu/acsync/internal/safeguard"
)

// Failure names a path that could not be synchronized
type Failure struct {
	Path   string `json:"path" yaml:"path"`
	Reason string `json:"reason" yaml:"reason"`
}

// Summary describes one run
type Summary struct {
	Created           int           `json:"created" yaml:"created"`
	Overwritten       int           `json:"overwritten" yaml:"overwritten"`
	Skipped           int           `json:"skipped" yaml:"skipped"`
	ConflictsResolved int           `json:"conflicts_resolved" yaml:"conflicts_resolved"`
	Failed            int           `json:"failed" yaml:"failed"`
	BytesCopied       int64         `json:"bytes_copied" yaml:"bytes_copied"`
	DryRun            bool          `json:"dry_run" yaml:"dry_run"`
	Prompted          int           `json:"prompted" yaml:"prompted"`
	Failures          []Failure     `json:"failures,omitempty" yaml:"failures,omitempty"`
	Duration          time.Duration `json:"-" yaml:"-"`
	Elapsed           string        `json:"elapsed" yaml:"elapsed"`
}

// Build tallies outcomes. In dry-run mode Created, Overwritten and
// BytesCopied count what would have happened.
func Build(outcomes []executor.Outcome, resolved *safeguard.Resolved, dryRun bool, elapsed time.Duration) Summary {
	s := Summary{DryRun: dryRun, Duration: elapsed, Elapsed: elapsed.Round(time.Millisecond).String()}
	if resolved != nil {
		s.ConflictsResolved = resolved.ConflictsResolved
		s.Prompted = resolved.Prompted
	}

	for _, o := range outcomes {
		switch o.Result {
		case executor.ResultCopied, executor.ResultDryRun:
			switch o.Action {
			case plan.ActionCreate:
				s.Created++
			case plan.ActionOverwrite:
				s.Overwritten++
			}
			s.BytesCopied += o.Bytes
		case executor.ResultSkipped:
			s.Skipped++
		case executor.ResultFailed:
			s.Failed++
			reason := o.Reason
			if o.Err != nil {
				reason = o.Err.Error()
			}
			s.Failures = append(s.Failures, Failure{Path: o.Path, Reason: reason})
		}
	}
	return s
}

// HasFailures reports whether any item failed
func (s Summary) HasFailures() bool {
	return s.Failed > 0
}

// Format selects the rendering
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat validates a format name; empty selects text
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case "", FormatText:
		return FormatText, nil
	case FormatJSON:
		return FormatJSON, nil
	case FormatYAML:
		return FormatYAML, nil
	}
	return "", fmt.Errorf("unknown output format %q (must be text, json or yaml)", s)
}

// Render writes s to w. Text output is styled when w is a color capable
// terminal and noColor is false.
func Render(w io.Writer, s Summary, format Format, noColor bool) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(s); err != nil {
			return err
		}
		return enc.Close()
	case FormatText, "":
		return renderText(w, s, noColor)
	}
	return fmt.Errorf("unknown output format %q", format)
}

func renderText(w io.Writer, s Summary, noColor bool) error {
	r := lipgloss.NewRenderer(w)
	if noColor {
		r.SetColorProfile(termenv.Ascii)
	}
	return writeText(w, r, s)
}

// writeText renders every style through r so its color profile applies
// to the whole summary
func writeText(w io.Writer, r *lipgloss.Renderer, s Summary) error {
	var (
		title = r.NewStyle().Bold(true)
		label = r.NewStyle().Width(20)
		good  = r.NewStyle().Foreground(lipgloss.Color("2"))
		warn  = r.NewStyle().Foreground(lipgloss.Color("3"))
		bad   = r.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
		dim   = r.NewStyle().Faint(true)
	)

	var b strings.Builder
	heading := "Sync summary"
	if s.DryRun {
		heading += " (dry run, nothing was changed)"
	}
	b.WriteString(title.Render(heading) + "\n")

	row := func(name string, value string, style lipgloss.Style) {
		b.WriteString(label.Render(name) + style.Render(value) + "\n")
	}
	count := func(n int, style lipgloss.Style) lipgloss.Style {
		if n == 0 {
			return dim
		}
		return style
	}

	row("Created", fmt.Sprint(s.Created), count(s.Created, good))
	row("Overwritten", fmt.Sprint(s.Overwritten), count(s.Overwritten, good))
	row("Skipped", fmt.Sprint(s.Skipped), dim)
	row("Conflicts resolved", fmt.Sprint(s.ConflictsResolved), count(s.ConflictsResolved, warn))
	if s.Prompted > 0 {
		row("Prompted", fmt.Sprint(s.Prompted), warn)
	}
	row("Failed", fmt.Sprint(s.Failed), count(s.Failed, bad))
	bytesStyle := dim
	if s.BytesCopied > 0 {
		bytesStyle = good
	}
	row("Bytes copied", FormatBytes(s.BytesCopied), bytesStyle)
	row("Elapsed", s.Elapsed, dim)

	if len(s.Failures) > 0 {
		b.WriteString("\n" + bad.Render("Failures") + "\n")
		for _, f := range s.Failures {
			b.WriteString("  " + f.Path + ": " + f.Reason + "\n")
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// FormatBytes renders n with a binary unit
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
