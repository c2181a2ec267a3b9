// Package tui renders the command line output of eventflow.
// Simple, streaming, no complex TUI - just styled lines and a progress bar.
package tui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/schollz/progressbar/v3"

	"github.com/eventflow/eventflow/pkg/checkpoint"
	"github.com/eventflow/eventflow/pkg/digi"
	"github.com/eventflow/eventflow/pkg/histogram"
	"github.com/eventflow/eventflow/pkg/hooks"
	"github.com/eventflow/eventflow/pkg/inspect"
)

// Colors (Swiss minimal)
var (
	accent  = lipgloss.Color("#FF0000")
	muted   = lipgloss.Color("#666666")
	success = lipgloss.Color("#00CC66")
	white   = lipgloss.Color("#FFFFFF")
)

// Styles
var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(white)
	accentStyle  = lipgloss.NewStyle().Foreground(accent).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(muted)
	successStyle = lipgloss.NewStyle().Foreground(success).Bold(true)
	codeStyle    = lipgloss.NewStyle().Background(lipgloss.Color("#1a1a1a")).Foreground(white).Padding(0, 1)
)

const rule = "  ─────────────────────────────────────"

// PrintHeader prints the program banner.
func PrintHeader(w io.Writer, version string) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, titleStyle.Render("  EVENTFLOW")+mutedStyle.Render(" "+version))
	fmt.Fprintln(w, mutedStyle.Render("  Columnar event store for physics event processing"))
	fmt.Fprintln(w)
}

func field(w io.Writer, name, value string) {
	fmt.Fprintf(w, "  %s %s\n", mutedStyle.Render(name+":"), titleStyle.Render(value))
}

// RunReport summarizes a finished processing run.
type RunReport struct {
	Pass         string
	Progress     hooks.Progress
	Duration     time.Duration
	OutputBytes  int64
	Archived     []string
	CheckpointID string
	Histograms   []histogram.Summary
	Err          error
}

// PrintRunReport prints results after processing.
func PrintRunReport(w io.Writer, r *RunReport) {
	fmt.Fprintln(w)
	if r.Err != nil {
		fmt.Fprintln(w, accentStyle.Render("  ✗ PROCESSING FAILED"))
		fmt.Fprintln(w, mutedStyle.Render("  "+r.Err.Error()))
	} else {
		fmt.Fprintln(w, successStyle.Render("  ✓ PROCESSING COMPLETE"))
	}
	fmt.Fprintln(w)

	p := r.Progress
	field(w, "Pass", r.Pass)
	fmt.Fprintf(w, "  %s %s %s\n", mutedStyle.Render("Events:"),
		titleStyle.Render(formatNumber(p.EventsStored)),
		mutedStyle.Render(fmt.Sprintf("stored of %s tried, %s aborted", formatNumber(p.EventsTried), formatNumber(p.EventsAborted))))
	field(w, "Files", fmt.Sprintf("%d read, %d written", p.FilesRead, p.FilesWritten))
	if p.Errors > 0 {
		fmt.Fprintf(w, "  %s %s\n", mutedStyle.Render("Errors:"), accentStyle.Render(formatNumber(p.Errors)))
	}
	if r.OutputBytes > 0 {
		field(w, "Output", formatBytes(r.OutputBytes))
	}

	if r.Duration > 0 {
		throughput := float64(p.EventsTried) / r.Duration.Seconds()
		fmt.Fprintf(w, "  %s %s %s\n",
			mutedStyle.Render("Time:"),
			titleStyle.Render(formatDuration(r.Duration)),
			mutedStyle.Render(fmt.Sprintf("(%s events/sec)", formatNumber(int64(throughput)))))
	}
	for _, key := range r.Archived {
		fmt.Fprintf(w, "  %s %s\n", mutedStyle.Render("Archived:"), codeStyle.Render(key))
	}
	if r.CheckpointID != "" {
		fmt.Fprintf(w, "  %s %s\n", mutedStyle.Render("Checkpoint:"), codeStyle.Render(r.CheckpointID))
	}
	for _, h := range r.Histograms {
		fmt.Fprintf(w, "  %s %s %s\n", mutedStyle.Render("Histogram:"), titleStyle.Render(h.Name),
			mutedStyle.Render(fmt.Sprintf("%s entries, mean %.3g, std dev %.3g", formatNumber(h.Entries), h.Mean, h.StdDev)))
	}
	fmt.Fprintln(w)
}

// PrintSummary prints the catalog and runs of one store.
func PrintSummary(w io.Writer, s *inspect.Summary, stats bool) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, accentStyle.Render("▸ "+s.Path))
	fmt.Fprintln(w, mutedStyle.Render(rule))
	field(w, "Entries", formatNumber(s.Entries))
	field(w, "Size", formatBytes(s.Bytes))
	if s.FileID != "" {
		field(w, "File ID", s.FileID)
	}
	fmt.Fprintln(w, mutedStyle.Render(rule))

	fmt.Fprintln(w)
	fmt.Fprintln(w, accentStyle.Render("  BRANCHES"))
	header := []string{"Name", "Pass", "Type"}
	if stats {
		header = append(header, "Filled", "Avg bytes")
	}
	rows := [][]string{header}
	for _, b := range s.Branches {
		row := []string{b.Name, b.Pass, b.Type}
		if stats {
			row = append(row, formatNumber(b.NonNull), fmt.Sprintf("%.1f", b.AvgBytes))
		}
		rows = append(rows, row)
	}
	printTable(w, rows)

	fmt.Fprintln(w)
	fmt.Fprintln(w, accentStyle.Render("  RUNS"))
	rows = [][]string{{"Run", "Detector", "Entries", "Events", "Tried"}}
	for _, r := range s.Runs {
		rows = append(rows, []string{
			fmt.Sprint(r.Number), r.Detector,
			fmt.Sprint(r.Entries), fmt.Sprint(r.Events), fmt.Sprint(r.Tried),
		})
	}
	printTable(w, rows)
	fmt.Fprintln(w)
}

// PrintQuery prints a query result.
func PrintQuery(w io.Writer, res *inspect.Result) {
	rows := [][]string{res.Columns}
	for _, r := range res.Rows {
		row := make([]string, len(r))
		for i, v := range r {
			if v == nil {
				row[i] = "NULL"
			} else {
				row[i] = fmt.Sprint(v)
			}
		}
		rows = append(rows, row)
	}
	printTable(w, rows)
}

// PrintCheckpoints lists checkpoints, most recent first as given.
func PrintCheckpoints(w io.Writer, cps []*checkpoint.Checkpoint) {
	if len(cps) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("  No checkpoints."))
		return
	}
	rows := [][]string{{"ID", "Pass", "Phase", "Input", "Entry", "Stored", "Updated"}}
	for _, cp := range cps {
		input := "-"
		if len(cp.Inputs) > 0 && cp.InputIndex < len(cp.Inputs) {
			input = fmt.Sprintf("%d/%d", cp.InputIndex+1, len(cp.Inputs))
		}
		rows = append(rows, []string{
			cp.ID, cp.Pass, string(cp.Phase), input,
			fmt.Sprint(cp.Entry), formatNumber(cp.EventsStored),
			cp.UpdatedAt.Format(time.RFC3339),
		})
	}
	printTable(w, rows)
}

// PrintSample prints the fields of one sample word.
func PrintSample(w io.Writer, s digi.Sample) {
	f := s.Decode()
	field(w, "Word", fmt.Sprintf("0x%08x", s.Raw()))
	field(w, "Mode", s.Mode().String())
	field(w, "TOT in progress", fmt.Sprint(f.TOTInProgress))
	field(w, "TOT complete", fmt.Sprint(f.TOTComplete))
	field(w, "ADC t-1", fmt.Sprint(s.ADCtm1()))
	field(w, "ADC t", fmt.Sprint(s.ADCt()))
	field(w, "TOT", fmt.Sprint(s.TOT()))
	field(w, "TOA", fmt.Sprint(s.TOA()))
}

// printTable aligns rows in columns. The first row is the header.
func printTable(w io.Writer, rows [][]string) {
	if len(rows) == 0 {
		return
	}
	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}
	for n, row := range rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			style := lipgloss.NewStyle().Width(widths[i])
			if n == 0 {
				style = style.Inherit(mutedStyle)
			}
			cells[i] = style.Render(cell)
		}
		fmt.Fprintln(w, "  "+strings.Join(cells, "  "))
	}
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}

func formatNumber(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	return fmt.Sprintf("%.1fM", float64(n)/1000000)
}

// ShowProgress creates a progress bar for processing. A negative total
// shows a spinner instead of a bar.
func ShowProgress(w io.Writer, total int64, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(false),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "",
			BarEnd:        "",
		}),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
}

// ProgressHook moves bar to the number of events tried so far.
func ProgressHook(bar *progressbar.ProgressBar) hooks.ProgressHook {
	return func(p hooks.Progress) {
		bar.Describe(fmt.Sprintf("run %d", p.CurrentRun))
		_ = bar.Set64(p.EventsTried)
	}
}
