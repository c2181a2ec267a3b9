package processors

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/eventflow/eventflow/pkg/digi"
	"github.com/eventflow/eventflow/pkg/errors"
	"github.com/eventflow/eventflow/pkg/event"
	"github.com/eventflow/eventflow/pkg/process"
)

// DigiMonitor checks the digi collections of every event without modifying
// them and reports at the end of processing.
type DigiMonitor struct {
	process.Base

	collection string
	pass       string
	reportPath string
	logger     *slog.Logger

	mu sync.Mutex

	totalEvents   int64
	missingEvents int64
	totalDigis    int64
	totDigis      int64
	inProgress    int64
	duplicateIDs  int64
	layouts       map[string]int64

	channels map[uint32]int64
}

// Histograms filled by the monitor, one unit wide so the ADC range is exact.
const (
	histSOI     = "soi_adc"
	histDigis   = "digis"
	maxADC      = 1 << 10
	maxDigisBin = 256
)

// NewDigiMonitor creates a monitor of the named collection. An empty pass
// resolves the collection in any pass.
func NewDigiMonitor(name, collection, pass, reportPath string, logger *slog.Logger) *DigiMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &DigiMonitor{
		Base:       process.NewBase(name),
		collection: collection,
		pass:       pass,
		reportPath: reportPath,
		logger:     logger,
		layouts:    make(map[string]int64),
		channels:   make(map[uint32]int64),
	}
}

// OnProcessStart books the histograms.
func (m *DigiMonitor) OnProcessStart(ctx context.Context) error {
	h := m.Histograms()
	if err := h.Create(histSOI, "ADC at sample of interest", maxADC, 0, maxADC); err != nil {
		return err
	}
	return h.Create(histDigis, "digis per event", maxDigisBin, 0, maxDigisBin)
}

// Analyze updates the statistics with one event.
func (m *DigiMonitor) Analyze(ctx context.Context, ev *event.Event) error {
	var pass []string
	if m.pass != "" {
		pass = append(pass, m.pass)
	}
	c, err := event.Get[digi.Collection](ctx, ev, m.collection, pass...)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalEvents++

	if errors.IsCode(err, errors.CodeProductNotFound) {
		m.missingEvents++
		return nil
	}
	if err != nil {
		return err
	}

	h := m.Histograms()
	if err := h.Fill(histDigis, float64(c.Len())); err != nil {
		return err
	}
	m.layouts[fmt.Sprintf("%d/%d", c.NumSamplesPerDigi, c.SampleOfInterest)]++
	seen := make(map[uint32]bool, c.Len())
	for _, d := range c.Digis() {
		m.totalDigis++
		if seen[d.ID] {
			m.duplicateIDs++
		}
		seen[d.ID] = true
		m.channels[d.ID]++

		switch {
		case d.TOT() == -2:
			m.inProgress++
		case d.IsTOT():
			m.totDigis++
		default:
			if err := h.Fill(histSOI, float64(d.SOI().ADCt())); err != nil {
				return err
			}
		}
	}
	return nil
}

// OnProcessEnd logs the report and writes it when a path is set.
func (m *DigiMonitor) OnProcessEnd(ctx context.Context) error {
	r := m.Report()
	m.logger.Info("digi report",
		slog.String("processor", m.Name()),
		slog.Int64("events", r.TotalEvents),
		slog.Int64("digis", r.TotalDigis),
		slog.Int("channels", r.Channels),
		slog.Int("issues", len(r.Issues)),
	)
	if m.reportPath == "" {
		return nil
	}
	raw, err := r.ToJSON()
	if err != nil {
		return errors.Wrap(err, errors.CodeDataError, "failed to encode digi report")
	}
	if err := os.WriteFile(m.reportPath, raw, 0o644); err != nil {
		return errors.FileError(m.reportPath, err, "failed to write digi report")
	}
	return nil
}

// DigiReport summarizes the digis seen by a monitor.
type DigiReport struct {
	TotalEvents     int64            `json:"total_events"`
	MissingEvents   int64            `json:"missing_events"`
	TotalDigis      int64            `json:"total_digis"`
	ADCDigis        int64            `json:"adc_digis"`
	TOTDigis        int64            `json:"tot_digis"`
	InProgress      int64            `json:"tot_in_progress"`
	Channels        int              `json:"channels"`
	Layouts         map[string]int64 `json:"layouts"`
	SOI             ADCRange         `json:"soi_adc"`
	BusiestChannels []ChannelCount   `json:"busiest_channels,omitempty"`
	Issues          []Issue          `json:"issues,omitempty"`
}

// ADCRange is the spread of ADC values at the sample of interest.
type ADCRange struct {
	Min    int     `json:"min"`
	Max    int     `json:"max"`
	Avg    float64 `json:"avg"`
	StdDev float64 `json:"std_dev"`
}

// ChannelCount is the number of digis of one channel.
type ChannelCount struct {
	ID    uint32 `json:"id"`
	Count int64  `json:"count"`
}

// Issue describes a data problem.
type Issue struct {
	Severity     string `json:"severity"`
	Category     string `json:"category"`
	Description  string `json:"description"`
	AffectedRows int64  `json:"affected_rows"`
}

// Report returns the current statistics.
func (m *DigiMonitor) Report() *DigiReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := &DigiReport{
		TotalEvents:   m.totalEvents,
		MissingEvents: m.missingEvents,
		TotalDigis:    m.totalDigis,
		TOTDigis:      m.totDigis,
		InProgress:    m.inProgress,
		Channels:      len(m.channels),
		Layouts:       make(map[string]int64, len(m.layouts)),
	}
	for k, v := range m.layouts {
		r.Layouts[k] = v
	}
	if soi, err := m.Histograms().Get(histSOI); err == nil {
		r.ADCDigis = soi.Entries()
		if first, last, ok := soi.Filled(); ok {
			r.SOI = ADCRange{Min: first, Max: last, Avg: soi.Mean(), StdDev: soi.StdDev()}
		}
	}
	r.BusiestChannels = m.busiest(5)
	r.Issues = m.detectIssues()
	return r
}

func (m *DigiMonitor) busiest(n int) []ChannelCount {
	sorted := make([]ChannelCount, 0, len(m.channels))
	for id, c := range m.channels {
		sorted = append(sorted, ChannelCount{id, c})
	}
	sort.Slice(sorted, func(a, b int) bool {
		if sorted[a].Count != sorted[b].Count {
			return sorted[a].Count > sorted[b].Count
		}
		return sorted[a].ID < sorted[b].ID
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

func (m *DigiMonitor) detectIssues() []Issue {
	var issues []Issue

	if m.missingEvents > 0 {
		issues = append(issues, Issue{
			Severity:     "error",
			Category:     "completeness",
			Description:  "Events without digi collection",
			AffectedRows: m.missingEvents,
		})
	}

	if m.duplicateIDs > 0 {
		issues = append(issues, Issue{
			Severity:     "error",
			Category:     "consistency",
			Description:  "Channel read out twice in one event",
			AffectedRows: m.duplicateIDs,
		})
	}

	if m.inProgress > 0 {
		issues = append(issues, Issue{
			Severity:     "warning",
			Category:     "readout",
			Description:  "TOT still in progress at sample of interest",
			AffectedRows: m.inProgress,
		})
	}

	if len(m.layouts) > 1 {
		issues = append(issues, Issue{
			Severity:     "warning",
			Category:     "consistency",
			Description:  "Sample layout changes between events",
			AffectedRows: int64(len(m.layouts)),
		})
	}

	return issues
}

// ToJSON returns the report as JSON.
func (r *DigiReport) ToJSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// String returns a human-readable summary.
func (r *DigiReport) String() string {
	return fmt.Sprintf(`Digi Report
===========
Events: %d (without digis: %d) | Channels: %d
Digis: %d | ADC=%d TOT=%d in progress=%d
SOI ADC: Min=%d Max=%d Avg=%.1f StdDev=%.1f
Issues: %d found
`,
		r.TotalEvents, r.MissingEvents, r.Channels,
		r.TotalDigis, r.ADCDigis, r.TOTDigis, r.InProgress,
		r.SOI.Min, r.SOI.Max, r.SOI.Avg, r.SOI.StdDev,
		len(r.Issues),
	)
}

// NewDigiMonitorFromParams builds a monitor from sequence parameters.
func NewDigiMonitorFromParams(name string, params map[string]any) (process.Processor, error) {
	p := Params(params)
	collection, err := p.String("collection", "digis")
	if err != nil {
		return nil, err
	}
	pass, err := p.String("pass", "")
	if err != nil {
		return nil, err
	}
	report, err := p.String("report", "")
	if err != nil {
		return nil, err
	}
	return NewDigiMonitor(name, collection, pass, report, nil), nil
}
