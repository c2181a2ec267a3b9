package tui

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/eventflow/eventflow/pkg/checkpoint"
	"github.com/eventflow/eventflow/pkg/digi"
	"github.com/eventflow/eventflow/pkg/histogram"
	"github.com/eventflow/eventflow/pkg/hooks"
	"github.com/eventflow/eventflow/pkg/inspect"
)

func TestFormatters(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KB", formatBytes(1536))
	assert.Equal(t, "999", formatNumber(999))
	assert.Equal(t, "1.5K", formatNumber(1500))
	assert.Equal(t, "2.0M", formatNumber(2_000_000))
	assert.Equal(t, "250ms", formatDuration(250*time.Millisecond))
	assert.Equal(t, "2m5s", formatDuration(125*time.Second))
}

func TestPrintRunReport(t *testing.T) {
	var buf bytes.Buffer
	PrintRunReport(&buf, &RunReport{
		Pass:         "reco",
		Progress:     hooks.Progress{EventsTried: 12, EventsStored: 10, EventsAborted: 2, FilesRead: 1, FilesWritten: 1},
		Duration:     2 * time.Second,
		Archived:     []string{"stores/out/events.parquet"},
		CheckpointID: "cp-1",
		Histograms:   []histogram.Summary{{Name: "mon_soi_adc", Dim: 1, Entries: 1500, Mean: 12.5, StdDev: 2}},
	})
	out := buf.String()
	assert.Contains(t, out, "PROCESSING COMPLETE")
	assert.Contains(t, out, "reco")
	assert.Contains(t, out, "stored of 12 tried, 2 aborted")
	assert.Contains(t, out, "stores/out/events.parquet")
	assert.Contains(t, out, "mon_soi_adc")
	assert.Contains(t, out, "1.5K entries, mean 12.5")
	assert.Contains(t, out, "cp-1")

	buf.Reset()
	PrintRunReport(&buf, &RunReport{Pass: "reco", Err: errors.New("boom")})
	assert.Contains(t, buf.String(), "PROCESSING FAILED")
	assert.Contains(t, buf.String(), "boom")
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	PrintSummary(&buf, &inspect.Summary{
		Path:    "store",
		Entries: 3,
		Branches: []inspect.Branch{
			{Key: "Hits_reco", Name: "Hits", Pass: "reco", Type: "[]Hit", NonNull: 3, AvgBytes: 20},
		},
		Runs: []inspect.Run{{Number: 7, Detector: "ecal", Entries: 3}},
	}, true)
	out := buf.String()
	assert.Contains(t, out, "Hits")
	assert.Contains(t, out, "[]Hit")
	assert.Contains(t, out, "20.0")
	assert.Contains(t, out, "ecal")
}

func TestPrintCheckpoints(t *testing.T) {
	var buf bytes.Buffer
	PrintCheckpoints(&buf, nil)
	assert.Contains(t, buf.String(), "No checkpoints")

	buf.Reset()
	PrintCheckpoints(&buf, []*checkpoint.Checkpoint{{
		ID: "abc", Pass: "reco", Phase: checkpoint.PhaseRunning,
		Inputs: []string{"a", "b"}, InputIndex: 1, Entry: 41, EventsStored: 90,
	}})
	out := buf.String()
	assert.Contains(t, out, "abc")
	assert.Contains(t, out, "running")
	assert.Contains(t, out, "2/2")
}

func TestPrintSample(t *testing.T) {
	var buf bytes.Buffer
	PrintSample(&buf, digi.NewSample(true, true, 10, 100, 3))
	out := buf.String()
	assert.Contains(t, out, "adc/tot")
	assert.Contains(t, out, "TOA")
}

func TestPrintQuery(t *testing.T) {
	var buf bytes.Buffer
	PrintQuery(&buf, &inspect.Result{Columns: []string{"run", "n"}, Rows: [][]any{{int32(1), nil}}})
	assert.Contains(t, buf.String(), "NULL")
}

func TestProgressHook(t *testing.T) {
	var buf bytes.Buffer
	bar := ShowProgress(&buf, 10, "events")
	ProgressHook(bar)(hooks.Progress{EventsTried: 4, CurrentRun: 2})
	assert.Equal(t, int64(4), bar.State().CurrentNum)
}

func TestPrintHeader(t *testing.T) {
	var buf bytes.Buffer
	PrintHeader(&buf, "1.2.3")
	assert.Contains(t, buf.String(), "EVENTFLOW")
	assert.Contains(t, buf.String(), "1.2.3")
}
