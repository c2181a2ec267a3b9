package processors

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventflow/eventflow/internal/model"
	"github.com/eventflow/eventflow/pkg/digi"
	"github.com/eventflow/eventflow/pkg/errors"
	"github.com/eventflow/eventflow/pkg/event"
	"github.com/eventflow/eventflow/pkg/process"
)

func newEvent(t *testing.T, run, number int) *event.Event {
	t.Helper()
	ev, err := event.New("test")
	require.NoError(t, err)
	ev.Header().Run = run
	ev.Header().EventNumber = number
	return ev
}

func TestParams(t *testing.T) {
	p := Params{"i": 3, "f": 3.0, "half": 2.5, "s": "x", "b": true, "m": map[string]any{"k": 1}}

	n, err := p.Int("f", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	_, err = p.Int("half", 0)
	assert.True(t, errors.IsCode(err, errors.CodeProcess))

	n, err = p.Int("missing", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	f, err := p.Float("i", 0)
	require.NoError(t, err)
	assert.Equal(t, 3.0, f)

	_, err = p.String("i", "")
	assert.Error(t, err)
	b, err := p.Bool("b", false)
	require.NoError(t, err)
	assert.True(t, b)

	m, err := p.Map("m")
	require.NoError(t, err)
	assert.Equal(t, []string{"k"}, m.Keys())
	_, err = p.Map("s")
	assert.Error(t, err)
}

func TestDigiGenerator(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultDigiGeneratorConfig()
	cfg.Channels = 4
	cfg.FirstID = 0x100
	cfg.Seed = 42

	g, err := NewDigiGenerator("gen", cfg)
	require.NoError(t, err)
	ev := newEvent(t, 1, 1)
	require.NoError(t, g.Produce(context.Background(), ev))

	c, err := event.Get[digi.Collection](ctx, ev, "digis")
	require.NoError(t, err)
	assert.Equal(t, 4, c.Len())
	assert.Equal(t, 5, c.NumSamplesPerDigi)
	assert.Equal(t, 2, c.SampleOfInterest)
	assert.Equal(t, uint32(0x100), c.ChannelIDs[0])
	assert.Len(t, c.Samples, 20)

	tags, err := ev.SearchProducts("digis", "", "")
	require.NoError(t, err)
	require.Len(t, tags, 1)
	assert.Equal(t, DigiCollectionType, tags[0].Type)

	// Same seed, same samples.
	g2, err := NewDigiGenerator("gen", cfg)
	require.NoError(t, err)
	ev2 := newEvent(t, 1, 1)
	require.NoError(t, g2.Produce(context.Background(), ev2))
	c2, err := event.Get[digi.Collection](ctx, ev2, "digis")
	require.NoError(t, err)
	assert.Equal(t, c.Samples, c2.Samples)
}

func TestDigiGenerator_TOTFraction(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		fraction float64
		tot      bool
	}{{0, false}, {1, true}} {
		cfg := DefaultDigiGeneratorConfig()
		cfg.TOTFraction = tc.fraction
		g, err := NewDigiGenerator("gen", cfg)
		require.NoError(t, err)

		ev := newEvent(t, 1, 1)
		require.NoError(t, g.Produce(context.Background(), ev))
		c, err := event.Get[digi.Collection](ctx, ev, "digis")
		require.NoError(t, err)
		for _, d := range c.Digis() {
			assert.Equal(t, tc.tot, d.IsTOT())
			assert.Equal(t, tc.tot, d.TOT() >= 0)
		}
	}
}

func TestDigiGenerator_InvalidConfig(t *testing.T) {
	cfg := DefaultDigiGeneratorConfig()
	cfg.SOI = 5
	_, err := NewDigiGenerator("gen", cfg)
	assert.True(t, errors.IsCode(err, errors.CodeDataError))

	cfg = DefaultDigiGeneratorConfig()
	cfg.Collection = "bad_name"
	_, err = NewDigiGenerator("gen", cfg)
	assert.True(t, errors.IsCode(err, errors.CodeIllegalName))

	_, err = NewDigiGeneratorFromParams("gen", map[string]any{"tot_fraction": 2.0})
	assert.True(t, errors.IsCode(err, errors.CodeProcess))
}

func TestDigiMonitor(t *testing.T) {
	cfg := DefaultDigiGeneratorConfig()
	cfg.Channels = 3
	cfg.TOTFraction = 0
	g, err := NewDigiGenerator("gen", cfg)
	require.NoError(t, err)

	report := filepath.Join(t.TempDir(), "report.json")
	var buf bytes.Buffer
	m := NewDigiMonitor("mon", "digis", "", report, slog.New(slog.NewTextHandler(&buf, nil)))

	ctx := context.Background()
	require.NoError(t, m.OnProcessStart(ctx))
	for i := 1; i <= 3; i++ {
		ev := newEvent(t, 1, i)
		require.NoError(t, g.Produce(ctx, ev))
		require.NoError(t, m.Analyze(ctx, ev))
	}
	require.NoError(t, m.Analyze(ctx, newEvent(t, 1, 4)))
	require.NoError(t, m.OnProcessEnd(ctx))

	r := m.Report()
	assert.Equal(t, int64(4), r.TotalEvents)
	assert.Equal(t, int64(1), r.MissingEvents)
	assert.Equal(t, int64(9), r.TotalDigis)
	assert.Equal(t, int64(9), r.ADCDigis)
	assert.Equal(t, 3, r.Channels)
	assert.Equal(t, int64(3), r.Layouts["5/2"])
	assert.LessOrEqual(t, r.SOI.Min, r.SOI.Max)
	assert.GreaterOrEqual(t, r.SOI.Avg, float64(r.SOI.Min))
	assert.LessOrEqual(t, r.SOI.Avg, float64(r.SOI.Max))

	perEvent, err := m.Histograms().Get("digis")
	require.NoError(t, err)
	assert.Equal(t, int64(3), perEvent.Entries())
	assert.Equal(t, 3.0, perEvent.Content(3))
	assert.Equal(t, "mon", m.Histograms().Owner())
	require.Len(t, r.Issues, 1)
	assert.Equal(t, "completeness", r.Issues[0].Category)
	assert.Contains(t, r.String(), "Digis: 9")

	raw, err := os.ReadFile(report)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"total_digis": 9`)
	assert.Contains(t, buf.String(), "digi report")
}

func TestEventFilter(t *testing.T) {
	f, err := NewFilterBuilder().
		Include("run", "eq", "3").
		Exclude("trigger", "eq", "noise").
		Build("filter")
	require.NoError(t, err)

	ctx := context.Background()
	keep := newEvent(t, 3, 1)
	assert.NoError(t, f.Produce(ctx, keep))

	otherRun := newEvent(t, 4, 1)
	assert.ErrorIs(t, f.Produce(ctx, otherRun), process.ErrAbortEvent)

	noise := newEvent(t, 3, 2)
	noise.Header().SetStringParameter("trigger", "noise")
	assert.ErrorIs(t, f.Produce(ctx, noise), process.ErrAbortEvent)
}

func TestEventFilter_FromParams(t *testing.T) {
	p, err := NewEventFilterFromParams("filter", map[string]any{
		"rules": []any{
			map[string]any{"field": "energy", "op": "gt", "value": 10},
			map[string]any{"field": "event", "op": "regex", "value": "^1[0-9]$", "exclude": true},
		},
	})
	require.NoError(t, err)
	f := p.(*EventFilter)

	ctx := context.Background()
	ev := newEvent(t, 1, 5)
	ev.Header().SetFloatParameter("energy", 12.5)
	assert.NoError(t, f.Produce(ctx, ev))

	ev = newEvent(t, 1, 12)
	ev.Header().SetFloatParameter("energy", 12.5)
	assert.ErrorIs(t, f.Produce(ctx, ev), process.ErrAbortEvent)

	// Unset parameters never match an inclusion rule.
	assert.ErrorIs(t, f.Produce(ctx, newEvent(t, 1, 5)), process.ErrAbortEvent)

	_, err = NewEventFilterFromParams("filter", map[string]any{
		"rules": []any{map[string]any{"field": "run", "op": "regex", "value": "("}},
	})
	assert.True(t, errors.IsCode(err, errors.CodeInvalidRegex))

	_, err = NewEventFilterFromParams("filter", map[string]any{
		"rules": []any{map[string]any{"field": "run", "op": "near"}},
	})
	assert.True(t, errors.IsCode(err, errors.CodeProcess))
}

func TestEventSampler(t *testing.T) {
	p, err := NewEventSamplerFromParams("sample", map[string]any{"prescale": 3})
	require.NoError(t, err)

	var kept []int
	for i := 1; i <= 7; i++ {
		if p.(process.Producer).Produce(context.Background(), newEvent(t, 1, i)) == nil {
			kept = append(kept, i)
		}
	}
	assert.Equal(t, []int{1, 4, 7}, kept)

	none := NewEventSampler("none", NewRateSampling(0, 1))
	assert.ErrorIs(t, none.Produce(context.Background(), newEvent(t, 1, 1)), process.ErrAbortEvent)
	all := NewEventSampler("all", NewRateSampling(1, 1))
	assert.NoError(t, all.Produce(context.Background(), newEvent(t, 1, 1)))

	_, err = NewEventSamplerFromParams("sample", map[string]any{"rate": 1.5})
	assert.Error(t, err)
}

func TestHeaderTagger(t *testing.T) {
	p, err := NewHeaderTaggerFromParams("tag", map[string]any{
		"event":    map[string]any{"trigger": "physics", "threshold": 2.5, "layer": 7, "calib": true},
		"run":      map[string]any{"beam_energy": 4},
		"detector": "ecal",
	})
	require.NoError(t, err)
	tagger := p.(*HeaderTagger)

	ev := newEvent(t, 1, 1)
	require.NoError(t, tagger.Produce(context.Background(), ev))
	h := ev.Header()
	s, err := h.StringParameter("trigger")
	require.NoError(t, err)
	assert.Equal(t, "physics", s)
	f, err := h.FloatParameter("threshold")
	require.NoError(t, err)
	assert.Equal(t, 2.5, f)
	n, err := h.IntParameter("layer")
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	n, err = h.IntParameter("calib")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rh := model.NewRunHeader(2)
	require.NoError(t, tagger.BeforeNewRun(context.Background(), rh))
	assert.Equal(t, "ecal", rh.DetectorName)
	n, err = rh.IntParameter("beam_energy")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	_, err = NewHeaderTaggerFromParams("tag", map[string]any{"event": map[string]any{"x": []any{1}}})
	assert.Error(t, err)
}

func TestEventDumper(t *testing.T) {
	var buf bytes.Buffer
	d := NewEventDumper("dump", 2, slog.New(slog.NewTextHandler(&buf, nil)))
	for i := 1; i <= 3; i++ {
		ev := newEvent(t, 1, i)
		require.NoError(t, event.Add(ev, "Hits", i))
		require.NoError(t, d.Analyze(context.Background(), ev))
	}
	assert.Equal(t, 2, bytes.Count(buf.Bytes(), []byte("event dump")))
	assert.Contains(t, buf.String(), "Hits")
}
