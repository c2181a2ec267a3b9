package process

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/eventflow/eventflow/internal/model"
	"github.com/eventflow/eventflow/pkg/checkpoint"
	"github.com/eventflow/eventflow/pkg/errors"
	"github.com/eventflow/eventflow/pkg/event"
	"github.com/eventflow/eventflow/pkg/eventfile"
	"github.com/eventflow/eventflow/pkg/hooks"
	"github.com/eventflow/eventflow/pkg/storage/object"
)

// generator adds A = event number and B = 10 * event number. It aborts the
// first try of every even event when abortEven is set.
type generator struct {
	Base
	abortEven bool
	detector  string
}

func (g *generator) Produce(ctx context.Context, ev *event.Event) error {
	h := ev.Header()
	if g.abortEven && h.EventNumber%2 == 0 && h.Tries == 1 {
		return ErrAbortEvent
	}
	if err := event.Add(ev, "A", h.EventNumber); err != nil {
		return err
	}
	return event.Add(ev, "B", 10*h.EventNumber)
}

func (g *generator) BeforeNewRun(ctx context.Context, rh *model.RunHeader) error {
	rh.DetectorName = g.detector
	return nil
}

// summer adds Sum = A + 1 in a later pass.
type summer struct {
	Base
}

func (s *summer) Produce(ctx context.Context, ev *event.Event) error {
	a, err := event.Get[int](ctx, ev, "A")
	if err != nil {
		return err
	}
	return event.Add(ev, "Sum", a+1)
}

// recorder records what it sees.
type recorder struct {
	Base
	events  []int
	runs    []int
	details []string
	opened  []string
	closed  []string
	started int
	ended   int
	failOn  int
	failErr error
}

func (r *recorder) Analyze(ctx context.Context, ev *event.Event) error {
	n := ev.Header().EventNumber
	if n == r.failOn {
		return r.failErr
	}
	r.events = append(r.events, n)
	return nil
}

func (r *recorder) OnProcessStart(ctx context.Context) error { r.started++; return nil }
func (r *recorder) OnProcessEnd(ctx context.Context) error   { r.ended++; return nil }

func (r *recorder) OnNewRun(ctx context.Context, rh *model.RunHeader) error {
	r.runs = append(r.runs, rh.RunNumber)
	r.details = append(r.details, rh.DetectorName)
	return nil
}

func (r *recorder) OnFileOpen(ctx context.Context, f *eventfile.EventFile) error {
	r.opened = append(r.opened, f.Mode().String())
	return nil
}

func (r *recorder) OnFileClose(ctx context.Context, f *eventfile.EventFile) error {
	r.closed = append(r.closed, f.Mode().String())
	return nil
}

// filler books one histogram of A.
type filler struct {
	Base
}

func (f *filler) OnProcessStart(ctx context.Context) error {
	return f.Histograms().Create("a", "A", 10, 0, 10)
}

func (f *filler) Analyze(ctx context.Context, ev *event.Event) error {
	a, err := event.Get[int](ctx, ev, "A")
	if err != nil {
		return err
	}
	return f.Histograms().Fill("a", float64(a))
}

func config(pass string) Config {
	cfg := DefaultConfig()
	cfg.PassName = pass
	return cfg
}

// generateStore writes n generated events of run into dir.
func generateStore(t *testing.T, dir string, run, n int) {
	t.Helper()
	cfg := config("gen")
	cfg.OutputFiles = []string{dir}
	cfg.MaxEvents = n
	cfg.Run = run

	p, err := New(cfg, []Processor{&generator{Base: NewBase("gen"), detector: "hcal"}})
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))
}

// readInts returns the values of one int product over all entries.
func readInts(t *testing.T, dir, name, pass string) []int {
	t.Helper()
	ctx := context.Background()
	f, err := eventfile.Open(ctx, dir)
	require.NoError(t, err)
	defer f.Close()

	ev, err := event.New("check")
	require.NoError(t, err)
	require.NoError(t, f.SetupEvent(ev))

	var out []int
	for {
		ok, err := f.NextEvent(ctx, false)
		require.NoError(t, err)
		if !ok {
			return out
		}
		v, err := event.Get[int](ctx, ev, name, pass)
		require.NoError(t, err)
		out = append(out, v)
	}
}

func TestNew_Validation(t *testing.T) {
	gen := []Processor{&generator{Base: NewBase("gen")}}

	bad := config("re_co")
	bad.InputFiles = []string{"in"}
	_, err := New(bad, gen)
	assert.True(t, errors.IsCode(err, errors.CodeIllegalName))

	noLimit := config("sim")
	noLimit.OutputFiles = []string{"out"}
	_, err = New(noLimit, gen)
	assert.True(t, errors.IsCode(err, errors.CodeProcess))

	noOutput := config("sim")
	noOutput.MaxEvents = 3
	_, err = New(noOutput, gen)
	assert.True(t, errors.IsCode(err, errors.CodeProcess))

	unpaired := config("reco")
	unpaired.InputFiles = []string{"a", "b", "c"}
	unpaired.OutputFiles = []string{"x", "y"}
	_, err = New(unpaired, gen)
	assert.True(t, errors.IsCode(err, errors.CodeProcess))

	ok := config("reco")
	ok.InputFiles = []string{"a"}
	_, err = New(ok, nil)
	assert.Error(t, err)

	ok.Compression = "brotli"
	_, err = New(ok, gen)
	assert.Error(t, err)
}

func TestGenerate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "gen")
	rec := &recorder{Base: NewBase("rec")}

	cfg := config("gen")
	cfg.OutputFiles = []string{dir}
	cfg.MaxEvents = 5
	cfg.Run = 7
	p, err := New(cfg, []Processor{&generator{Base: NewBase("gen"), detector: "hcal"}, rec})
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, []int{1, 2, 3, 4, 5}, rec.events)
	assert.Equal(t, []int{7}, rec.runs)
	assert.Equal(t, []string{"hcal"}, rec.details)
	assert.Equal(t, []string{"write"}, rec.opened)
	assert.Equal(t, []string{"write"}, rec.closed)
	assert.Equal(t, 1, rec.started)
	assert.Equal(t, 1, rec.ended)

	assert.Equal(t, []int{1, 2, 3, 4, 5}, readInts(t, dir, "A", "gen"))

	f, err := eventfile.Open(context.Background(), dir)
	require.NoError(t, err)
	defer f.Close()
	rh, err := f.GetRunHeader(7)
	require.NoError(t, err)
	assert.Equal(t, 5, rh.NumTried)
	assert.Equal(t, 5, rh.NumEvents)
	assert.Equal(t, "hcal", rh.DetectorName)
	assert.Equal(t, uint64(5), f.RunCatalog().Entries(7).GetCardinality())

	s := p.Metrics().Summary()
	assert.Equal(t, int64(5), s.EventsStored)
	assert.Contains(t, s.Processors, "gen")
}

func TestGenerate_Aborts(t *testing.T) {
	tests := []struct {
		name     string
		maxTries int
		stored   []int
		tried    int
	}{
		{name: "single try gives up the event", maxTries: 1, stored: []int{1, 3}, tried: 4},
		{name: "retry completes the event", maxTries: 2, stored: []int{1, 2, 3, 4}, tried: 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "gen")
			cfg := config("gen")
			cfg.OutputFiles = []string{dir}
			cfg.MaxEvents = 4
			cfg.MaxTries = tt.maxTries
			cfg.Run = 1

			p, err := New(cfg, []Processor{&generator{Base: NewBase("gen"), abortEven: true}})
			require.NoError(t, err)
			require.NoError(t, p.Run(context.Background()))
			assert.Equal(t, 4, p.EventsProcessed())

			assert.Equal(t, tt.stored, readInts(t, dir, "A", "gen"))
			f, err := eventfile.Open(context.Background(), dir)
			require.NoError(t, err)
			defer f.Close()
			rh, err := f.GetRunHeader(1)
			require.NoError(t, err)
			assert.Equal(t, tt.tried, rh.NumTried)
			assert.Equal(t, len(tt.stored), rh.NumEvents)
		})
	}
}

func TestRead_CloneWithKeepRules(t *testing.T) {
	root := t.TempDir()
	in := filepath.Join(root, "in")
	out := filepath.Join(root, "out")
	generateStore(t, in, 3, 4)

	cfg := config("reco")
	cfg.InputFiles = []string{in}
	cfg.OutputFiles = []string{out}
	cfg.Keep = []string{"drop B"}
	rec := &recorder{Base: NewBase("rec")}
	p, err := New(cfg, []Processor{&summer{Base: NewBase("sum")}, rec})
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, []int{3}, rec.runs)
	assert.Equal(t, []string{"read", "clone"}, rec.opened)
	// A single output outlives its inputs.
	assert.Equal(t, []string{"read", "clone"}, rec.closed)

	assert.Equal(t, []int{1, 2, 3, 4}, readInts(t, out, "A", "gen"))
	assert.Equal(t, []int{2, 3, 4, 5}, readInts(t, out, "Sum", "reco"))

	f, err := eventfile.Open(context.Background(), out)
	require.NoError(t, err)
	defer f.Close()
	ev, err := event.New("check")
	require.NoError(t, err)
	require.NoError(t, f.SetupEvent(ev))
	assert.True(t, ev.Exists("A", "gen"))
	assert.False(t, ev.Exists("B", "gen"))
	_, err = f.GetRunHeader(3)
	assert.NoError(t, err)
}

func TestRead_SingleOutputOverInputs(t *testing.T) {
	root := t.TempDir()
	in1 := filepath.Join(root, "in1")
	in2 := filepath.Join(root, "in2")
	out := filepath.Join(root, "out")
	generateStore(t, in1, 1, 3)
	generateStore(t, in2, 2, 2)

	closes := 0
	hm := hooks.NewHookManager()
	hm.RegisterFileClose(func(ctx context.Context, r *hooks.FileResult) error {
		closes++
		return nil
	})

	cfg := config("reco")
	cfg.InputFiles = []string{in1, in2}
	cfg.OutputFiles = []string{out}
	rec := &recorder{Base: NewBase("rec")}
	p, err := New(cfg, []Processor{&summer{Base: NewBase("sum")}, rec}, WithHooks(hm))
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, []int{1, 2}, rec.runs)
	assert.Equal(t, 3, closes)
	assert.Equal(t, []int{1, 2, 3, 1, 2}, readInts(t, out, "A", "gen"))

	f, err := eventfile.Open(context.Background(), out)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, []int{1, 2}, f.RunCatalog().Runs())
	assert.Equal(t, []uint32{3, 4}, f.RunCatalog().Entries(2).ToArray())
}

func TestRead_PairedOutputs(t *testing.T) {
	root := t.TempDir()
	ins := []string{filepath.Join(root, "in1"), filepath.Join(root, "in2")}
	outs := []string{filepath.Join(root, "out1"), filepath.Join(root, "out2")}
	generateStore(t, ins[0], 1, 2)
	generateStore(t, ins[1], 2, 3)

	cfg := config("reco")
	cfg.InputFiles = ins
	cfg.OutputFiles = outs
	p, err := New(cfg, []Processor{&summer{Base: NewBase("sum")}})
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, []int{2, 3}, readInts(t, outs[0], "Sum", "reco"))
	assert.Equal(t, []int{2, 3, 4}, readInts(t, outs[1], "Sum", "reco"))
}

func TestRead_EventLimit(t *testing.T) {
	root := t.TempDir()
	in1 := filepath.Join(root, "in1")
	in2 := filepath.Join(root, "in2")
	out := filepath.Join(root, "out")
	generateStore(t, in1, 1, 3)
	generateStore(t, in2, 2, 3)

	cfg := config("reco")
	cfg.InputFiles = []string{in1, in2}
	cfg.OutputFiles = []string{out}
	cfg.MaxEvents = 2
	rec := &recorder{Base: NewBase("rec")}
	p, err := New(cfg, []Processor{rec})
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, []int{1, 2}, rec.events)
	assert.Equal(t, []int{1}, rec.runs)
	assert.Equal(t, []int{1, 2}, readInts(t, out, "A", "gen"))
}

func TestRead_NoOutput(t *testing.T) {
	in := filepath.Join(t.TempDir(), "in")
	generateStore(t, in, 4, 3)

	spans := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)).Tracer("test")

	cfg := config("ana")
	cfg.InputFiles = []string{in}
	cfg.LogFrequency = 1
	rec := &recorder{Base: NewBase("rec")}
	p, err := New(cfg, []Processor{rec}, WithTracer(tracer))
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, []int{1, 2, 3}, rec.events)
	assert.Equal(t, 4, p.RunHeader().RunNumber)

	names := map[string]int{}
	for _, s := range spans.Ended() {
		names[s.Name()]++
		switch s.Name() {
		case "process.file":
			assert.Contains(t, s.Attributes(), attribute.Int64("entries", 3))
		case "process.run":
			assert.Contains(t, s.Attributes(), attribute.Int("events", 3))
		}
	}
	assert.Equal(t, 1, names["process.run"])
	assert.Equal(t, 1, names["process.file"])
	assert.Equal(t, 3, names["process.event"])
	assert.Equal(t, 3, names["rec"])
}

func TestRun_FatalErrorClosesFiles(t *testing.T) {
	root := t.TempDir()
	in := filepath.Join(root, "in")
	out := filepath.Join(root, "out")
	generateStore(t, in, 1, 4)

	backend, err := checkpoint.NewLocalBackend(filepath.Join(root, "cp"))
	require.NoError(t, err)
	mgr := checkpoint.NewManager(backend, nil)

	cfg := config("reco")
	cfg.InputFiles = []string{in}
	cfg.OutputFiles = []string{out}
	cfg.SkipCorrupted = true
	rec := &recorder{
		Base:    NewBase("rec"),
		failOn:  3,
		failErr: errors.ProductNotFound("Hits", "sim"),
	}
	p, err := New(cfg, []Processor{rec}, WithCheckpoints(mgr, 1))
	require.NoError(t, err)

	err = p.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeProductNotFound))
	assert.Equal(t, []string{"read", "clone"}, rec.closed)
	assert.Equal(t, 1, rec.ended)

	// Events before the failure were written and the store was published.
	assert.Equal(t, []int{1, 2}, readInts(t, out, "A", "gen"))

	cp, err := mgr.Load(context.Background(), p.Checkpoint().ID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.PhaseFailed, cp.Phase)
	assert.Contains(t, cp.Error, "Hits")
}

func TestRun_SkipCorrupted(t *testing.T) {
	root := t.TempDir()
	in := filepath.Join(root, "in")
	out := filepath.Join(root, "out")
	generateStore(t, in, 1, 4)

	cfg := config("reco")
	cfg.InputFiles = []string{in}
	cfg.OutputFiles = []string{out}
	cfg.SkipCorrupted = true
	rec := &recorder{
		Base:    NewBase("rec"),
		failOn:  2,
		failErr: errors.New(errors.CodeDataError, "bad calibration"),
	}
	p, err := New(cfg, []Processor{rec})
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, []int{1, 3, 4}, readInts(t, out, "A", "gen"))
	assert.Equal(t, int64(1), p.Metrics().Summary().EventsAborted)

	cfg.SkipCorrupted = false
	cfg.OutputFiles = []string{filepath.Join(root, "out2")}
	p, err = New(cfg, []Processor{rec})
	require.NoError(t, err)
	assert.True(t, errors.IsCode(p.Run(context.Background()), errors.CodeDataError))
}

func TestRun_ErrorHookHandles(t *testing.T) {
	in := filepath.Join(t.TempDir(), "in")
	generateStore(t, in, 1, 3)

	var phases []string
	hm := hooks.NewHookManager()
	hm.RegisterError(func(ctx context.Context, err error, phase string) error {
		phases = append(phases, phase)
		return nil
	})

	cfg := config("ana")
	cfg.InputFiles = []string{in}
	rec := &recorder{Base: NewBase("rec"), failOn: 2, failErr: errors.New(errors.CodeFileError, "x")}
	p, err := New(cfg, []Processor{rec}, WithHooks(hm))
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, []string{"rec"}, phases)
	assert.Equal(t, []int{1, 3}, rec.events)
}

func TestRun_MetadataArchiveCheckpoint(t *testing.T) {
	root := t.TempDir()
	out := filepath.Join(root, "run9")

	store, err := object.NewLocalStorage(filepath.Join(root, "bucket"))
	require.NoError(t, err)
	backend, err := checkpoint.NewLocalBackend(filepath.Join(root, "cp"))
	require.NoError(t, err)
	mgr := checkpoint.NewManager(backend, nil)

	hm := hooks.NewHookManager()
	hm.RegisterFileOpen(hooks.MetadataHook(map[string]string{"campaign": "test-beam"}))
	tracker := hooks.NewProgressTracker(1000, nil)

	cfg := config("sim")
	cfg.OutputFiles = []string{out}
	cfg.MaxEvents = 3
	cfg.Run = 9
	p, err := New(cfg, []Processor{&generator{Base: NewBase("gen")}},
		WithHooks(hm),
		WithArchive(store, "archive"),
		WithCheckpoints(mgr, 2),
		WithProgress(tracker),
	)
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))

	assert.ElementsMatch(t, []string{"archive/run9/events.parquet", "archive/run9/runs.parquet"}, p.Archived())
	ok, err := store.Exists(context.Background(), "archive/run9/events.parquet")
	require.NoError(t, err)
	assert.True(t, ok)

	f, err := eventfile.Open(context.Background(), out)
	require.NoError(t, err)
	defer f.Close()
	v, found := f.Metadata("campaign")
	assert.True(t, found)
	assert.Equal(t, "test-beam", v)

	cp, err := mgr.Load(context.Background(), p.Checkpoint().ID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.PhaseComplete, cp.Phase)
	assert.Equal(t, int64(3), cp.EventsStored)
	assert.Equal(t, 9, cp.Run)

	progress := tracker.GetProgress()
	assert.Equal(t, int64(3), progress.EventsStored)
	assert.Equal(t, 1, progress.FilesWritten)
	assert.Equal(t, 9, progress.CurrentRun)
}

func TestRun_Cancelled(t *testing.T) {
	in := filepath.Join(t.TempDir(), "in")
	generateStore(t, in, 1, 5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config("ana")
	cfg.InputFiles = []string{in}
	rec := &recorder{Base: NewBase("rec")}
	p, err := New(cfg, []Processor{&canceller{Base: NewBase("stop"), at: 2, cancel: cancel}, rec})
	require.NoError(t, err)
	assert.ErrorIs(t, p.Run(ctx), context.Canceled)
	assert.Equal(t, []int{1, 2}, rec.events)
	assert.Equal(t, []string{"read"}, rec.closed)
	assert.Equal(t, 1, rec.ended)
}

func TestRun_CancelledStoresLastEvent(t *testing.T) {
	root := t.TempDir()
	in := filepath.Join(root, "in")
	out := filepath.Join(root, "out")
	generateStore(t, in, 1, 5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config("ana")
	cfg.InputFiles = []string{in}
	cfg.OutputFiles = []string{out}
	p, err := New(cfg, []Processor{&canceller{Base: NewBase("stop"), at: 2, cancel: cancel}})
	require.NoError(t, err)
	assert.ErrorIs(t, p.Run(ctx), context.Canceled)

	assert.Equal(t, []int{1, 2}, readInts(t, out, "A", "gen"))
}

type canceller struct {
	Base
	at     int
	cancel context.CancelFunc
}

func (c *canceller) Analyze(ctx context.Context, ev *event.Event) error {
	if ev.Header().EventNumber == c.at {
		c.cancel()
	}
	return nil
}

func TestRun_WritesHistograms(t *testing.T) {
	dir := t.TempDir()
	cfg := config("sim")
	cfg.OutputFiles = []string{filepath.Join(dir, "out")}
	cfg.MaxEvents = 4
	cfg.HistogramFile = filepath.Join(dir, "hists", "sim.parquet")

	p, err := New(cfg, []Processor{&generator{Base: NewBase("gen")}, &filler{Base: NewBase("fill")}})
	require.NoError(t, err)

	// A second run books into a fresh pool.
	for i := 0; i < 2; i++ {
		require.NoError(t, p.Run(context.Background()))
		h, err := p.Histograms().Get("fill_a")
		require.NoError(t, err)
		assert.Equal(t, int64(4), h.Entries())
		assert.InDelta(t, 2.5, h.Mean(), 1e-12)
		assert.Equal(t, 1, p.Histograms().Len())
	}
	assert.FileExists(t, cfg.HistogramFile)
}

func TestRun_HistogramsWithoutFile(t *testing.T) {
	dir := t.TempDir()
	cfg := config("sim")
	cfg.OutputFiles = []string{filepath.Join(dir, "out")}
	cfg.MaxEvents = 2

	p, err := New(cfg, []Processor{&generator{Base: NewBase("gen")}, &filler{Base: NewBase("fill")}})
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, 1, p.Histograms().Len())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "out", entries[0].Name())
}
