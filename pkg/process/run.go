package process

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/eventflow/eventflow/internal/model"
	"github.com/eventflow/eventflow/pkg/errors"
	"github.com/eventflow/eventflow/pkg/event"
	"github.com/eventflow/eventflow/pkg/eventfile"
	"github.com/eventflow/eventflow/pkg/histogram"
	"github.com/eventflow/eventflow/pkg/hooks"
	"github.com/eventflow/eventflow/pkg/storage/object"
	"github.com/eventflow/eventflow/pkg/storage/table"
	"github.com/eventflow/eventflow/pkg/telemetry"
)

// Run processes every configured event. Files opened by the run are closed
// before it returns, whatever the outcome.
func (p *Process) Run(ctx context.Context) (err error) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "process.run", trace.WithAttributes(
		attribute.String("pass", p.cfg.PassName),
		attribute.Int("inputs", len(p.cfg.InputFiles)),
		attribute.Int("outputs", len(p.cfg.OutputFiles)),
	))
	defer func() {
		telemetry.SetSpanAttributes(ctx, attribute.Int("events", p.events))
		telemetry.RecordError(ctx, err)
		span.End()
	}()

	telemetry.LogProcessStart(p.logger, len(p.cfg.InputFiles), len(p.cfg.OutputFiles), len(p.sequence))
	p.events = 0
	p.runHeader = nil
	p.startCheckpoint(ctx)

	ev, err := event.New(p.cfg.PassName)
	if err != nil {
		return err
	}
	ev.Header().Run = p.cfg.Run
	p.shareHistograms()

	if err = p.notifyStart(ctx); err == nil {
		if len(p.cfg.InputFiles) == 0 {
			err = p.generate(ctx, ev)
		} else {
			err = p.readAll(ctx, ev)
		}
	}

	var errs errors.MultiError
	errs.Add(err)
	errs.Add(p.notifyEnd(ctx))
	errs.Add(p.writeHistograms(ctx))
	err = errs.Combined()

	p.finishCheckpoint(ctx, err)
	if err != nil {
		telemetry.LogProcessError(p.logger, err, ev.Entry())
		return err
	}
	telemetry.LogProcessComplete(p.logger, time.Since(start), p.metrics.Summary())
	return nil
}

// generate fills a single output file without input.
func (p *Process) generate(ctx context.Context, ev *event.Event) (err error) {
	if len(p.cfg.OutputFiles) > 1 {
		p.logger.Warn("several output files given with no input files, only the first is used",
			slog.String("output", p.cfg.OutputFiles[0]))
	}

	out, err := eventfile.Create(p.cfg.OutputFiles[0], p.fileOpts...)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := p.closeFile(ctx, out, true); err == nil {
			err = cerr
		}
	}()

	if err := out.SetupEvent(ev); err != nil {
		return err
	}
	for _, rule := range p.cfg.Keep {
		if err := out.AddDrop(rule); err != nil {
			return err
		}
	}
	if err := p.fileOpen(ctx, out); err != nil {
		return err
	}

	rh := model.NewRunHeader(p.cfg.Run)
	if err := out.WriteRunHeader(rh); err != nil {
		return err
	}
	if err := p.newRun(ctx, rh); err != nil {
		return err
	}

	totalTries, numTries := 0, 0
	for p.events < p.cfg.MaxEvents {
		if err := ctx.Err(); err != nil {
			return err
		}
		totalTries++
		numTries++

		h := ev.Header()
		h.Clear()
		h.Run = p.cfg.Run
		h.EventNumber = p.events + 1
		h.Timestamp = time.Now()
		h.Tries = numTries

		completed, err := p.process(ctx, ev)
		if err != nil {
			return err
		}
		if _, err := out.NextEvent(ctx, completed); err != nil {
			return err
		}
		if completed {
			rh.NumEvents++
			numTries = 0
		}
		// Tries carry across event numbers when max tries is reached.
		if completed || numTries%p.cfg.MaxTries == 0 {
			p.events++
		}
		p.saveCheckpoint(ctx, out.Entry(), rh.RunNumber)
	}

	rh.RunEnd = time.Now().Unix()
	rh.NumTried = totalTries
	p.logger.Info("run finished", slog.String("run", rh.String()))
	return nil
}

// readAll loops over the input files.
func (p *Process) readAll(ctx context.Context, ev *event.Event) (err error) {
	singleOutput := len(p.cfg.OutputFiles) == 1

	var out *eventfile.EventFile
	defer func() {
		if out != nil {
			if cerr := p.closeFile(ctx, out, true); err == nil {
				err = cerr
			}
		}
	}()

	wasRun := -1
	for i, path := range p.cfg.InputFiles {
		p.input = i
		leaveEarly, err := p.readFile(ctx, ev, i, path, singleOutput, &out, &wasRun)
		if err != nil {
			return err
		}
		if leaveEarly {
			break
		}
	}
	return nil
}

// readFile processes one input file. out carries the output across files in
// single output mode.
func (p *Process) readFile(ctx context.Context, ev *event.Event, i int, path string,
	singleOutput bool, out **eventfile.EventFile, wasRun *int) (leaveEarly bool, err error) {
	ctx, span := p.tracer.Start(ctx, "process.file", trace.WithAttributes(
		attribute.String("file", path),
		attribute.Int("index", i),
	))
	defer func() {
		telemetry.RecordError(ctx, err)
		span.End()
	}()

	p.logger.Info("opening file", slog.String("file", path))
	in, err := eventfile.Open(ctx, path, p.fileOpts...)
	if err != nil {
		return false, err
	}
	defer func() {
		if cerr := p.closeFile(ctx, in, false); err == nil {
			err = cerr
		}
	}()
	telemetry.SetSpanAttributes(ctx, attribute.Int64("entries", in.Entries()))
	if err := p.fileOpen(ctx, in); err != nil {
		return false, err
	}

	master := in
	if len(p.cfg.OutputFiles) > 0 {
		if !singleOutput || i == 0 {
			f, err := eventfile.Clone(p.cfg.OutputFiles[i], in, p.fileOpts...)
			if err != nil {
				return false, err
			}
			*out = f
			if err := f.SetupEvent(ev); err != nil {
				return false, err
			}
			for _, rule := range p.cfg.Keep {
				if err := f.AddDrop(rule); err != nil {
					return false, err
				}
			}
			if err := p.fileOpen(ctx, f); err != nil {
				return false, err
			}
		} else if err := (*out).UpdateParent(in); err != nil {
			return false, err
		}
		master = *out
	} else if err := in.SetupEvent(ev); err != nil {
		return false, err
	}

	completed := true
	for {
		if err := ctx.Err(); err != nil {
			// The last processed event is still stored.
			if ferr := master.Finish(context.WithoutCancel(ctx), completed); ferr != nil {
				p.logger.Warn("failed to store last event", slog.String("error", ferr.Error()))
			}
			return false, err
		}
		ok, err := master.NextEvent(ctx, completed)
		if err != nil {
			return false, err
		}
		if !ok || p.limitReached() {
			break
		}

		if run := ev.Header().Run; run != *wasRun {
			*wasRun = run
			if rh, err := master.GetRunHeader(run); err != nil {
				p.logger.Warn("run header not found", slog.Int("run", run))
			} else {
				p.logger.Info("got new run header", slog.String("file", master.Path()), slog.String("run", rh.String()))
				if err := p.newRun(ctx, rh); err != nil {
					return false, err
				}
			}
		}

		completed, err = p.process(ctx, ev)
		if err != nil {
			return false, err
		}
		p.events++
		p.saveCheckpoint(ctx, master.Entry(), *wasRun)
	}

	if p.limitReached() {
		p.logger.Info("reached event limit", slog.Int("max_events", p.cfg.MaxEvents))
		leaveEarly = true
	}

	p.logger.Info("closing file", slog.String("file", path))
	ev.OnEndOfFile()

	if *out != nil && !singleOutput {
		f := *out
		*out = nil
		if err := p.closeFile(ctx, f, true); err != nil {
			return false, err
		}
	}
	return leaveEarly, nil
}

func (p *Process) limitReached() bool {
	return p.cfg.MaxEvents >= 0 && p.events >= p.cfg.MaxEvents
}

// process runs the sequence on one event and reports whether it completed.
func (p *Process) process(ctx context.Context, ev *event.Event) (bool, error) {
	h := ev.Header()
	n := p.events
	if p.cfg.LogFrequency > 0 && (n+1)%p.cfg.LogFrequency == 0 {
		telemetry.LogEvent(p.logger, h.Run, h.EventNumber, ev.Entry())
	}

	ctx, span := p.tracer.Start(ctx, "process.event", trace.WithAttributes(
		attribute.Int("run", h.Run),
		attribute.Int("event", h.EventNumber),
	))
	defer span.End()
	start := time.Now()

	for _, proc := range p.sequence {
		aborted := false
		err := telemetry.InstrumentedOperation(ctx, p.tracer, p.metrics, proc.Name(), func(ctx context.Context) error {
			var err error
			switch x := proc.(type) {
			case Producer:
				err = x.Produce(ctx, ev)
			case Analyzer:
				err = x.Analyze(ctx, ev)
			}
			if stderrors.Is(err, ErrAbortEvent) {
				aborted = true
				return nil
			}
			return err
		})

		if aborted {
			telemetry.LogEventAborted(p.logger, h.Run, h.EventNumber, proc.Name())
			telemetry.AddSpanEvent(ctx, "aborted", attribute.String("processor", proc.Name()))
			p.countEvent(false)
			return false, nil
		}
		if err == nil {
			continue
		}

		if p.progress != nil {
			p.progress.AddError()
		}
		err = p.hooks.RunError(ctx, err, proc.Name())
		if err == nil || (p.cfg.SkipCorrupted && !errors.IsFatal(err)) {
			reason := err
			if reason == nil {
				reason = stderrors.New("handled by error hook")
			}
			telemetry.LogEventSkipped(p.logger, ev.Entry(), proc.Name(), reason)
			p.countEvent(false)
			return false, nil
		}
		telemetry.RecordError(ctx, err)
		return false, errors.Wrapf(err, errors.GetCode(err), "processor %s failed", proc.Name()).
			WithContext("run", h.Run).
			WithContext("event", h.EventNumber)
	}

	p.metrics.RecordLatency(time.Since(start))
	p.countEvent(true)
	return true, nil
}

func (p *Process) countEvent(stored bool) {
	p.metrics.IncrementEvents(stored)
	if p.progress != nil {
		p.progress.AddEvent(stored)
	}
}

// newRun lets producers fill the header, then notifies hooks and every
// processor.
func (p *Process) newRun(ctx context.Context, rh *model.RunHeader) error {
	p.runHeader = rh
	if p.progress != nil {
		p.progress.SetCurrentRun(rh.RunNumber)
	}
	telemetry.AddSpanEvent(ctx, "new_run", attribute.Int("run", rh.RunNumber))

	for _, proc := range p.sequence {
		if _, ok := proc.(Producer); !ok {
			continue
		}
		if rp, ok := proc.(RunPreparer); ok {
			if err := rp.BeforeNewRun(ctx, rh); err != nil {
				return err
			}
		}
	}
	if err := p.hooks.RunNewRun(ctx, rh); err != nil {
		return err
	}
	for _, proc := range p.sequence {
		if ro, ok := proc.(RunObserver); ok {
			if err := ro.OnNewRun(ctx, rh); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Process) notifyStart(ctx context.Context) error {
	for _, proc := range p.sequence {
		if s, ok := proc.(ProcessStarter); ok {
			if err := s.OnProcessStart(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// shareHistograms gives every processor a helper on a fresh pool.
func (p *Process) shareHistograms() {
	p.histograms = histogram.NewPool()
	for _, proc := range p.sequence {
		if u, ok := proc.(HistogramUser); ok {
			u.SetHistograms(p.histograms.Helper(proc.Name()))
		}
	}
}

// writeHistograms logs the filled histograms and writes them when a file
// is configured.
func (p *Process) writeHistograms(ctx context.Context) error {
	if p.histograms.Len() == 0 {
		return nil
	}
	for _, s := range p.histograms.Summaries() {
		p.logger.Debug("histogram",
			slog.String("name", s.Name),
			slog.Int64("entries", s.Entries),
			slog.Float64("mean", s.Mean),
			slog.Float64("std_dev", s.StdDev),
		)
	}
	if p.cfg.HistogramFile == "" {
		return nil
	}

	compression, _ := table.ParseCompression(p.cfg.Compression)
	if err := p.histograms.WriteFile(p.cfg.HistogramFile, compression); err != nil {
		return err
	}
	telemetry.AddSpanEvent(ctx, "histograms.written",
		attribute.String("path", p.cfg.HistogramFile),
		attribute.Int("histograms", p.histograms.Len()),
	)
	p.logger.Info("wrote histograms",
		slog.String("path", p.cfg.HistogramFile),
		slog.Int("histograms", p.histograms.Len()),
	)
	return nil
}

func (p *Process) notifyEnd(ctx context.Context) error {
	var errs errors.MultiError
	for _, proc := range p.sequence {
		if e, ok := proc.(ProcessEnder); ok {
			errs.Add(e.OnProcessEnd(ctx))
		}
	}
	return errs.Combined()
}

// fileOpen runs the open hooks, stores hook metadata in output files and
// notifies the processors.
func (p *Process) fileOpen(ctx context.Context, f *eventfile.EventFile) error {
	p.opened[f] = time.Now()
	if p.progress != nil {
		p.progress.SetCurrentFile(f.Path())
	}

	info := &hooks.FileInfo{
		Path:    f.Path(),
		Mode:    f.Mode().String(),
		Entries: f.Entries(),
		Pass:    p.cfg.PassName,
	}
	if parent := f.Parent(); parent != nil {
		info.Parent = parent.Path()
	}
	if err := p.hooks.RunFileOpen(ctx, info); err != nil {
		return err
	}
	if f.Mode() != eventfile.ModeRead {
		for k, v := range info.Metadata {
			if err := f.SetMetadata(k, v); err != nil {
				return err
			}
		}
	}

	for _, proc := range p.sequence {
		if fo, ok := proc.(FileObserver); ok {
			if err := fo.OnFileOpen(ctx, f); err != nil {
				return err
			}
		}
	}
	return nil
}

// closeFile notifies the processors, closes f, runs the close hooks and
// archives closed outputs. f is closed even when a callback fails.
func (p *Process) closeFile(ctx context.Context, f *eventfile.EventFile, output bool) error {
	var errs errors.MultiError
	if _, ok := p.opened[f]; ok {
		for _, proc := range p.sequence {
			if fo, ok := proc.(FileObserver); ok {
				errs.Add(fo.OnFileClose(ctx, f))
			}
		}
	}

	closeErr := f.Close()
	errs.Add(closeErr)

	opened, ok := p.opened[f]
	delete(p.opened, f)
	if !ok {
		opened = time.Now()
	}
	if p.progress != nil {
		p.progress.FileDone(output)
	}
	errs.Add(p.hooks.RunFileClose(ctx, &hooks.FileResult{
		Path:     f.Path(),
		Mode:     f.Mode().String(),
		Entries:  f.Entries(),
		Runs:     f.RunCatalog().Len(),
		Duration: time.Since(opened),
	}))

	if output && closeErr == nil && p.archive != nil {
		keys, err := object.Archive(ctx, p.archive, f.Path(), p.archivePrefix, 0)
		if err != nil {
			errs.Add(err)
		} else {
			p.archived = append(p.archived, keys...)
			p.logger.Info("archived event file",
				slog.String("file", f.Path()),
				slog.String("store", p.archive.Scheme()),
				slog.Int("objects", len(keys)),
			)
		}
	}
	return errs.Combined()
}
