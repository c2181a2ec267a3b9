package process

import (
	"context"
	stderrors "errors"

	"github.com/eventflow/eventflow/internal/model"
	"github.com/eventflow/eventflow/pkg/event"
	"github.com/eventflow/eventflow/pkg/eventfile"
	"github.com/eventflow/eventflow/pkg/histogram"
)

// ErrAbortEvent is returned by a processor to stop the current event. The
// remaining processors are skipped and the event is not stored.
var ErrAbortEvent = stderrors.New("event aborted")

// Processor is one step of the sequence.
type Processor interface {
	// Name returns the instance name given in the configuration.
	Name() string
}

// Producer adds products to the event.
type Producer interface {
	Processor
	Produce(ctx context.Context, ev *event.Event) error
}

// Analyzer only reads the event.
type Analyzer interface {
	Processor
	Analyze(ctx context.Context, ev *event.Event) error
}

// The callbacks below are optional. A processor implements the ones it needs.

// ProcessStarter is notified before the first file is opened.
type ProcessStarter interface {
	OnProcessStart(ctx context.Context) error
}

// ProcessEnder is notified after the last file is closed.
type ProcessEnder interface {
	OnProcessEnd(ctx context.Context) error
}

// RunPreparer lets a producer fill the run header before anyone reads it.
type RunPreparer interface {
	BeforeNewRun(ctx context.Context, header *model.RunHeader) error
}

// RunObserver is notified when events start belonging to a new run.
type RunObserver interface {
	OnNewRun(ctx context.Context, header *model.RunHeader) error
}

// FileObserver is notified when event files are opened and closed.
type FileObserver interface {
	OnFileOpen(ctx context.Context, f *eventfile.EventFile) error
	OnFileClose(ctx context.Context, f *eventfile.EventFile) error
}

// HistogramUser receives the histogram helper of its processor before
// OnProcessStart. Base implements it.
type HistogramUser interface {
	SetHistograms(h *histogram.Helper)
}

// Base gives embedding processors their name and histograms.
type Base struct {
	name  string
	hists *histogram.Helper
}

// NewBase names a processor.
func NewBase(name string) Base {
	return Base{name: name}
}

// Name returns the instance name.
func (b Base) Name() string { return b.name }

// SetHistograms sets the helper of the processor.
func (b *Base) SetHistograms(h *histogram.Helper) { b.hists = h }

// Histograms returns the helper of the processor. Outside a Process it
// fills a private pool.
func (b *Base) Histograms() *histogram.Helper {
	if b.hists == nil {
		b.hists = histogram.NewPool().Helper(b.name)
	}
	return b.hists
}
