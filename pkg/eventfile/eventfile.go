// Package eventfile manages the stores events are read from and written to.
//
// An EventFile is opened in one of three modes: reading an existing store,
// writing a new store from scratch, or cloning a parent file into a new store
// while filtering the parent's branches with keep/drop rules. The file that
// drives the event loop advances its parent, fills its output and keeps the
// run catalog.
package eventfile

import (
	"context"
	"log/slog"

	"github.com/eventflow/eventflow/internal/model"
	"github.com/eventflow/eventflow/pkg/errors"
	"github.com/eventflow/eventflow/pkg/event"
	"github.com/eventflow/eventflow/pkg/storage/table"
)

// Mode is how a file was opened.
type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
	ModeClone
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	case ModeClone:
		return "clone"
	default:
		return "unknown"
	}
}

// Option configures an EventFile.
type Option func(*options)

type options struct {
	writer table.WriterConfig
	logger *slog.Logger
}

func defaultOptions() options {
	return options{
		writer: table.DefaultWriterConfig(),
		logger: slog.Default(),
	}
}

// WithCompression sets the codec of written tables.
func WithCompression(c table.CompressionType) Option {
	return func(o *options) { o.writer.Compression = c }
}

// WithBatchSize sets how many events are buffered per row group.
func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.writer.BatchSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// EventFile is one store in the event loop.
type EventFile struct {
	path   string
	mode   Mode
	opts   options
	logger *slog.Logger

	parent *EventFile
	ev     *event.Event
	drops  []string

	reader *table.Reader
	writer *table.Writer
	runs   *RunCatalog

	// entry is the index of the current entry, entries the number of
	// entries read or written.
	entry   int64
	entries int64
	current bool
	bound   bool
	closed  bool
}

func newFile(path string, mode Mode, opts []Option) *EventFile {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &EventFile{
		path:   path,
		mode:   mode,
		opts:   o,
		logger: o.logger.With(slog.String("file", path), slog.String("mode", mode.String())),
		entry:  -1,
	}
}

// Open opens an existing store for reading.
func Open(ctx context.Context, path string, opts ...Option) (*EventFile, error) {
	f := newFile(path, ModeRead, opts)

	r, err := table.Open(path, EventsTable)
	if err != nil {
		return nil, err
	}
	runs, err := loadRunCatalog(ctx, path)
	if err != nil {
		r.Close()
		return nil, err
	}

	f.reader = r
	f.runs = runs
	f.entries = r.NumRows()
	f.logger.Debug("opened event file", slog.Int64("entries", f.entries), slog.Int("runs", runs.Len()))
	return f, nil
}

// Create creates a new store to be filled without an input file.
func Create(path string, opts ...Option) (*EventFile, error) {
	f := newFile(path, ModeWrite, opts)

	w, err := table.Create(path, EventsTable, f.opts.writer)
	if err != nil {
		return nil, err
	}
	f.writer = w
	f.runs = newRunCatalog()
	f.logger.Debug("created event file")
	return f, nil
}

// Clone creates a new store whose entries follow parent. The branches of the
// parent that survive the drop rules are copied into every written entry.
func Clone(path string, parent *EventFile, opts ...Option) (*EventFile, error) {
	if parent == nil || parent.mode != ModeRead {
		return nil, errors.FileError(path, nil, "a cloned file needs a parent opened for reading")
	}
	f := newFile(path, ModeClone, opts)

	w, err := table.Create(path, EventsTable, f.opts.writer)
	if err != nil {
		return nil, err
	}
	f.writer = w
	f.parent = parent
	f.runs = newRunCatalog()
	f.runs.importFrom(parent.runs)
	f.logger.Debug("cloning event file", slog.String("parent", parent.path))
	return f, nil
}

// Path returns the store directory.
func (f *EventFile) Path() string { return f.path }

// Mode returns how the file was opened.
func (f *EventFile) Mode() Mode { return f.mode }

// Entry returns the index of the current entry, -1 before the first.
func (f *EventFile) Entry() int64 { return f.entry }

// Entries returns the number of entries in the store, or written so far.
func (f *EventFile) Entries() int64 { return f.entries }

// RunCatalog returns the runs known to the file.
func (f *EventFile) RunCatalog() *RunCatalog { return f.runs }

func (f *EventFile) writable() bool {
	return f.writer != nil && !f.closed
}

// SetupEvent binds the event that the file fills or feeds.
func (f *EventFile) SetupEvent(ev *event.Event) error {
	f.ev = ev
	if f.mode == ModeClone {
		// Each derived file selects branches with its own rules.
		ev.ResetDrops()
	}
	for _, rule := range f.drops {
		if err := ev.AddDrop(rule); err != nil {
			return err
		}
	}
	f.drops = nil

	switch f.mode {
	case ModeRead:
		ev.AttachInput(f.reader)
	case ModeWrite:
		if err := ev.AttachOutput(f.writer); err != nil {
			return err
		}
		// Without input the first entry exists as soon as the event does.
		f.entry = 0
		f.current = true
	}
	return nil
}

// AddDrop adds a keep/drop rule. Rules must be added before the first entry
// of a cloned file.
func (f *EventFile) AddDrop(rule string) error {
	if f.ev == nil {
		f.drops = append(f.drops, rule)
		return nil
	}
	return f.ev.AddDrop(rule)
}

// NextEvent finishes the current entry, writing it when store is set, and
// moves to the next one. It returns false when there are no more entries.
func (f *EventFile) NextEvent(ctx context.Context, store bool) (bool, error) {
	if f.closed {
		return false, errors.FileError(f.path, nil, "event file is closed")
	}

	if f.mode == ModeClone && !f.bound {
		if err := f.bind(); err != nil {
			return false, err
		}
	}

	if err := f.finish(ctx, store); err != nil {
		return false, err
	}

	switch {
	case f.parent != nil:
		ok, err := f.parent.NextEvent(ctx, false)
		if err != nil || !ok {
			return false, err
		}
		f.entry = f.parent.entry
	case f.mode == ModeWrite:
		f.entry++
	default:
		if f.entry+1 >= f.entries {
			return false, nil
		}
		f.entry++
	}
	f.current = true

	if f.ev != nil {
		if err := f.ev.SetEntry(ctx, f.entry); err != nil {
			return false, err
		}
	}
	return true, nil
}

// Finish ends the current entry without moving to the next one, writing it
// when store is set. It is used when the event loop stops early.
func (f *EventFile) Finish(ctx context.Context, store bool) error {
	if f.closed {
		return nil
	}
	return f.finish(ctx, store)
}

func (f *EventFile) finish(ctx context.Context, store bool) error {
	if !f.current {
		return nil
	}
	if store && f.writable() && f.ev != nil {
		if err := f.fill(ctx); err != nil {
			return err
		}
	}
	if f.ev != nil {
		f.ev.Clear()
		f.ev.OnEndOfEvent()
	}
	f.current = false
	return nil
}

// bind selects the parent's branches and creates the output schema.
func (f *EventFile) bind() error {
	if f.ev == nil {
		return errors.FileError(f.path, nil, "no event set up for cloned file")
	}
	drops := f.ev.Drops()
	drops.Freeze()

	if err := f.selectBranches(f.parent.reader); err != nil {
		return err
	}

	f.ev.OnEndOfFile()
	f.ev.AttachInput(f.parent.reader)
	if err := f.ev.AttachOutput(f.writer); err != nil {
		return err
	}
	f.bound = true
	return nil
}

// selectBranches applies the drop rules to a parent reader: branches not to
// be read are disabled there and the copied ones join the output schema.
func (f *EventFile) selectBranches(r *table.Reader) error {
	cols := r.Columns()
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	sel := f.ev.Drops().Apply(names)
	sel.Copy[model.EventHeaderKey] = true
	sel.Read[model.EventHeaderKey] = true

	var copied, dropped int
	for _, c := range cols {
		r.SetEnabled(c.Name, sel.Read[c.Name])
		if !sel.Copy[c.Name] {
			dropped++
			continue
		}
		copied++
		if err := f.writer.AddColumn(c); err != nil {
			return err
		}
	}
	f.logger.Debug("selected branches", slog.Int("copied", copied), slog.Int("dropped", dropped))
	return nil
}

// UpdateParent switches a cloned file to a new parent so several inputs can
// be written into one output.
func (f *EventFile) UpdateParent(parent *EventFile) error {
	if f.mode != ModeClone {
		return errors.FileError(f.path, nil, "only cloned files have a parent")
	}
	if parent == nil || parent.mode != ModeRead {
		return errors.FileError(f.path, nil, "a cloned file needs a parent opened for reading")
	}
	f.parent = parent
	f.runs.importFrom(parent.runs)
	f.entry = -1
	f.current = false

	if !f.bound {
		return nil
	}
	if err := f.selectBranches(parent.reader); err != nil {
		return err
	}
	f.ev.OnEndOfFile()
	f.ev.AttachInput(parent.reader)
	return f.ev.AttachOutput(f.writer)
}

// fill writes the current entry.
func (f *EventFile) fill(ctx context.Context) error {
	row, err := f.ev.FillRow(ctx)
	if err != nil {
		return err
	}
	if err := f.writer.Append(row); err != nil {
		return err
	}
	f.runs.index.Add(f.ev.Header().Run, uint32(f.entries))
	f.entries++
	return nil
}

// WriteRunHeader records a run header. It is stored when the file closes,
// so later changes to h are kept.
func (f *EventFile) WriteRunHeader(h *model.RunHeader) error {
	if !f.writable() {
		return errors.FileError(f.path, nil, "cannot write run header to a file not open for writing")
	}
	return f.runs.put(h)
}

// SetMetadata stores a key/value pair in the footer of the events table.
// Only output files accept metadata.
func (f *EventFile) SetMetadata(key, value string) error {
	if !f.writable() {
		return errors.FileError(f.path, nil, "cannot set metadata on a file not open for writing")
	}
	return f.writer.SetMetadata(key, value)
}

// Metadata returns a footer value of a file opened for reading.
func (f *EventFile) Metadata(key string) (string, bool) {
	if f.reader == nil {
		return "", false
	}
	return f.reader.Metadata(key)
}

// Branches returns the stored columns: those of the store for a file opened
// for reading, the output schema so far otherwise.
func (f *EventFile) Branches() []table.Column {
	if f.reader != nil {
		return f.reader.Columns()
	}
	if f.writer != nil {
		return f.writer.Columns()
	}
	return nil
}

// Parent returns the file a cloned file follows, nil otherwise.
func (f *EventFile) Parent() *EventFile { return f.parent }

// GetRunHeader returns the header of a run known to the file.
func (f *EventFile) GetRunHeader(run int) (*model.RunHeader, error) {
	h, ok := f.runs.Get(run)
	if !ok {
		return nil, errors.Newf(errors.CodeDataError, "no run header exists for %d in the run map", run).
			WithContext("run", run).
			WithContext("path", f.path)
	}
	return h, nil
}

// Close flushes written entries, stores the run table and releases the
// store. The current entry is not written; NextEvent writes entries.
func (f *EventFile) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true

	var errs errors.MultiError
	if f.writer != nil {
		if err := f.writer.Close(); err != nil {
			errs.Add(err)
		} else if err := f.runs.write(f.path, f.opts.writer); err != nil {
			errs.Add(err)
		}
		f.logger.Info("closed event file",
			slog.Int64("entries", f.entries),
			slog.Int("runs", f.runs.Len()))
	}
	if f.reader != nil {
		errs.Add(f.reader.Close())
	}
	return errs.Combined()
}
