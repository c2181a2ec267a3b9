package eventfile

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"

	"github.com/RoaringBitmap/roaring"

	"github.com/eventflow/eventflow/internal/model"
	"github.com/eventflow/eventflow/pkg/errors"
	"github.com/eventflow/eventflow/pkg/index"
	"github.com/eventflow/eventflow/pkg/storage/table"
)

const (
	// EventsTable holds one row per event.
	EventsTable = "events"
	// RunsTable holds one row per run.
	RunsTable = "runs"

	runNumberColumn = "run"
	runHeaderColumn = "RunHeader"
	runEntryColumn  = "entries"
)

// RunCatalog holds the run headers of a file and the entries of each run.
type RunCatalog struct {
	headers map[int]*model.RunHeader
	index   *index.RunIndex
}

func newRunCatalog() *RunCatalog {
	return &RunCatalog{
		headers: make(map[int]*model.RunHeader),
		index:   index.NewRunIndex(),
	}
}

// loadRunCatalog reads the run table of a store. A store without one has
// no runs.
func loadRunCatalog(ctx context.Context, dir string) (*RunCatalog, error) {
	c := newRunCatalog()
	if !table.Exists(dir, RunsTable) {
		return c, nil
	}

	r, err := table.Open(dir, RunsTable)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	for row := int64(0); row < r.NumRows(); row++ {
		raw, ok, err := r.Value(ctx, runHeaderColumn, row)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		var h model.RunHeader
		if err := json.Unmarshal(raw, &h); err != nil {
			return nil, errors.Wrap(err, errors.CodeDataError, "corrupt run header").
				WithContext("path", dir).
				WithContext("row", row)
		}
		c.headers[h.RunNumber] = &h

		if _, has := r.Column(runEntryColumn); !has {
			continue
		}
		bits, ok, err := r.Value(ctx, runEntryColumn, row)
		if err != nil {
			return nil, err
		}
		if ok {
			if err := c.index.Unmarshal(h.RunNumber, bits); err != nil {
				return nil, errors.Wrap(err, errors.CodeDataError, "corrupt run entries").
					WithContext("run", h.RunNumber)
			}
		}
	}
	return c, nil
}

// Get returns the header of a run.
func (c *RunCatalog) Get(run int) (*model.RunHeader, bool) {
	h, ok := c.headers[run]
	return h, ok
}

// Runs returns the run numbers in ascending order.
func (c *RunCatalog) Runs() []int {
	runs := make([]int, 0, len(c.headers))
	for run := range c.headers {
		runs = append(runs, run)
	}
	sort.Ints(runs)
	return runs
}

// Len returns the number of runs.
func (c *RunCatalog) Len() int { return len(c.headers) }

// Entries returns the event entries recorded for a run.
func (c *RunCatalog) Entries(run int) *roaring.Bitmap {
	return c.index.Entries(run)
}

func (c *RunCatalog) put(h *model.RunHeader) error {
	if _, ok := c.headers[h.RunNumber]; ok {
		return errors.Newf(errors.CodeDataError, "run map already contains a run with number '%d'", h.RunNumber).
			WithContext("run", h.RunNumber)
	}
	c.headers[h.RunNumber] = h
	return nil
}

// importFrom copies the headers of another catalog, replacing known runs.
func (c *RunCatalog) importFrom(other *RunCatalog) {
	for run, h := range other.headers {
		cp := *h
		c.headers[run] = &cp
	}
}

// write stores the catalog as the run table of dir.
func (c *RunCatalog) write(dir string, cfg table.WriterConfig) error {
	w, err := table.Create(dir, RunsTable, cfg)
	if err != nil {
		return err
	}
	for _, col := range []table.Column{
		{Name: runNumberColumn, Type: "int"},
		{Name: runHeaderColumn, Type: "RunHeader"},
		{Name: runEntryColumn, Type: "roaring.Bitmap"},
	} {
		if err := w.AddColumn(col); err != nil {
			w.Abort()
			return err
		}
	}

	for _, run := range c.Runs() {
		raw, err := json.Marshal(c.headers[run])
		if err != nil {
			w.Abort()
			return errors.Wrap(err, errors.CodeDataError, "failed to encode run header").WithContext("run", run)
		}
		bits, err := c.index.Marshal(run)
		if err != nil {
			w.Abort()
			return errors.Wrap(err, errors.CodeDataError, "failed to encode run entries").WithContext("run", run)
		}
		if err := w.Append(map[string][]byte{
			runNumberColumn: []byte(strconv.Itoa(run)),
			runHeaderColumn: raw,
			runEntryColumn:  bits,
		}); err != nil {
			w.Abort()
			return err
		}
	}
	return w.Close()
}
