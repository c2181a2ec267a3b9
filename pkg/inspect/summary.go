// Package inspect summarizes event stores: their branches, runs and sizes.
// Column statistics are computed with DuckDB over the Parquet tables.
package inspect

import (
	"context"
	"os"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/eventflow/eventflow/internal/model"
	"github.com/eventflow/eventflow/pkg/errors"
	"github.com/eventflow/eventflow/pkg/eventfile"
	"github.com/eventflow/eventflow/pkg/storage/table"
)

// Branch is one stored product column.
type Branch struct {
	Key  string `json:"key"`
	Name string `json:"name"`
	Pass string `json:"pass"`
	Type string `json:"type"`

	// Filled by Stats.
	NonNull  int64   `json:"non_null"`
	AvgBytes float64 `json:"avg_bytes"`
}

// Run summarizes one run header of a store.
type Run struct {
	Number     int    `json:"number"`
	Detector   string `json:"detector,omitempty"`
	Software   string `json:"software,omitempty"`
	Start      int64  `json:"start"`
	End        int64  `json:"end"`
	Tried      int    `json:"tried"`
	Events     int    `json:"events"`
	Entries    uint64 `json:"entries"`
	FirstEntry int64  `json:"first_entry"`
}

// Summary describes one store.
type Summary struct {
	Path     string   `json:"path"`
	FileID   string   `json:"file_id"`
	Created  string   `json:"created,omitempty"`
	Entries  int64    `json:"entries"`
	Bytes    int64    `json:"bytes"`
	Branches []Branch `json:"branches"`
	Runs     []Run    `json:"runs"`
}

// Summarize reads the catalog and run table of a store.
func Summarize(ctx context.Context, path string) (*Summary, error) {
	f, err := eventfile.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	s := &Summary{Path: path, Entries: f.Entries()}
	s.FileID, _ = f.Metadata(table.MetaFileID)
	s.Created, _ = f.Metadata(table.MetaCreated)

	for _, c := range f.Branches() {
		b := Branch{Key: c.Name, Type: c.Type}
		if c.Name == model.EventHeaderKey {
			b.Name = c.Name
		} else {
			b.Name, b.Pass = model.SplitBranchKey(c.Name)
		}
		s.Branches = append(s.Branches, b)
	}
	sort.Slice(s.Branches, func(i, j int) bool { return s.Branches[i].Key < s.Branches[j].Key })

	runs := f.RunCatalog()
	for _, n := range runs.Runs() {
		h, _ := runs.Get(n)
		entries := runs.Entries(n)
		r := Run{
			Number:     n,
			Detector:   h.DetectorName,
			Software:   h.SoftwareTag,
			Start:      h.RunStart,
			End:        h.RunEnd,
			Tried:      h.NumTried,
			Events:     h.NumEvents,
			Entries:    entries.GetCardinality(),
			FirstEntry: -1,
		}
		if !entries.IsEmpty() {
			r.FirstEntry = int64(entries.Minimum())
		}
		s.Runs = append(s.Runs, r)
	}

	if s.Bytes, err = storeSize(path); err != nil {
		return nil, err
	}
	return s, nil
}

func storeSize(path string) (int64, error) {
	tables, err := table.Tables(path)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, t := range tables {
		st, err := os.Stat(table.Path(path, t))
		if err != nil {
			return 0, errors.FileError(path, err, "failed to stat table")
		}
		total += st.Size()
	}
	return total, nil
}

// Options control SummarizeAll.
type Options struct {
	// Stats adds per-branch fill statistics computed by DuckDB.
	Stats bool
	// Concurrency bounds how many stores are read at once.
	Concurrency int
}

// SummarizeAll summarizes several stores concurrently. Results keep the
// order of paths.
func SummarizeAll(ctx context.Context, paths []string, opts Options) ([]*Summary, error) {
	var eng *Engine
	if opts.Stats {
		var err error
		if eng, err = NewEngine(); err != nil {
			return nil, err
		}
		defer eng.Close()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}

	out := make([]*Summary, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for i, path := range paths {
		g.Go(func() error {
			s, err := Summarize(ctx, path)
			if err != nil {
				return err
			}
			if eng != nil {
				if err := eng.Stats(ctx, s); err != nil {
					return err
				}
			}
			out[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
