// Package index provides bitmap indexes over the entries of an event file.
package index

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring"
)

// RunIndex maps run numbers to roaring bitmaps of the entries that belong
// to them. Entries are the row positions in the event table.
type RunIndex struct {
	mu sync.RWMutex

	runs map[int]*roaring.Bitmap

	// entries tracks total entries indexed
	entries uint32
}

// NewRunIndex creates an empty run index.
func NewRunIndex() *RunIndex {
	return &RunIndex{
		runs: make(map[int]*roaring.Bitmap),
	}
}

// Add records that an entry belongs to a run.
func (idx *RunIndex) Add(run int, entry uint32) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	bm, ok := idx.runs[run]
	if !ok {
		bm = roaring.New()
		idx.runs[run] = bm
	}
	bm.Add(entry)
	if entry+1 > idx.entries {
		idx.entries = entry + 1
	}
}

// Entries returns the bitmap of entries of a run. The result may be modified.
func (idx *RunIndex) Entries(run int) *roaring.Bitmap {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if bm, ok := idx.runs[run]; ok {
		return bm.Clone()
	}
	return roaring.New()
}

// Count returns the number of entries in a run.
func (idx *RunIndex) Count(run int) uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if bm, ok := idx.runs[run]; ok {
		return bm.GetCardinality()
	}
	return 0
}

// Union returns the entries belonging to ANY of the runs.
func (idx *RunIndex) Union(runs ...int) *roaring.Bitmap {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	result := roaring.New()
	for _, run := range runs {
		if bm, ok := idx.runs[run]; ok {
			result.Or(bm)
		}
	}
	return result
}

// RunOf returns the run an entry belongs to.
func (idx *RunIndex) RunOf(entry uint32) (int, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	for run, bm := range idx.runs {
		if bm.Contains(entry) {
			return run, true
		}
	}
	return 0, false
}

// Runs returns the indexed run numbers in ascending order.
func (idx *RunIndex) Runs() []int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	runs := make([]int, 0, len(idx.runs))
	for run := range idx.runs {
		runs = append(runs, run)
	}
	sort.Ints(runs)
	return runs
}

// EntryCount returns one past the highest indexed entry.
func (idx *RunIndex) EntryCount() uint32 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.entries
}

// Marshal serializes the bitmap of one run in the portable roaring format.
func (idx *RunIndex) Marshal(run int) ([]byte, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	bm, ok := idx.runs[run]
	if !ok {
		bm = roaring.New()
	}
	var buf bytes.Buffer
	if _, err := bm.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("serialize bitmap for run %d: %w", run, err)
	}
	return buf.Bytes(), nil
}

// Unmarshal loads the bitmap of one run, merging it with any entries
// already indexed for that run.
func (idx *RunIndex) Unmarshal(run int, data []byte) error {
	bm := roaring.New()
	if _, err := bm.ReadFrom(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("deserialize bitmap for run %d: %w", run, err)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if existing, ok := idx.runs[run]; ok {
		existing.Or(bm)
	} else {
		idx.runs[run] = bm
	}
	if !bm.IsEmpty() && bm.Maximum()+1 > idx.entries {
		idx.entries = bm.Maximum() + 1
	}
	return nil
}
