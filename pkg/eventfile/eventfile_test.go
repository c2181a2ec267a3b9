package eventfile

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventflow/eventflow/internal/model"
	"github.com/eventflow/eventflow/pkg/errors"
	"github.com/eventflow/eventflow/pkg/event"
	"github.com/eventflow/eventflow/pkg/storage/table"
)

type hit struct {
	ID     int     `json:"id"`
	Energy float64 `json:"energy"`
}

func newEvent(t *testing.T, pass string) *event.Event {
	t.Helper()
	ev, err := event.New(pass)
	require.NoError(t, err)
	return ev
}

// writeHits produces a store with one "Hits" collection per event, holding
// sizes[i] elements in event i.
func writeHits(t *testing.T, dir string, run int, sizes []int, opts ...Option) {
	t.Helper()
	ctx := context.Background()

	f, err := Create(dir, opts...)
	require.NoError(t, err)
	ev := newEvent(t, "reco")
	require.NoError(t, f.SetupEvent(ev))
	require.NoError(t, f.WriteRunHeader(model.NewRunHeader(run)))

	for i, n := range sizes {
		ev.Header().Run = run
		ev.Header().EventNumber = i + 1
		if n == 0 {
			require.NoError(t, event.Add(ev, "Hits", []hit{}))
		}
		for j := 0; j < n; j++ {
			require.NoError(t, event.AddToCollection(ev, "Hits", hit{ID: j, Energy: float64(j) / 2}))
		}
		ok, err := f.NextEvent(ctx, true)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, f.Close())
}

func TestWriteThenRead_Collections(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	ctx := context.Background()
	writeHits(t, dir, 1, []int{0, 1, 5})

	f, err := Open(ctx, dir)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, int64(3), f.Entries())

	ev := newEvent(t, "ana")
	require.NoError(t, f.SetupEvent(ev))

	var sizes []int
	var numbers []int
	for {
		ok, err := f.NextEvent(ctx, false)
		require.NoError(t, err)
		if !ok {
			break
		}
		hits, err := event.Get[[]hit](ctx, ev, "Hits", "reco")
		require.NoError(t, err)
		sizes = append(sizes, len(hits))
		numbers = append(numbers, ev.GetEventHeader().EventNumber)
	}
	assert.Equal(t, []int{0, 1, 5}, sizes)
	assert.Equal(t, []int{1, 2, 3}, numbers)
}

func TestProductFirstAddedAfterRowGroups(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	ctx := context.Background()

	f, err := Create(dir, WithBatchSize(4))
	require.NoError(t, err)
	ev := newEvent(t, "reco")
	require.NoError(t, f.SetupEvent(ev))
	require.NoError(t, f.WriteRunHeader(model.NewRunHeader(1)))

	const rareAt = 10
	for i := 0; i < 13; i++ {
		ev.Header().Run = 1
		require.NoError(t, event.Add(ev, "Count", i))
		if i == rareAt {
			require.NoError(t, event.Add(ev, "RareTrigger", true))
		}
		ok, err := f.NextEvent(ctx, true)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, f.Close())

	r, err := Open(ctx, dir)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, int64(13), r.Entries())

	rev := newEvent(t, "ana")
	require.NoError(t, r.SetupEvent(rev))
	for i := 0; ; i++ {
		ok, err := r.NextEvent(ctx, false)
		require.NoError(t, err)
		if !ok {
			break
		}
		n, err := event.Get[int](ctx, rev, "Count")
		require.NoError(t, err)
		assert.Equal(t, i, n)

		rare, err := event.Get[bool](ctx, rev, "RareTrigger", "reco")
		require.NoError(t, err)
		assert.Equal(t, i == rareAt, rare, "entry %d", i)
	}
}

func TestRunHeaders(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	ctx := context.Background()

	f, err := Create(dir)
	require.NoError(t, err)
	require.NoError(t, f.SetupEvent(newEvent(t, "sim")))

	h := model.NewRunHeader(7)
	h.DetectorName = "ecal"
	require.NoError(t, f.WriteRunHeader(h))

	err = f.WriteRunHeader(model.NewRunHeader(7))
	assert.True(t, errors.IsCode(err, errors.CodeDataError))

	// Changes after the write are kept.
	h.NumEvents = 12
	require.NoError(t, f.Close())

	assert.True(t, errors.IsCode(f.WriteRunHeader(model.NewRunHeader(8)), errors.CodeFileError))

	r, err := Open(ctx, dir)
	require.NoError(t, err)
	defer r.Close()

	got, err := r.GetRunHeader(7)
	require.NoError(t, err)
	assert.Equal(t, "ecal", got.DetectorName)
	assert.Equal(t, 12, got.NumEvents)

	_, err = r.GetRunHeader(8)
	assert.True(t, errors.IsCode(err, errors.CodeDataError))
	assert.True(t, errors.IsCode(r.WriteRunHeader(model.NewRunHeader(9)), errors.CodeFileError))
}

func TestRunCatalog_Entries(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	ctx := context.Background()

	f, err := Create(dir)
	require.NoError(t, err)
	ev := newEvent(t, "sim")
	require.NoError(t, f.SetupEvent(ev))
	require.NoError(t, f.WriteRunHeader(model.NewRunHeader(1)))
	require.NoError(t, f.WriteRunHeader(model.NewRunHeader(2)))

	for i, run := range []int{1, 1, 2, 1} {
		ev.Header().Run = run
		require.NoError(t, event.Add(ev, "Count", i))
		_, err := f.NextEvent(ctx, true)
		require.NoError(t, err)
	}
	require.NoError(t, f.Close())

	r, err := Open(ctx, dir)
	require.NoError(t, err)
	defer r.Close()

	runs := r.RunCatalog()
	assert.Equal(t, []int{1, 2}, runs.Runs())
	assert.Equal(t, []uint32{0, 1, 3}, runs.Entries(1).ToArray())
	assert.Equal(t, []uint32{2}, runs.Entries(2).ToArray())
	assert.True(t, runs.Entries(3).IsEmpty())
}

func TestNextEvent_NotStored(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	ctx := context.Background()

	f, err := Create(dir)
	require.NoError(t, err)
	ev := newEvent(t, "sim")
	require.NoError(t, f.SetupEvent(ev))

	for i := 0; i < 4; i++ {
		require.NoError(t, event.Add(ev, "Count", i))
		_, err := f.NextEvent(ctx, i%2 == 0)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(4), f.Entry())
	assert.Equal(t, int64(2), f.Entries())
	require.NoError(t, f.Close())

	r, err := Open(ctx, dir)
	require.NoError(t, err)
	defer r.Close()
	rev := newEvent(t, "ana")
	require.NoError(t, r.SetupEvent(rev))

	var counts []int
	for {
		ok, err := r.NextEvent(ctx, false)
		require.NoError(t, err)
		if !ok {
			break
		}
		n, err := event.Get[int](ctx, rev, "Count")
		require.NoError(t, err)
		counts = append(counts, n)
	}
	assert.Equal(t, []int{0, 2}, counts)
}

// writeParent writes a store whose branch names are not reachable through
// the event API, the way a foreign producer could lay them out.
func writeParent(t *testing.T, dir string, events int) {
	t.Helper()
	w, err := table.Create(dir, EventsTable, table.DefaultWriterConfig())
	require.NoError(t, err)
	for _, c := range []table.Column{
		{Name: model.EventHeaderKey, Type: model.EventHeaderType},
		{Name: "Keep_A_sim", Type: "[]int"},
		{Name: "Other_B_sim", Type: "[]int"},
	} {
		require.NoError(t, w.AddColumn(c))
	}
	for i := 0; i < events; i++ {
		require.NoError(t, w.Append(map[string][]byte{
			model.EventHeaderKey: []byte(fmt.Sprintf(`{"run":3,"event_number":%d,"weight":1}`, i+1)),
			"Keep_A_sim":         []byte(`[1,2]`),
			"Other_B_sim":        []byte(`[3]`),
		}))
	}
	require.NoError(t, w.Close())
}

func TestClone_DropRules(t *testing.T) {
	root := t.TempDir()
	in := filepath.Join(root, "in")
	out := filepath.Join(root, "out")
	ctx := context.Background()
	writeParent(t, in, 2)

	parent, err := Open(ctx, in)
	require.NoError(t, err)
	defer parent.Close()

	f, err := Clone(out, parent)
	require.NoError(t, err)
	require.NoError(t, f.AddDrop("drop *"))
	require.NoError(t, f.AddDrop(`keep Keep_*`))

	ev := newEvent(t, "reco")
	require.NoError(t, f.SetupEvent(ev))

	var n int
	for {
		ok, err := f.NextEvent(ctx, true)
		require.NoError(t, err)
		if !ok {
			break
		}
		n++
		// Dropped branches stay readable in the clone's event.
		other, err := event.Get[[]int](ctx, ev, "Other_B", "sim")
		require.NoError(t, err)
		assert.Equal(t, []int{3}, other)
	}
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(2), f.Entries())

	// Rules are fixed once the schema is bound.
	assert.True(t, errors.IsCode(f.AddDrop("keep *"), errors.CodeFileError))
	require.NoError(t, f.Close())

	r, err := Open(ctx, out)
	require.NoError(t, err)
	defer r.Close()
	rev := newEvent(t, "ana")
	require.NoError(t, r.SetupEvent(rev))

	ok, err := r.NextEvent(ctx, false)
	require.NoError(t, err)
	require.True(t, ok)

	assert.True(t, rev.Exists("Keep_A", "sim"))
	assert.False(t, rev.Exists("Other_B", "sim"))
	keep, err := event.Get[[]int](ctx, rev, "Keep_A", "sim")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, keep)
	assert.Equal(t, 3, rev.GetEventHeader().Run)
}

func TestClone_OrderMatters(t *testing.T) {
	root := t.TempDir()
	in := filepath.Join(root, "in")
	out := filepath.Join(root, "out")
	ctx := context.Background()
	writeParent(t, in, 1)

	parent, err := Open(ctx, in)
	require.NoError(t, err)
	defer parent.Close()

	f, err := Clone(out, parent)
	require.NoError(t, err)
	ev := newEvent(t, "reco")
	require.NoError(t, f.SetupEvent(ev))
	require.NoError(t, f.AddDrop(`keep Keep_*`))
	require.NoError(t, f.AddDrop("drop *"))

	for {
		ok, err := f.NextEvent(ctx, true)
		require.NoError(t, err)
		if !ok {
			break
		}
	}
	require.NoError(t, f.Close())

	r, err := Open(ctx, out)
	require.NoError(t, err)
	defer r.Close()
	rev := newEvent(t, "ana")
	require.NoError(t, r.SetupEvent(rev))

	tags := rev.Products()
	require.Len(t, tags, 1)
	assert.Equal(t, model.EventHeaderKey, tags[0].Name)
}

func TestClone_AddsProducts(t *testing.T) {
	root := t.TempDir()
	in := filepath.Join(root, "in")
	out := filepath.Join(root, "out")
	ctx := context.Background()
	writeHits(t, in, 5, []int{2, 3})

	parent, err := Open(ctx, in)
	require.NoError(t, err)
	defer parent.Close()

	f, err := Clone(out, parent)
	require.NoError(t, err)
	ev := newEvent(t, "ana")
	require.NoError(t, f.SetupEvent(ev))
	require.NoError(t, f.AddDrop("drop Tmp"))

	for {
		ok, err := f.NextEvent(ctx, true)
		require.NoError(t, err)
		if !ok {
			break
		}
		hits, err := event.Get[[]hit](ctx, ev, "Hits")
		require.NoError(t, err)
		require.NoError(t, event.Add(ev, "NHits", len(hits)))
		require.NoError(t, event.Add(ev, "Tmp", 1))
	}
	require.NoError(t, f.Close())

	// Run headers follow the parent into the clone.
	r, err := Open(ctx, out)
	require.NoError(t, err)
	defer r.Close()
	_, err = r.GetRunHeader(5)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 1}, r.RunCatalog().Entries(5).ToArray())

	rev := newEvent(t, "more")
	require.NoError(t, r.SetupEvent(rev))
	var counts []int
	for {
		ok, err := r.NextEvent(ctx, false)
		require.NoError(t, err)
		if !ok {
			break
		}
		n, err := event.Get[int](ctx, rev, "NHits", "ana")
		require.NoError(t, err)
		counts = append(counts, n)
		assert.True(t, rev.Exists("Hits", "reco"))
		assert.False(t, rev.Exists("Tmp"))
	}
	assert.Equal(t, []int{2, 3}, counts)
}

func TestUpdateParent_SingleOutput(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	first := filepath.Join(root, "a")
	second := filepath.Join(root, "b")
	out := filepath.Join(root, "out")
	writeHits(t, first, 1, []int{1, 2})
	writeHits(t, second, 2, []int{3})

	p1, err := Open(ctx, first)
	require.NoError(t, err)
	defer p1.Close()
	p2, err := Open(ctx, second)
	require.NoError(t, err)
	defer p2.Close()

	f, err := Clone(out, p1)
	require.NoError(t, err)
	ev := newEvent(t, "ana")
	require.NoError(t, f.SetupEvent(ev))

	drain := func() {
		for {
			ok, err := f.NextEvent(ctx, true)
			require.NoError(t, err)
			if !ok {
				return
			}
		}
	}
	drain()
	require.NoError(t, f.UpdateParent(p2))
	drain()
	require.NoError(t, f.Close())

	r, err := Open(ctx, out)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, int64(3), r.Entries())
	assert.Equal(t, []int{1, 2}, r.RunCatalog().Runs())
	assert.Equal(t, []uint32{2}, r.RunCatalog().Entries(2).ToArray())

	w, err := Create(filepath.Join(root, "plain"))
	require.NoError(t, err)
	defer w.Close()
	assert.True(t, errors.IsCode(w.UpdateParent(p1), errors.CodeFileError))
}

func TestClone_NeedsReadableParent(t *testing.T) {
	root := t.TempDir()
	w, err := Create(filepath.Join(root, "w"))
	require.NoError(t, err)
	defer w.Close()

	_, err = Clone(filepath.Join(root, "out"), w)
	assert.True(t, errors.IsCode(err, errors.CodeFileError))
}

func TestOpen_Missing(t *testing.T) {
	_, err := Open(context.Background(), filepath.Join(t.TempDir(), "nothing"))
	assert.True(t, errors.IsCode(err, errors.CodeFileError))
}

func TestMetadata(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	ctx := context.Background()

	f, err := Create(dir)
	require.NoError(t, err)
	require.NoError(t, f.SetMetadata("campaign", "beam-2026"))
	require.NoError(t, f.SetupEvent(newEvent(t, "sim")))
	_, err = f.NextEvent(ctx, true)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.True(t, errors.IsCode(f.SetMetadata("late", "x"), errors.CodeFileError))

	in, err := Open(ctx, dir)
	require.NoError(t, err)
	defer in.Close()
	v, ok := in.Metadata("campaign")
	assert.True(t, ok)
	assert.Equal(t, "beam-2026", v)
	assert.True(t, errors.IsCode(in.SetMetadata("k", "v"), errors.CodeFileError))
	assert.Nil(t, in.Parent())
}
