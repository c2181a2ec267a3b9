package event

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventflow/eventflow/internal/model"
	"github.com/eventflow/eventflow/pkg/errors"
	"github.com/eventflow/eventflow/pkg/storage/table"
)

type hit struct {
	ID     int     `json:"id"`
	Energy float64 `json:"energy"`
}

type memSource struct {
	cols  []table.Column
	rows  []map[string][]byte
	reads map[string]int
}

func (m *memSource) EnabledColumns() []table.Column { return m.cols }

func (m *memSource) Value(_ context.Context, name string, row int64) ([]byte, bool, error) {
	if m.reads == nil {
		m.reads = make(map[string]int)
	}
	m.reads[name]++
	v, ok := m.rows[row][name]
	return v, ok && v != nil, nil
}

type memSink struct {
	cols []table.Column
}

func (m *memSink) HasColumn(name string) bool {
	for _, c := range m.cols {
		if c.Name == name {
			return true
		}
	}
	return false
}

func (m *memSink) AddColumn(c table.Column) error {
	m.cols = append(m.cols, c)
	return nil
}

func (m *memSink) Columns() []table.Column { return m.cols }

// failSink refuses every new column.
type failSink struct {
	memSink
}

func (f *failSink) AddColumn(c table.Column) error {
	if c.Name == model.EventHeaderKey {
		return f.memSink.AddColumn(c)
	}
	return errors.FileError("out", nil, "cannot add column")
}

func newEvent(t *testing.T, pass string) *Event {
	t.Helper()
	ev, err := New(pass)
	require.NoError(t, err)
	return ev
}

func TestNew_IllegalPass(t *testing.T) {
	_, err := New("re_co")
	assert.True(t, errors.IsCode(err, errors.CodeIllegalName))
}

func TestAddGet_RoundTrip(t *testing.T) {
	ctx := context.Background()
	ev := newEvent(t, "reco")

	hits := []hit{{1, 0.5}, {2, 1.25}}
	require.NoError(t, Add(ev, "Hits", hits))
	require.NoError(t, Add(ev, "Count", 2))
	require.NoError(t, Add(ev, "Best", hit{7, 3.5}))

	// The stored value is a copy.
	hits[0].Energy = 99

	got, err := Get[[]hit](ctx, ev, "Hits", "reco")
	require.NoError(t, err)
	assert.Equal(t, []hit{{1, 0.5}, {2, 1.25}}, got)

	n, err := Get[int](ctx, ev, "Count")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	best, err := Get[hit](ctx, ev, "Best", "reco")
	require.NoError(t, err)
	assert.Equal(t, hit{7, 3.5}, best)
}

func TestAdd_ProductExists(t *testing.T) {
	ctx := context.Background()
	ev := newEvent(t, "reco")
	sink := &memSink{}
	require.NoError(t, ev.AttachOutput(sink))

	require.NoError(t, Add(ev, "Hits", []hit{{1, 1}}))
	cols := len(sink.cols)

	err := Add(ev, "Hits", []hit{{2, 2}})
	assert.True(t, errors.IsCode(err, errors.CodeProductExists))
	assert.Contains(t, err.Error(), "'Hits'")
	assert.Contains(t, err.Error(), "'reco'")
	assert.Len(t, sink.cols, cols)

	// The first value is untouched.
	got, err := Get[[]hit](ctx, ev, "Hits")
	require.NoError(t, err)
	assert.Equal(t, []hit{{1, 1}}, got)

	// A new event may add it again.
	ev.Clear()
	require.NoError(t, Add(ev, "Hits", []hit{{3, 3}}))
}

func TestAdd_IllegalName(t *testing.T) {
	ev := newEvent(t, "reco")
	err := Add(ev, "My_Hits", 1)
	assert.True(t, errors.IsCode(err, errors.CodeIllegalName))

	err = Add(ev, model.EventHeaderKey, 1)
	assert.True(t, errors.IsCode(err, errors.CodeIllegalName))

	err = AddToCollection(ev, model.EventHeaderKey, 1)
	assert.True(t, errors.IsCode(err, errors.CodeIllegalName))
}

func TestAddToCollection(t *testing.T) {
	ctx := context.Background()
	ev := newEvent(t, "reco")

	require.NoError(t, AddToCollection(ev, "Hits", hit{1, 1}))
	require.NoError(t, AddToCollection(ev, "Hits", hit{2, 2}))

	got, err := Get[[]hit](ctx, ev, "Hits")
	require.NoError(t, err)
	assert.Equal(t, []hit{{1, 1}, {2, 2}}, got)

	err = AddToCollection(ev, "Hits", 3)
	assert.True(t, errors.IsCode(err, errors.CodeProductProblem))

	require.NoError(t, Add(ev, "Total", 3))
	err = AddToCollection(ev, "Total", 4)
	assert.True(t, errors.IsCode(err, errors.CodeProductExists))

	// Element type stays fixed across events.
	ev.Clear()
	err = AddToCollection(ev, "Hits", "x")
	assert.True(t, errors.IsCode(err, errors.CodeProductProblem))
}

func TestGet_TypeMismatch(t *testing.T) {
	ctx := context.Background()
	ev := newEvent(t, "reco")
	require.NoError(t, Add(ev, "Count", 3))

	_, err := Get[string](ctx, ev, "Count")
	assert.True(t, errors.IsCode(err, errors.CodeProductProblem))
}

func TestGet_NotFoundAndAmbiguous(t *testing.T) {
	ctx := context.Background()
	ev := newEvent(t, "reco")
	ev.AttachInput(&memSource{
		cols: []table.Column{
			{Name: model.EventHeaderKey, Type: model.EventHeaderType},
			{Name: "Hits_sim", Type: "[]event.hit"},
			{Name: "Hits_reco0", Type: "[]event.hit"},
		},
	})

	_, err := Get[[]hit](ctx, ev, "Hits")
	require.True(t, errors.IsCode(err, errors.CodeProductAmbiguous))
	assert.Contains(t, err.Error(), "Hits_sim, Hits_reco0")
	assert.Empty(t, ev.resolver.known)

	_, err = Get[[]hit](ctx, ev, "Hits", "digi")
	assert.True(t, errors.IsCode(err, errors.CodeProductNotFound))

	_, err = Get[[]hit](ctx, ev, "Clusters")
	assert.True(t, errors.IsCode(err, errors.CodeProductNotFound))
	assert.Contains(t, err.Error(), "'Clusters'")
}

func TestResolver_InvalidatedByNewBranch(t *testing.T) {
	ctx := context.Background()
	ev := newEvent(t, "reco")
	ev.AttachInput(&memSource{
		cols: []table.Column{{Name: "Hits_sim", Type: "[]event.hit"}},
		rows: []map[string][]byte{{"Hits_sim": []byte(`[{"id":1,"energy":2}]`)}},
	})
	require.NoError(t, ev.SetEntry(context.Background(), 0))

	got, err := Get[[]hit](ctx, ev, "Hits")
	require.NoError(t, err)
	assert.Equal(t, []hit{{1, 2}}, got)
	assert.Equal(t, "Hits_sim", ev.resolver.known["Hits"])

	require.NoError(t, Add(ev, "Hits", []hit{}))
	_, err = Get[[]hit](ctx, ev, "Hits")
	assert.True(t, errors.IsCode(err, errors.CodeProductAmbiguous))

	mine, err := Get[[]hit](ctx, ev, "Hits", "reco")
	require.NoError(t, err)
	assert.Empty(t, mine)
}

func TestGet_LazyLoadsOncePerEntry(t *testing.T) {
	src := &memSource{
		cols: []table.Column{
			{Name: model.EventHeaderKey, Type: model.EventHeaderType},
			{Name: "Count_sim", Type: "int"},
			{Name: "Other_sim", Type: "int"},
		},
		rows: []map[string][]byte{
			{model.EventHeaderKey: []byte(`{"run":4,"event_number":1,"weight":1}`), "Count_sim": []byte("10"), "Other_sim": []byte("1")},
			{model.EventHeaderKey: []byte(`{"run":4,"event_number":2,"weight":1}`), "Count_sim": []byte("20")},
		},
	}
	ev := newEvent(t, "reco")
	ev.AttachInput(src)
	ctx := context.Background()

	require.NoError(t, ev.SetEntry(ctx, 0))
	assert.Equal(t, 1, ev.Header().EventNumber)
	for i := 0; i < 3; i++ {
		n, err := Get[int](ctx, ev, "Count", "sim")
		require.NoError(t, err)
		assert.Equal(t, 10, n)
	}
	assert.Equal(t, 1, src.reads["Count_sim"])
	assert.Zero(t, src.reads["Other_sim"])

	ev.OnEndOfEvent()
	ev.Clear()
	require.NoError(t, ev.SetEntry(ctx, 1))
	assert.Equal(t, 4, ev.GetEventHeader().Run)

	n, err := Get[int](ctx, ev, "Count", "sim")
	require.NoError(t, err)
	assert.Equal(t, 20, n)

	// Null in the store reads as the zero value.
	n, err = Get[int](ctx, ev, "Other", "sim")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 2, src.reads["Count_sim"])
}

func TestGet_Header(t *testing.T) {
	ctx := context.Background()
	ev := newEvent(t, "reco")
	ev.Header().Run = 9

	h, err := Get[model.EventHeader](ctx, ev, model.EventHeaderKey)
	require.NoError(t, err)
	assert.Equal(t, 9, h.Run)

	_, err = Get[int](ctx, ev, model.EventHeaderKey)
	assert.True(t, errors.IsCode(err, errors.CodeProductProblem))
	assert.True(t, ev.Exists(model.EventHeaderKey))
}

func TestExistsAndSearch(t *testing.T) {
	ev := newEvent(t, "reco")
	ev.AttachInput(&memSource{cols: []table.Column{{Name: "EcalHits_sim", Type: "[]event.hit"}}})
	require.NoError(t, Add(ev, "Clusters", []int{1}))

	assert.True(t, ev.Exists("EcalHits"))
	assert.True(t, ev.Exists("EcalHits", "sim"))
	assert.False(t, ev.Exists("EcalHits", "reco"))
	assert.False(t, ev.Exists("Ecal"))
	assert.False(t, ev.Exists("[", "sim"))

	tags, err := ev.SearchProducts("", "", "")
	require.NoError(t, err)
	assert.Equal(t, []model.ProductTag{
		{Name: model.EventHeaderKey, Pass: "", Type: model.EventHeaderType},
		{Name: "EcalHits", Pass: "sim", Type: "[]event.hit"},
		{Name: "Clusters", Pass: "reco", Type: "[]int"},
	}, tags)

	tags, err = ev.SearchProducts("ecal", "SIM", "")
	require.NoError(t, err)
	require.Len(t, tags, 1)
	assert.Equal(t, "EcalHits", tags[0].Name)

	_, err = ev.SearchProducts("", "(", "")
	assert.True(t, errors.IsCode(err, errors.CodeInvalidRegex))
}

func TestExists_AgreesWithGet(t *testing.T) {
	ctx := context.Background()
	ev := newEvent(t, "reco")
	require.NoError(t, Add(ev, "Hits", 1))
	require.NoError(t, Add(ev, "a+b", 2))

	for _, tc := range []struct {
		name, pass string
		want       bool
	}{
		{"Hits", "reco", true},
		{"hits", "reco", false},
		{"HITS", "", false},
		{"H.*", "reco", false},
		{"a+b", "reco", true},
		{"a+b", "", true},
		{"Hits", "RECO", false},
	} {
		assert.Equal(t, tc.want, ev.Exists(tc.name, tc.pass), "%s/%s", tc.name, tc.pass)
		_, err := Get[int](ctx, ev, tc.name, tc.pass)
		assert.Equal(t, tc.want, err == nil, "%s/%s: %v", tc.name, tc.pass, err)
	}

	// Several passes without a pass given: Get is ambiguous, so Exists is false.
	ev.AttachInput(&memSource{cols: []table.Column{{Name: "Hits_sim", Type: "int"}}})
	assert.False(t, ev.Exists("Hits"))
	assert.True(t, ev.Exists("Hits", "sim"))
}

func TestAdd_OutputRefusesColumn(t *testing.T) {
	ctx := context.Background()
	ev := newEvent(t, "reco")
	require.NoError(t, ev.AttachOutput(&failSink{}))

	err := Add(ev, "Rare", 1)
	assert.True(t, errors.IsCode(err, errors.CodeFileError))
	assert.False(t, ev.Exists("Rare"))
	assert.Len(t, ev.Products(), 1)
	_, err = Get[int](ctx, ev, "Rare")
	assert.True(t, errors.IsCode(err, errors.CodeProductNotFound))
}

func TestAddDrop_InvalidRegex(t *testing.T) {
	ev := newEvent(t, "reco")
	assert.True(t, errors.IsCode(ev.AddDrop("drop Hits["), errors.CodeInvalidRegex))
	require.NoError(t, ev.AddDrop("drop Hits"))
	assert.Equal(t, 1, ev.Drops().Len())
}

func TestFillRow(t *testing.T) {
	ctx := context.Background()
	src := &memSource{
		cols: []table.Column{
			{Name: model.EventHeaderKey, Type: model.EventHeaderType},
			{Name: "Keep_sim", Type: "int"},
		},
		rows: []map[string][]byte{{model.EventHeaderKey: []byte(`{"run":1,"event_number":5,"weight":1}`), "Keep_sim": []byte("3")}},
	}
	sink := &memSink{cols: []table.Column{{Name: model.EventHeaderKey, Type: model.EventHeaderType}, {Name: "Keep_sim", Type: "int"}}}

	ev := newEvent(t, "reco")
	require.NoError(t, ev.AddDrop("drop Tmp"))
	ev.AttachInput(src)
	require.NoError(t, ev.AttachOutput(sink))
	require.NoError(t, ev.SetEntry(context.Background(), 0))

	require.NoError(t, Add(ev, "Sum", 8))
	require.NoError(t, Add(ev, "Tmp", 1))
	require.NoError(t, AddToCollection(ev, "List", 1))

	row, err := ev.FillRow(ctx)
	require.NoError(t, err)
	assert.Equal(t, "3", string(row["Keep_sim"]))
	assert.Equal(t, "8", string(row["Sum_reco"]))
	assert.Equal(t, "[1]", string(row["List_reco"]))
	assert.NotContains(t, row, "Tmp_reco")
	assert.Contains(t, string(row[model.EventHeaderKey]), `"event_number":5`)
	assert.False(t, sink.HasColumn("Tmp_reco"))
}

func TestOnEndOfFile_ForgetsEverything(t *testing.T) {
	ev := newEvent(t, "reco")
	ev.AttachInput(&memSource{cols: []table.Column{{Name: "Hits_sim", Type: "[]int"}}})
	require.NoError(t, Add(ev, "Count", 1))

	ev.OnEndOfFile()
	assert.False(t, ev.Exists("Hits"))
	assert.False(t, ev.Exists("Count"))
	assert.Equal(t, []model.ProductTag{{Name: model.EventHeaderKey, Type: model.EventHeaderType}}, ev.Products())
	assert.Equal(t, int64(-1), ev.Entry())
}

func TestTypeName(t *testing.T) {
	type local struct{}
	assert.Equal(t, "int", TypeName[int]())
	assert.Equal(t, "[]float64", TypeName[[]float64]())
	assert.Equal(t, "event.hit", TypeName[hit]())
	assert.Equal(t, "[]event.hit", TypeName[[]hit]())
	assert.Equal(t, model.EventHeaderType, TypeName[model.EventHeader]())

	RegisterType[local]("Local")
	assert.Equal(t, "[]Local", TypeName[[]local]())
}
