// Package event implements the per-event view that producers and analyzers
// work with: named, typed, pass-tagged products backed by an event file.
//
// Products are read with Get and written with Add or AddToCollection. A
// product is addressed by name and optionally by the pass that produced it;
// without a pass the name must be unique across passes.
package event

import (
	"context"

	"github.com/eventflow/eventflow/internal/model"
	"github.com/eventflow/eventflow/pkg/droprule"
	"github.com/eventflow/eventflow/pkg/errors"
	"github.com/eventflow/eventflow/pkg/storage/table"
)

// Source supplies stored values of the current input entry.
// *table.Reader implements it.
type Source interface {
	EnabledColumns() []table.Column
	Value(ctx context.Context, name string, row int64) ([]byte, bool, error)
}

// Sink receives the schema of the output entries.
// *table.Writer implements it.
type Sink interface {
	HasColumn(name string) bool
	AddColumn(c table.Column) error
	Columns() []table.Column
}

// Event holds the products of the event being processed.
type Event struct {
	pass   string
	header *model.EventHeader
	drops  *droprule.Set

	bus      *bus
	catalog  *catalog
	resolver *resolver

	input  Source
	output Sink
	entry  int64
}

// New creates an event whose products are added under pass.
func New(pass string) (*Event, error) {
	if !model.ValidName(pass) {
		return nil, errors.IllegalName(pass, model.Separator)
	}
	return &Event{
		pass:     pass,
		header:   model.NewEventHeader(),
		drops:    &droprule.Set{},
		bus:      newBus(),
		catalog:  newCatalog(),
		resolver: newResolver(),
		entry:    -1,
	}, nil
}

// PassName returns the pass products are added under.
func (ev *Event) PassName() string { return ev.pass }

// Header returns the mutable header of the current event.
func (ev *Event) Header() *model.EventHeader { return ev.header }

// GetEventHeader returns a copy of the header of the current event.
func (ev *Event) GetEventHeader() model.EventHeader { return *ev.header }

// Entry returns the input row of the current event, -1 without input.
func (ev *Event) Entry() int64 { return ev.entry }

// Products lists every known product, header first.
func (ev *Event) Products() []model.ProductTag {
	return ev.catalog.tags()
}

// Exists reports whether Get would find a product with the name, in the
// given pass if one is given. Names are matched exactly. It never fails.
func (ev *Event) Exists(name string, pass ...string) bool {
	p := ""
	if len(pass) > 0 {
		p = pass[0]
	}
	_, err := ev.resolver.lookup(ev.catalog, name, p)
	return err == nil
}

// SearchProducts returns the products whose name, pass and type match the
// given case-insensitive regular expressions. Empty patterns match anything.
func (ev *Event) SearchProducts(name, pass, typ string) ([]model.ProductTag, error) {
	nameRe, err := compileSearch(name)
	if err != nil {
		return nil, err
	}
	passRe, err := compileSearch(pass)
	if err != nil {
		return nil, err
	}
	typeRe, err := compileSearch(typ)
	if err != nil {
		return nil, err
	}
	return ev.catalog.search(nameRe, passRe, typeRe), nil
}

// AddDrop appends a keep/drop rule used when this event is written into a
// file derived from another.
func (ev *Event) AddDrop(rule string) error {
	return ev.drops.Add(rule)
}

// Drops returns the rules added with AddDrop.
func (ev *Event) Drops() *droprule.Set { return ev.drops }

// ResetDrops replaces the rules with an empty, unfrozen set.
func (ev *Event) ResetDrops() { ev.drops = &droprule.Set{} }

// filtering reports whether drop rules select the written products.
func (ev *Event) filtering() bool {
	return ev.input != nil && ev.output != nil
}

// Clear empties the products of the finished event but keeps their branches.
func (ev *Event) Clear() {
	ev.bus.clear()
}

// OnEndOfEvent forgets the decoded input values of the finished event.
func (ev *Event) OnEndOfEvent() {
	for _, e := range ev.bus.entries {
		if !e.owned {
			e.value = nil
			e.raw = nil
			e.row = -1
		}
	}
}

// OnEndOfFile releases every buffered product, detaches the event from its
// files and forgets all known branches and resolutions.
func (ev *Event) OnEndOfFile() {
	ev.bus.release()
	ev.catalog.reset()
	ev.resolver.invalidate()
	ev.input = nil
	ev.output = nil
	ev.entry = -1
}

// --- Storage hooks used by event files ---

// AttachInput makes the readable columns of src known as products.
func (ev *Event) AttachInput(src Source) {
	ev.input = src
	for _, c := range src.EnabledColumns() {
		ev.catalog.add(c.Name, c.Type, true)
	}
	ev.resolver.invalidate()
}

// AttachOutput sets where filled entries are written. Products already
// produced by this pass get their columns in the new output.
func (ev *Event) AttachOutput(sink Sink) error {
	ev.output = sink
	if !sink.HasColumn(model.EventHeaderKey) {
		if err := sink.AddColumn(table.Column{Name: model.EventHeaderKey, Type: model.EventHeaderType}); err != nil {
			return err
		}
	}
	for key, e := range ev.bus.entries {
		if e.owned {
			if err := ev.bindOutput(key, e.typ); err != nil {
				return err
			}
		}
	}
	return nil
}

// SetEntry moves the event to a row of the input. Without input it does
// nothing.
func (ev *Event) SetEntry(ctx context.Context, row int64) error {
	if ev.input == nil {
		return nil
	}
	ev.entry = row

	raw, ok, err := ev.input.Value(ctx, model.EventHeaderKey, row)
	if err != nil {
		return err
	}
	if !ok {
		ev.header = model.NewEventHeader()
		return nil
	}
	h, err := decode[model.EventHeader](raw)
	if err != nil {
		return err
	}
	ev.header = &h
	return nil
}

// FillRow encodes the current event as one output row: the header, every
// product filled by this pass and every copied input column.
func (ev *Event) FillRow(ctx context.Context) (map[string][]byte, error) {
	row := make(map[string][]byte)

	hdr, err := encode(ev.header)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDataError, "failed to encode event header")
	}
	row[model.EventHeaderKey] = hdr

	if ev.output == nil {
		return row, nil
	}
	for _, c := range ev.output.Columns() {
		if c.Name == model.EventHeaderKey {
			continue
		}
		e := ev.bus.get(c.Name)
		if e != nil && e.owned && e.filled {
			raw, err := e.encoded()
			if err != nil {
				return nil, errors.Wrap(err, errors.CodeProductProblem, "failed to encode product").
					WithContext("branch", c.Name)
			}
			row[c.Name] = raw
			continue
		}
		if b := ev.catalog.get(c.Name); b != nil && b.input && ev.input != nil {
			raw, err := ev.inputValue(ctx, c.Name, b)
			if err != nil {
				return nil, err
			}
			row[c.Name] = raw
		}
	}
	return row, nil
}

// inputValue returns the raw input value of a branch for the current row.
func (ev *Event) inputValue(ctx context.Context, key string, b *branch) ([]byte, error) {
	e := ev.bus.bind(key, b.tag.Type)
	if e.owned {
		if e.filled {
			return e.encoded()
		}
		// Not produced again this event: fall back to the stored value.
		e.owned = false
		e.row = -1
	}
	if e.row != ev.entry {
		raw, ok, err := ev.input.Value(ctx, key, ev.entry)
		if err != nil {
			return nil, err
		}
		if !ok {
			raw = nil
		}
		e.raw = raw
		e.value = nil
		e.row = ev.entry
	}
	return e.raw, nil
}

func (e *entry) encoded() ([]byte, error) {
	if e.raw != nil || e.value == nil {
		return e.raw, nil
	}
	raw, err := encode(e.value)
	if err != nil {
		return nil, err
	}
	e.raw = raw
	return raw, nil
}

// bindOutput creates the output column of a product of this pass unless
// drop rules exclude it.
func (ev *Event) bindOutput(key, typ string) error {
	if ev.output == nil || ev.output.HasColumn(key) {
		return nil
	}
	if ev.filtering() && !ev.drops.Keeps(key) {
		return nil
	}
	return ev.output.AddColumn(table.Column{Name: key, Type: typ})
}

// produce prepares the owned entry for a new product of this pass.
func (ev *Event) produce(key, typ string) (*entry, error) {
	b := ev.catalog.get(key)
	if b != nil && b.tag.Type != "" && b.tag.Type != typ {
		return nil, errors.ProductProblem(key, "type '"+typ+"' does not match stored type '"+b.tag.Type+"'")
	}
	if err := ev.bindOutput(key, typ); err != nil {
		return nil, err
	}
	if b == nil {
		ev.catalog.add(key, typ, false)
		ev.resolver.invalidate()
	}

	e := ev.bus.bind(key, typ)
	e.typ = typ
	e.owned = true
	e.row = -1
	return e, nil
}
