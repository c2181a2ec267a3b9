package event

import (
	"context"

	"github.com/eventflow/eventflow/internal/model"
	"github.com/eventflow/eventflow/pkg/errors"
)

// Get returns the product with the given name, produced by the given pass if
// one is given. Without a pass the name must match exactly one product.
//
// The value is only valid for the current event; callers must not modify
// sequences they receive.
func Get[T any](ctx context.Context, ev *Event, name string, pass ...string) (T, error) {
	var zero T
	p := ""
	if len(pass) > 0 {
		p = pass[0]
	}

	b, err := ev.resolver.lookup(ev.catalog, name, p)
	if err != nil {
		return zero, err
	}
	if b.key == model.EventHeaderKey {
		if h, ok := any(*ev.header).(T); ok {
			return h, nil
		}
		return zero, errors.ProductProblem(b.key, "header requested as '"+TypeName[T]()+"'")
	}

	want := TypeName[T]()
	if b.tag.Type != "" && b.tag.Type != want {
		return zero, errors.ProductProblem(b.key, "requested type '"+want+"' does not match stored type '"+b.tag.Type+"'")
	}

	e, err := ev.load(ctx, b)
	if err != nil {
		return zero, err
	}
	if e.value != nil {
		if v, ok := e.value.(T); ok {
			return v, nil
		}
		raw, err := e.encoded()
		if err != nil {
			return zero, errors.Wrap(err, errors.CodeProductProblem, "failed to convert product").WithContext("branch", b.key)
		}
		return decode[T](raw)
	}

	v, err := decode[T](e.raw)
	if err != nil {
		return zero, err
	}
	e.value = v
	return v, nil
}

// load returns the entry of a branch holding its value for the current event.
func (ev *Event) load(ctx context.Context, b *branch) (*entry, error) {
	e := ev.bus.get(b.key)
	if e != nil && e.owned && (e.filled || !b.input) {
		return e, nil
	}
	if !b.input || ev.input == nil {
		// Known but not produced in this event.
		return &entry{typ: b.tag.Type, row: -1}, nil
	}
	if _, err := ev.inputValue(ctx, b.key, b); err != nil {
		return nil, err
	}
	return ev.bus.get(b.key), nil
}

// Add stores a copy of v as product name of the current pass.
func Add[T any](ev *Event, name string, v T) error {
	key, err := ev.checkAdd(name)
	if err != nil {
		return err
	}
	if ev.bus.filled(key) {
		return errors.ProductExists(name, ev.pass)
	}

	raw, err := encode(v)
	if err != nil {
		return errors.Wrap(err, errors.CodeProductProblem, "failed to encode product").WithContext("name", name)
	}

	e, err := ev.produce(key, TypeName[T]())
	if err != nil {
		return err
	}
	e.raw = raw
	e.value = nil
	e.seq = false
	e.filled = true
	return nil
}

// AddToCollection appends elem to the sequence product name of the current
// pass, creating the sequence on the first call of an event.
func AddToCollection[T any](ev *Event, name string, elem T) error {
	key, err := ev.checkAdd(name)
	if err != nil {
		return err
	}
	seqType := "[]" + TypeName[T]()

	if e := ev.bus.get(key); e != nil && e.owned && e.filled {
		if !e.seq {
			return errors.ProductExists(name, ev.pass)
		}
		s, ok := e.value.([]T)
		if e.typ != seqType || !ok {
			return errors.ProductProblem(name, "element type '"+TypeName[T]()+"' does not match collection type '"+e.typ+"'")
		}
		e.value = append(s, elem)
		e.raw = nil
		return nil
	}

	e, err := ev.produce(key, seqType)
	if err != nil {
		return err
	}
	e.value = []T{elem}
	e.raw = nil
	e.seq = true
	e.filled = true
	return nil
}

// checkAdd validates a product name for this pass and returns its key.
func (ev *Event) checkAdd(name string) (string, error) {
	if name == model.EventHeaderKey {
		return "", errors.Newf(errors.CodeIllegalName, "the product name '%s' is reserved for the event header", name).
			WithContext("name", name)
	}
	if !model.ValidName(name) {
		return "", errors.IllegalName(name, model.Separator)
	}
	return model.BranchKey(name, ev.pass), nil
}
