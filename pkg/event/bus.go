package event

// entry is one buffered object keyed by branch.
type entry struct {
	typ string

	// owned entries were produced by the current pass; the others are
	// views of the input store for the current row.
	owned bool
	seq   bool

	// raw is the encoded value; value the decoded one. Either may be
	// missing and is derived from the other on demand.
	raw   []byte
	value any

	// row is the input row raw was read for, -1 when none.
	row int64

	filled bool
}

func (e *entry) empty() bool {
	return e.raw == nil && e.value == nil
}

// bus is the object cache of one event.
type bus struct {
	entries map[string]*entry
}

func newBus() *bus {
	return &bus{entries: make(map[string]*entry)}
}

func (b *bus) get(key string) *entry {
	return b.entries[key]
}

// bind returns the entry for key, creating it if needed.
func (b *bus) bind(key, typ string) *entry {
	e, ok := b.entries[key]
	if !ok {
		e = &entry{typ: typ, row: -1}
		b.entries[key] = e
	}
	return e
}

// filled reports whether key was produced during the current event.
func (b *bus) filled(key string) bool {
	e, ok := b.entries[key]
	return ok && e.filled
}

// clear empties every produced object but keeps the bindings.
func (b *bus) clear() {
	for _, e := range b.entries {
		e.filled = false
		if e.owned {
			e.raw = nil
			e.value = nil
			e.seq = false
		}
	}
}

// release drops all entries.
func (b *bus) release() {
	b.entries = make(map[string]*entry)
}
