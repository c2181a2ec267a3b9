// Package registry maps processor class names from the configuration to the
// factories that build them. This enables runtime selection of a sequence
// without if/else chains in main code.
package registry

import (
	"sort"
	"sync"

	"github.com/eventflow/eventflow/pkg/errors"
	"github.com/eventflow/eventflow/pkg/process"
)

// Factory creates a processor instance from its name and parameters.
type Factory func(name string, params map[string]any) (process.Processor, error)

// Registry holds the registered processor classes.
type Registry struct {
	mu sync.RWMutex

	factories    map[string]Factory
	descriptions map[string]string
}

// Global default registry
var defaultRegistry = NewRegistry()

// NewRegistry creates a new empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories:    make(map[string]Factory),
		descriptions: make(map[string]string),
	}
}

// Register adds a class. Registering a class again replaces it.
func (r *Registry) Register(class string, factory Factory, description string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[class] = factory
	r.descriptions[class] = description
}

// New creates one processor of the given class.
func (r *Registry) New(class, name string, params map[string]any) (process.Processor, error) {
	r.mu.RLock()
	factory, ok := r.factories[class]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.Newf(errors.CodeProcess, "unknown processor class: %s", class).
			WithContext("class", class)
	}
	if name == "" {
		name = class
	}
	if params == nil {
		params = map[string]any{}
	}

	p, err := factory(name, params)
	if err != nil {
		return nil, errors.Wrapf(err, errors.GetCode(err), "failed to create processor %s", name).
			WithContext("class", class)
	}
	return p, nil
}

// Build creates the processors of a sequence in order. Instance names must
// be unique.
func (r *Registry) Build(cfgs []process.ProcessorConfig) ([]process.Processor, error) {
	seen := make(map[string]bool, len(cfgs))
	seq := make([]process.Processor, 0, len(cfgs))
	for _, c := range cfgs {
		p, err := r.New(c.Class, c.Name, c.Params)
		if err != nil {
			return nil, err
		}
		if seen[p.Name()] {
			return nil, errors.Newf(errors.CodeProcess, "processor name %s used twice in the sequence", p.Name()).
				WithContext("class", c.Class)
		}
		seen[p.Name()] = true
		seq = append(seq, p)
	}
	return seq, nil
}

// Has reports whether a class is registered.
func (r *Registry) Has(class string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[class]
	return ok
}

// Description returns the help text of a class.
func (r *Registry) Description(class string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.descriptions[class]
}

// List returns all registered class names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// --- Global registry functions ---

// Register adds a class to the default registry.
func Register(class string, factory Factory, description string) {
	defaultRegistry.Register(class, factory, description)
}

// New creates a processor from the default registry.
func New(class, name string, params map[string]any) (process.Processor, error) {
	return defaultRegistry.New(class, name, params)
}

// Build creates a sequence from the default registry.
func Build(cfgs []process.ProcessorConfig) ([]process.Processor, error) {
	return defaultRegistry.Build(cfgs)
}

// List lists classes of the default registry.
func List() []string {
	return defaultRegistry.List()
}

// Default returns the default registry for direct access.
func Default() *Registry {
	return defaultRegistry
}
