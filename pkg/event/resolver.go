package event

import (
	"github.com/eventflow/eventflow/internal/model"
	"github.com/eventflow/eventflow/pkg/errors"
)

// resolver turns a collection name without a pass into a branch key.
// Only unambiguous results are remembered, and any change of the known
// branches forgets all of them.
type resolver struct {
	known map[string]string
}

func newResolver() *resolver {
	return &resolver{known: make(map[string]string)}
}

func (r *resolver) invalidate() {
	clear(r.known)
}

func (r *resolver) resolve(c *catalog, name string) (string, error) {
	if name == model.EventHeaderKey {
		return model.EventHeaderKey, nil
	}
	if key, ok := r.known[name]; ok {
		return key, nil
	}

	var matches []string
	for _, b := range c.order {
		if b.key != model.EventHeaderKey && b.tag.Name == name {
			matches = append(matches, b.key)
		}
	}

	switch len(matches) {
	case 0:
		return "", errors.ProductNotFound(name, "")
	case 1:
		r.known[name] = matches[0]
		return matches[0], nil
	default:
		return "", errors.ProductAmbiguous(name, matches)
	}
}

// lookup finds the branch for a name and optional pass.
func (r *resolver) lookup(c *catalog, name, pass string) (*branch, error) {
	if pass == "" || name == model.EventHeaderKey {
		key, err := r.resolve(c, name)
		if err != nil {
			return nil, err
		}
		return c.get(key), nil
	}
	b := c.get(model.BranchKey(name, pass))
	if b == nil {
		return nil, errors.ProductNotFound(name, pass)
	}
	return b, nil
}
