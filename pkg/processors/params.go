// Package processors provides the built-in processors of a sequence.
package processors

import (
	"sort"

	"github.com/eventflow/eventflow/pkg/errors"
)

// Params wraps the parameters of one processor. YAML and JSON decode numbers
// differently, so accessors accept any numeric kind.
type Params map[string]any

// Int returns an integer parameter or def when it is not set.
func (p Params) Int(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, badParam(key, v, "an integer")
		}
		return int(n), nil
	default:
		return 0, badParam(key, v, "an integer")
	}
}

// Float returns a numeric parameter or def when it is not set.
func (p Params) Float(key string, def float64) (float64, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, badParam(key, v, "a number")
	}
}

// String returns a string parameter or def when it is not set.
func (p Params) String(key, def string) (string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", badParam(key, v, "a string")
	}
	return s, nil
}

// Bool returns a boolean parameter or def when it is not set.
func (p Params) Bool(key string, def bool) (bool, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, badParam(key, v, "a boolean")
	}
	return b, nil
}

// Map returns a nested mapping parameter, or nil when it is not set.
func (p Params) Map(key string) (Params, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch m := v.(type) {
	case map[string]any:
		return Params(m), nil
	case Params:
		return m, nil
	default:
		return nil, badParam(key, v, "a mapping")
	}
}

// Keys returns the parameter names in order.
func (p Params) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func badParam(key string, v any, want string) error {
	return errors.Newf(errors.CodeProcess, "parameter %s must be %s, got %T", key, want, v).
		WithContext("parameter", key)
}
