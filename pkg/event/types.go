package event

import (
	"bytes"
	"encoding/json"
	"path"
	"reflect"
	"sync"

	"github.com/eventflow/eventflow/internal/model"
	"github.com/eventflow/eventflow/internal/pool"
	"github.com/eventflow/eventflow/pkg/errors"
)

// typeNames maps Go types to the names stored in the file catalog.
var typeNames = struct {
	sync.RWMutex
	names map[reflect.Type]string
}{names: make(map[reflect.Type]string)}

func init() {
	RegisterType[model.EventHeader](model.EventHeaderType)
	RegisterType[model.RunHeader]("RunHeader")
}

// RegisterType gives a Go type a fixed catalog name. Types that are not
// registered are named after their package and type name.
func RegisterType[T any](name string) {
	typeNames.Lock()
	defer typeNames.Unlock()
	typeNames.names[typeOf[T]()] = name
}

// TypeName returns the catalog name of T. Slices are named "[]" followed by
// the element name.
func TypeName[T any]() string {
	return typeName(typeOf[T]())
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

func typeName(t reflect.Type) string {
	typeNames.RLock()
	name, ok := typeNames.names[t]
	typeNames.RUnlock()
	if ok {
		return name
	}

	if t.Name() != "" {
		if t.PkgPath() == "" {
			return t.Name()
		}
		return path.Base(t.PkgPath()) + "." + t.Name()
	}

	switch t.Kind() {
	case reflect.Slice:
		return "[]" + typeName(t.Elem())
	case reflect.Pointer:
		return typeName(t.Elem())
	default:
		return t.String()
	}
}

// encode serializes a value for storage. The result does not alias v.
func encode(v any) ([]byte, error) {
	buf := pool.Default.Get()
	defer pool.Default.Put(buf)

	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(pool.Copy(buf), []byte("\n")), nil
}

// decode deserializes a stored value. Null decodes to the zero value.
func decode[T any](raw []byte) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, errors.Wrap(err, errors.CodeDataError, "failed to decode "+TypeName[T]())
	}
	return v, nil
}
