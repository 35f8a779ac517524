// Package json provides JSON marshaling with support for registering
// concrete types under a name, so that values behind an interface field
// round-trip through an envelope carrying that name instead of losing
// their concrete type.
package json

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

var (
	mtx        sync.RWMutex
	nameToType = map[string]reflect.Type{}
	typeToName = map[reflect.Type]string{}
)

// RegisterType associates ptr's concrete type with name, so that Marshal
// wraps values of that type in a {"type": name, "value": ...} envelope and
// Unmarshal can recover the concrete type from the envelope.
func RegisterType(ptr any, name string) {
	t := reflect.TypeOf(ptr)

	mtx.Lock()
	defer mtx.Unlock()
	nameToType[name] = t
	typeToName[t] = name
}

type typedValue struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// Marshal encodes v. If v's concrete type (or, for a pointer, the type it
// points to) was registered via RegisterType, the result is wrapped in a
// type envelope; otherwise it is plain encoding/json output.
func Marshal(v any) ([]byte, error) {
	if v == nil {
		return json.Marshal(nil)
	}

	t := reflect.TypeOf(v)

	mtx.RLock()
	name, ok := typeToName[t]
	mtx.RUnlock()

	if !ok {
		return json.Marshal(v)
	}

	value, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(typedValue{Type: name, Value: value})
}

// Unmarshal decodes bz into v, unwrapping a type envelope produced by
// Marshal when present.
func Unmarshal(bz []byte, v any) error {
	var tv typedValue
	if err := json.Unmarshal(bz, &tv); err == nil && tv.Type != "" {
		mtx.RLock()
		t, ok := nameToType[tv.Type]
		mtx.RUnlock()
		if !ok {
			return fmt.Errorf("json: unregistered type %q", tv.Type)
		}

		rv := reflect.New(t.Elem())
		if err := json.Unmarshal(tv.Value, rv.Interface()); err != nil {
			return err
		}

		dst := reflect.ValueOf(v)
		if dst.Kind() != reflect.Ptr {
			return fmt.Errorf("json: Unmarshal target must be a pointer, got %T", v)
		}
		dst.Elem().Set(rv.Elem())
		return nil
	}

	return json.Unmarshal(bz, v)
}
