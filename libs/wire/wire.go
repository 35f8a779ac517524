// Package wire is the module's canonical message codec: a length-prefixed
// encoding of Go values, used in place of a generated-protobuf stack for
// every gossiped/persisted message. It is deliberately schema-less — callers
// supply the concrete type on decode — matching how ChannelDescriptor
// already binds a channel to a single Go type.
package wire

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"reflect"
)

// Message is any Go value carried over a channel or persisted to the WAL.
// It replaces the generated protobuf Message interface: no method set is
// required, since encoding is reflection-based rather than generated.
type Message = any

// Marshal encodes v using gob. v is typically a pointer to a struct
// registered on the receiving ChannelDescriptor.
func Marshal(v Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("wire: marshal %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes bz into v, which must be a non-nil pointer.
func Unmarshal(bz []byte, v Message) error {
	if err := gob.NewDecoder(bytes.NewReader(bz)).Decode(v); err != nil {
		return fmt.Errorf("wire: unmarshal into %T: %w", v, err)
	}
	return nil
}

// Clone returns a new zero value of the same concrete type that mt points
// to, the way a ChannelDescriptor's MessageType is used as a template for
// Unmarshal.
func Clone(mt Message) Message {
	if mt == nil {
		return nil
	}
	t := reflect.TypeOf(mt)
	if t.Kind() == reflect.Ptr {
		return reflect.New(t.Elem()).Interface()
	}
	return reflect.New(t).Elem().Interface()
}
