package wire

import (
	"fmt"
	"reflect"
)

// Message is implemented by every value C4 can put on the wire: a
// self-delimiting binary encoding, independent of any schema
// description language (no protobuf/IDL — see DESIGN.md).
type Message interface {
	MarshalBinary() ([]byte, error)
}

// Unmarshaler is implemented by the zero value of a receive-side
// message type.
type Unmarshaler interface {
	UnmarshalBinary([]byte) error
}

// TypedCodec implements C4 over C3: it marshals/unmarshals typed
// protocol messages, using distinct send (S) and receive (R) type
// parameters so an asymmetric protocol — relay and client exchange
// different message sets over the same duplex stream — can be typed
// on each side. A symmetric protocol such as the peer protocol
// instantiates both parameters with the same type.
type TypedCodec[S Message, R any] struct {
	chunk *ChunkCodec
}

// NewTypedCodec builds a TypedCodec over chunk.
func NewTypedCodec[S Message, R any](chunk *ChunkCodec) *TypedCodec[S, R] {
	return &TypedCodec[S, R]{chunk: chunk}
}

// Send marshals and writes msg as one logical message.
func (t *TypedCodec[S, R]) Send(msg S) error {
	payload, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	return t.chunk.WriteMessage(payload)
}

// Recv reads one logical message and unmarshals it into a fresh R.
// R must be instantiated as a pointer type whose pointee implements
// Unmarshaler (e.g. TypedCodec[*protocol.ClientToRelay, *protocol.RelayToClient]); Recv uses
// a type assertion rather than a generic method constraint because Go
// cannot express "the pointee of R implements Unmarshaler" directly.
func (t *TypedCodec[S, R]) Recv() (R, error) {
	var zero R

	payload, err := t.chunk.ReadMessage()
	if err != nil {
		return zero, err
	}

	msg, err := newUnmarshaler[R]()
	if err != nil {
		return zero, err
	}
	if err := msg.UnmarshalBinary(payload); err != nil {
		return zero, err
	}
	return msg.(R), nil
}

// newUnmarshaler allocates a fresh zero value of R's pointee and
// returns it as an Unmarshaler. R is expected to be a pointer type
// (e.g. *protocol.RelayToClient); reflection is needed here because Go generics
// have no way to express "new(R's pointee)" directly when R is itself
// the pointer type.
func newUnmarshaler[R any]() (Unmarshaler, error) {
	var zero R
	t := reflect.TypeOf(zero)
	if t == nil || t.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("wire: TypedCodec receive type %T must be a pointer", zero)
	}
	instance := reflect.New(t.Elem()).Interface()
	u, ok := instance.(Unmarshaler)
	if !ok {
		return nil, fmt.Errorf("wire: %T does not implement Unmarshaler", instance)
	}
	return u, nil
}
