package core

import "github.com/fxamacker/cbor/v2"

// Invocation is the concrete shape this edition gives to a Task's
// otherwise-opaque Payload: a registry key plus already-serialized
// positional/keyword arguments. The payload serialization format
// itself is explicitly out of scope (the transport and broker never
// interpret it); this is the client and worker's shared convention for
// the (callable, args, kwargs) triple the payload stands in for.
type Invocation struct {
	Name string `cbor:"name"`
	Args []byte `cbor:"args"`
}

// EncodeInvocation serializes an Invocation as a Task payload.
func EncodeInvocation(inv Invocation) ([]byte, error) {
	return cbor.Marshal(inv)
}

// DecodeInvocation deserializes a Task payload as an Invocation.
func DecodeInvocation(payload []byte) (Invocation, error) {
	var inv Invocation
	if err := cbor.Unmarshal(payload, &inv); err != nil {
		return Invocation{}, err
	}
	return inv, nil
}
