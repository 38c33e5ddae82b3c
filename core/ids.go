// Package core holds the data model shared across the wire transport,
// fabric coordinator, broker and client executor: task identity, task
// and result message shapes, and the sentinel errors every layer above
// reports through.
package core

import "github.com/google/uuid"

// TaskID uniquely identifies a Task within a client executor instance.
// It is value-comparable (usable directly as a map key), and the same
// value serves as both the in-process map key and the wire
// representation. Its CBOR encoding is the 16-byte binary UUID (see
// MarshalBinary), not the RFC-4122 string form; the string form is
// produced only by String and MarshalText.
type TaskID uuid.UUID

// NewTaskID returns a fresh, globally unique TaskID.
func NewTaskID() TaskID {
	return TaskID(uuid.New())
}

func (id TaskID) String() string {
	return uuid.UUID(id).String()
}

// MarshalText implements encoding.TextMarshaler, used when a TaskID is
// formatted as a string (logging, map keys in JSON, etc).
func (id TaskID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *TaskID) UnmarshalText(text []byte) error {
	u, err := uuid.Parse(string(text))
	if err != nil {
		return err
	}
	*id = TaskID(u)
	return nil
}

// MarshalBinary implements encoding.BinaryMarshaler, which
// fxamacker/cbor honors directly: it encodes a TaskID as a 16-byte CBOR
// byte string instead of falling back to a generic fixed-size array of
// 16 one-byte integers.
func (id TaskID) MarshalBinary() ([]byte, error) {
	b := uuid.UUID(id)
	return b[:], nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (id *TaskID) UnmarshalBinary(data []byte) error {
	u, err := uuid.FromBytes(data)
	if err != nil {
		return err
	}
	*id = TaskID(u)
	return nil
}

// Rank is a worker's identity within a single fabric. Ranks are only
// meaningful within the fabric that assigned them; the broker never
// sees them.
type Rank int

// FabricID is the wire identity a fabric coordinator registers itself
// under with the broker. Comparable, usable as a map key.
type FabricID string
