package core

import "fmt"

// Task is a unit of submitted work. Payload is an opaque serialized
// representation of (callable, args, kwargs); the core never interprets
// it, only the client and worker do.
type Task struct {
	ID      TaskID
	Payload []byte
}

// ResultMessage reports the outcome of exactly one Task. Exactly one of
// Result or Exception must be set; NewResult/NewException enforce this
// at construction, and wire decoding rejects any message satisfying
// neither or both shapes.
type ResultMessage struct {
	TaskID    TaskID
	Result    []byte
	Exception []byte
}

// NewResult builds a ResultMessage reporting a successful outcome.
// result is coerced to non-nil so a legitimately empty result (e.g. a
// callable returning no bytes) doesn't collapse into the "neither set"
// shape Validate rejects.
func NewResult(id TaskID, result []byte) ResultMessage {
	if result == nil {
		result = []byte{}
	}
	return ResultMessage{TaskID: id, Result: result}
}

// NewException builds a ResultMessage reporting a remote failure.
func NewException(id TaskID, exception []byte) ResultMessage {
	if exception == nil {
		exception = []byte{}
	}
	return ResultMessage{TaskID: id, Exception: exception}
}

// Validate reports whether the message has exactly one of Result or
// Exception set, per the wire contract in the data model.
func (m ResultMessage) Validate() error {
	hasResult := m.Result != nil
	hasException := m.Exception != nil
	if hasResult == hasException {
		return fmt.Errorf("%w: task %s has result=%v exception=%v", ErrBadMessage, m.TaskID, hasResult, hasException)
	}
	return nil
}

// IsException reports whether this message carries a remote exception.
// The caller must have already validated the message.
func (m ResultMessage) IsException() bool {
	return m.Exception != nil
}
