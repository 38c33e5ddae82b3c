package core

import "errors"

// Sentinel errors per the error handling design. Each that is returned
// (or wrapped) is returned at the site named in its comment; callers should use
// errors.Is to test for them since several are also wrapped with
// additional context via fmt.Errorf("%w: ...").
var (
	// ErrInitTimeout is returned by client.Executor.Start when the
	// broker does not announce its worker-facing ports via the
	// rendezvous channel within the configured window.
	ErrInitTimeout = errors.New("init timeout: broker did not announce ports in time")

	// ErrScalingFailed is returned by client.Executor.Start or ScaleOut
	// when the provider returns a falsy/failed handle for a block
	// submission.
	ErrScalingFailed = errors.New("scaling failed: provider rejected block submission")

	// ErrConfigurationError reports self-contradictory configuration.
	// No constructor in this module returns it: none of them validates
	// its Config for contradictions.
	ErrConfigurationError = errors.New("configuration error")

	// ErrBadMessage is returned when a wire message is missing a
	// task_id, or a ResultMessage satisfies neither or both of the
	// result/exception shapes. It is thread-fatal in the client demux.
	ErrBadMessage = errors.New("bad message")

	// ErrDeserializationError wraps a failure to deserialize the
	// exception payload of a ResultMessage. It is per-task: only the
	// affected handle is rejected.
	ErrDeserializationError = errors.New("deserialization error")

	// ErrNoProvider is returned by ScaleIn/ScaleOut when no Provider is
	// configured. The original source left this case as an unbound
	// variable reference; this edition reports it explicitly instead.
	ErrNoProvider = errors.New("no provider configured")

	// ErrFabricDead reports that a fabric's heartbeat deadline has
	// expired. The broker does not return it: a dead fabric's capacity
	// is zeroed (Interchange.FabricDied), so dispatch simply skips it.
	ErrFabricDead = errors.New("fabric is dead")

	// ErrExecutorDead is returned by Submit once the demultiplexer
	// thread has exited (e.g. after ErrBadMessage or a broken socket).
	// Documented, not silently patched: see DESIGN.md.
	ErrExecutorDead = errors.New("executor demultiplexer is no longer running")
)

// RemoteException is the error a Handle is rejected with when the
// remote side reports a task-level exception. Error() returns exactly
// the reconstructed exception text, with no added prefix, so a caller
// comparing err.Error() against the original exception's string sees
// an identical match.
type RemoteException struct {
	TaskID TaskID
	Text   string
}

func (e *RemoteException) Error() string {
	return e.Text
}
