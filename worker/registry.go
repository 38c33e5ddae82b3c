// Package worker implements the per-task worker state machine: Idle →
// Requesting → Executing → Reporting → Idle, as a goroutine
// communicating with its fabric coordinator over typed Go channels
// (the in-process analogue of the original's MPI-tagged intra-fabric
// transport — see the process-model redesign note in SPEC_FULL.md §2).
package worker

import (
	"fmt"
	"sync"
)

// Callable is a registered unit of user-supplied work: it takes the
// Invocation's raw argument bytes and returns an already-serialized
// result, or an error. Registering the exact (de)serialization of args
// and results is the caller's concern (the payload serialization
// format is explicitly out of scope of this module) — Callable only
// fixes the boundary at raw bytes in, raw bytes or error out.
type Callable func(args []byte) ([]byte, error)

// Registry maps invocation names to Callables. A worker looks up the
// name carried in a Task's Invocation to find the function to run.
//
// Multiple goroutines may invoke methods on a Registry simultaneously.
type Registry struct {
	mu        sync.RWMutex
	callables map[string]Callable
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{callables: make(map[string]Callable)}
}

// Register adds or replaces the Callable registered under name.
func (r *Registry) Register(name string, fn Callable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callables[name] = fn
}

// Lookup returns the Callable registered under name, if any.
func (r *Registry) Lookup(name string) (Callable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.callables[name]
	return fn, ok
}

// errUnknownCallable builds the error whose text becomes the exception
// payload when a Task names a Callable that was never registered.
func errUnknownCallable(name string) error {
	return fmt.Errorf("worker: no callable registered under %q", name)
}

// IdentityName is the name under which the trivial identity callable
// (λx.x) is conventionally registered, exercised by end-to-end
// scenario 1 (submit identity on 42, expect it fulfilled with 42).
const IdentityName = "identity"

// Identity is the trivial callable λx.x.
func Identity(args []byte) ([]byte, error) {
	return args, nil
}
