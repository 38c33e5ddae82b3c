// Package provider defines the narrow interface the client executor
// needs against the out-of-scope "compute-resource provider" (batch
// scheduler adapters, per spec.md §1's Out of scope list) plus a
// minimal concrete LocalProvider, so Executor.Start has something
// real to call without this module specifying provider internals.
package provider

// Provider launches and tears down fabric-process blocks. Submit is
// called once per init_blocks (and again for any later scale-out);
// Cancel is called during scale-in.
type Provider interface {
	// Submit launches one block running the given command (the fully
	// substituted launch command template from §6). It returns a
	// block identifier, or an error if the block could not be
	// launched.
	Submit(launchCmd string) (blockID string, err error)

	// Cancel tears down the given blocks. It returns the IDs it
	// actually cancelled.
	Cancel(blockIDs []string) ([]string, error)

	// TasksPerNode reports how many worker slots one block provides,
	// substituted into the launch command template's {tasks_per_node}
	// token.
	TasksPerNode() int
}
