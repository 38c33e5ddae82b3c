package worker

import (
	"fmt"
	"sync"
	"sync/atomic"

	"htex/core"
)

// Links bundles the channels a single worker uses to talk to its
// fabric coordinator: requestCh is shared by all workers in the
// fabric (the task-request tag); taskCh is private to this worker
// (the rank-specific tag); resultCh is shared (the result tag).
type Links struct {
	RequestCh chan<- core.Rank
	TaskCh    <-chan core.Task
	ResultCh  chan<- core.ResultMessage
}

// Run executes one worker's Idle→Requesting→Executing→Reporting→Idle
// loop until Stop is closed or TaskCh is closed by the coordinator.
// Barrier synchronization happens first: Run calls barrier.Done() then
// barrier.Wait(), ensuring no task is dispatched anywhere in the
// fabric until every worker has reached this point — the Go analogue
// of the reference implementation's comm.Barrier().
func Run(rank core.Rank, registry *Registry, links Links, barrier *sync.WaitGroup, stop <-chan struct{}, kill *atomic.Bool) {
	barrier.Done()
	barrier.Wait()

	for {
		if kill.Load() {
			return
		}

		// Requesting: announce readiness on the shared request tag.
		select {
		case links.RequestCh <- rank:
		case <-stop:
			return
		}

		// Receive one task on our rank-specific tag.
		var task core.Task
		select {
		case t, ok := <-links.TaskCh:
			if !ok {
				return
			}
			task = t
		case <-stop:
			return
		}

		// Executing: never let user-code failure (or panic) kill the
		// worker goroutine.
		result := execute(registry, task)

		// Reporting.
		select {
		case links.ResultCh <- result:
		case <-stop:
			return
		}
	}
}

func execute(registry *Registry, task core.Task) (result core.ResultMessage) {
	defer func() {
		if r := recover(); r != nil {
			result = core.NewException(task.ID, []byte(fmt.Sprintf("panic: %v", r)))
		}
	}()

	inv, err := core.DecodeInvocation(task.Payload)
	if err != nil {
		return core.NewException(task.ID, []byte(err.Error()))
	}

	fn, ok := registry.Lookup(inv.Name)
	if !ok {
		return core.NewException(task.ID, []byte(errUnknownCallable(inv.Name).Error()))
	}

	out, err := fn(inv.Args)
	if err != nil {
		return core.NewException(task.ID, []byte(err.Error()))
	}
	return core.NewResult(task.ID, out)
}
