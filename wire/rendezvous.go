package wire

import (
	"fmt"
	"time"

	"htex/core"
)

// Ports is the (worker_task_port, worker_result_port) pair the broker
// announces to the client executor once it has bound its worker-facing
// sockets.
type Ports struct {
	TaskPort   int
	ResultPort int
}

// Rendezvous is a bounded inter-process-equivalent channel carrying a
// single Ports value from the broker to the client executor. Capacity
// 10, matching the reference rendezvous channel.
type Rendezvous chan Ports

// NewRendezvous returns a new, empty Rendezvous channel.
func NewRendezvous() Rendezvous {
	return make(chan Ports, 10)
}

// Announce publishes the bound ports. It does not block as long as the
// channel has spare capacity, which it always does for a single
// announcement on a freshly created Rendezvous.
func (r Rendezvous) Announce(p Ports) {
	r <- p
}

// Await waits up to timeout for the broker to announce its ports,
// returning core.ErrInitTimeout if the window elapses first.
func (r Rendezvous) Await(timeout time.Duration) (Ports, error) {
	select {
	case p := <-r:
		return p, nil
	case <-time.After(timeout):
		return Ports{}, fmt.Errorf("%w: waited %s", core.ErrInitTimeout, timeout)
	}
}

// DefaultInitTimeout is the default rendezvous wait window.
const DefaultInitTimeout = 120 * time.Second
