// Package broker implements the Interchange: the central load-balancer
// between one client executor and many fabric coordinators. It buffers
// inbound tasks, tracks per-fabric outstanding capacity and liveness,
// and forwards results verbatim back to the client.
package broker

import (
	"sync"

	"htex/core"
)

// CapacityTracker maintains each fabric's outstanding-capacity counter:
// the sum of capacity requests received minus tasks already dispatched
// to that fabric. Adapted from the teacher's
// lib/limiter.UniformlyBoundedClientReserver (same mutex+map shape),
// repurposed from "reservations held, bounded above" to "capacity
// owed, taken down to zero".
//
// Multiple goroutines may invoke methods on a CapacityTracker
// simultaneously.
type CapacityTracker struct {
	mu             sync.Mutex
	capacityByFabric map[core.FabricID]uint32
}

// NewCapacityTracker returns an empty CapacityTracker.
func NewCapacityTracker() *CapacityTracker {
	return &CapacityTracker{
		capacityByFabric: make(map[core.FabricID]uint32),
	}
}

// AddCapacity increments fabric's outstanding capacity by k, as when a
// capacity request of k > 0 arrives. A request of 0 is a heartbeat and
// leaves the counter unchanged.
func (c *CapacityTracker) AddCapacity(fabric core.FabricID, k uint32) {
	if k == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capacityByFabric[fabric] += k
}

// Outstanding returns fabric's current outstanding capacity.
func (c *CapacityTracker) Outstanding(fabric core.FabricID) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacityByFabric[fabric]
}

// Take decrements fabric's outstanding capacity by up to k, returning
// the number actually taken (≤ k, ≤ the fabric's outstanding
// capacity). Used when dispatching a batch of size n ≤ capacity.
func (c *CapacityTracker) Take(fabric core.FabricID, k uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	have := c.capacityByFabric[fabric]
	took := k
	if took > have {
		took = have
	}
	remaining := have - took
	if remaining == 0 {
		delete(c.capacityByFabric, fabric)
	} else {
		c.capacityByFabric[fabric] = remaining
	}
	return took
}

// Zero clears fabric's outstanding capacity entirely, as done when a
// fabric is marked dead.
func (c *CapacityTracker) Zero(fabric core.FabricID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.capacityByFabric, fabric)
}

// Fabrics returns the set of fabrics currently known to have
// non-zero outstanding capacity.
func (c *CapacityTracker) Fabrics() []core.FabricID {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]core.FabricID, 0, len(c.capacityByFabric))
	for id, k := range c.capacityByFabric {
		if k > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}
