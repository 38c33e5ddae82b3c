package broker

import (
	"errors"
	"sort"
	"sync"

	"htex/core"
)

// ErrNoEligibleFabric is returned by a FabricPolicy when no candidate
// fabric currently has outstanding capacity.
var ErrNoEligibleFabric = errors.New("broker: no eligible fabric")

// FabricPolicy chooses which eligible fabric to dispatch to next, when
// more than one has outstanding capacity. Adapted from the teacher's
// lib/dialer.DialPolicy, repurposed from "pick an upstream to dial" to
// "pick a fabric to dispatch to". Only the choose method is carried
// over; there are no report-outcome methods.
//
// Multiple goroutines may invoke methods on a FabricPolicy
// simultaneously.
type FabricPolicy interface {
	// ChooseFabric picks one of the given eligible candidates.
	ChooseFabric(candidates []core.FabricID) (core.FabricID, error)
}

// RoundRobinFabricPolicy implements the spec's tie-break rule:
// round-robin by wire identity. It remembers the last fabric it chose
// and, among the eligible candidates (sorted for determinism), picks
// the next one after it in cyclic order.
//
// Multiple goroutines may invoke methods on a RoundRobinFabricPolicy
// simultaneously.
type RoundRobinFabricPolicy struct {
	mu   sync.Mutex
	last core.FabricID
	seen bool
}

// NewRoundRobinFabricPolicy returns a fresh round-robin policy.
func NewRoundRobinFabricPolicy() *RoundRobinFabricPolicy {
	return &RoundRobinFabricPolicy{}
}

func (p *RoundRobinFabricPolicy) ChooseFabric(candidates []core.FabricID) (core.FabricID, error) {
	if len(candidates) == 0 {
		return "", ErrNoEligibleFabric
	}
	sorted := append([]core.FabricID(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.seen {
		p.last = sorted[0]
		p.seen = true
		return sorted[0], nil
	}

	// Find the first candidate strictly after p.last in sorted order;
	// wrap around to the first candidate if p.last is >= all of them.
	for _, id := range sorted {
		if id > p.last {
			p.last = id
			return id, nil
		}
	}
	p.last = sorted[0]
	return sorted[0], nil
}
