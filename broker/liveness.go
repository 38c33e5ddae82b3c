package broker

import (
	"sync"
	"time"

	"htex/core"
)

// DeadFabricSink receives notification when a fabric's heartbeat
// deadline expires.
//
// Multiple goroutines may invoke methods on a DeadFabricSink
// simultaneously.
type DeadFabricSink interface {
	FabricDied(fabric core.FabricID)
}

// LivenessTracker maintains a per-fabric heartbeat deadline: the
// wall-clock time after which a fabric is presumed dead if no message
// (heartbeat or otherwise) has arrived. Adapted from the teacher's
// lib/healthcheck (ProbePool's periodic-sweep idiom and
// BeliefHealthTracker's mutex-guarded per-target state map), but
// inverted from active probing (tcplb dials upstreams on a schedule)
// to passive deadline tracking (fabrics push heartbeats; the broker
// only watches for their absence).
//
// Multiple goroutines may invoke methods on a LivenessTracker
// simultaneously.
type LivenessTracker struct {
	period time.Duration
	sink   DeadFabricSink

	mu       sync.Mutex
	deadline map[core.FabricID]time.Time
}

// NewLivenessTracker returns a LivenessTracker that considers a fabric
// dead once period has elapsed since its last message, reporting deaths
// to sink.
func NewLivenessTracker(period time.Duration, sink DeadFabricSink) *LivenessTracker {
	return &LivenessTracker{
		period:   period,
		sink:     sink,
		deadline: make(map[core.FabricID]time.Time),
	}
}

// Touch resets fabric's deadline, as when any message (heartbeat or
// otherwise) arrives from it.
func (l *LivenessTracker) Touch(fabric core.FabricID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deadline[fabric] = time.Now().Add(l.period)
}

// Forget removes fabric from tracking entirely.
func (l *LivenessTracker) Forget(fabric core.FabricID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.deadline, fabric)
}

// Sweep checks every tracked fabric's deadline against now, reports
// and forgets any that have expired, and returns the ids of fabrics
// newly found dead in this sweep.
func (l *LivenessTracker) Sweep(now time.Time) []core.FabricID {
	l.mu.Lock()
	var dead []core.FabricID
	for fabric, deadline := range l.deadline {
		if now.After(deadline) {
			dead = append(dead, fabric)
			delete(l.deadline, fabric)
		}
	}
	l.mu.Unlock()

	for _, fabric := range dead {
		if l.sink != nil {
			l.sink.FabricDied(fabric)
		}
	}
	return dead
}

// Run sweeps on a ticker until ctx-equivalent stop channel is closed.
// The sweep period is period/4, giving deaths a detection latency well
// inside the one-full-heartbeat_period bound the design calls for.
func (l *LivenessTracker) Run(stop <-chan struct{}) {
	interval := l.period / 4
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			l.Sweep(now)
		}
	}
}
