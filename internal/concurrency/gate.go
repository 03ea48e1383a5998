// Package concurrency is the process-wide Concurrency Gate (spec.md
// §4.6): a bounded admission controller guarding how many deployments run
// at once. Grounded on original_source's DeploymentConcurrencyManager,
// expressed with a mutex-guarded set in the teacher's idiom rather than
// an asyncio lock.
package concurrency

import "sync"

// Gate bounds the number of concurrently in-flight deployments.
type Gate struct {
	mu          sync.Mutex
	maxInFlight int
	inFlight    map[int64]struct{}
}

// NewGate constructs a gate admitting at most maxInFlight deployments at
// once.
func NewGate(maxInFlight int) *Gate {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	return &Gate{maxInFlight: maxInFlight, inFlight: make(map[int64]struct{})}
}

// Acquire atomically checks capacity and, if available, admits
// deploymentID. Returns false if the gate is already at capacity; the
// caller must mark the deployment QUEUED and return without further
// dispatch (spec.md §4.6 — queued deployments are not auto-dispatched).
func (g *Gate) Acquire(deploymentID int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, already := g.inFlight[deploymentID]; already {
		return true
	}
	if len(g.inFlight) >= g.maxInFlight {
		return false
	}
	g.inFlight[deploymentID] = struct{}{}
	return true
}

// Release removes deploymentID from the in-flight set. Idempotent.
func (g *Gate) Release(deploymentID int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inFlight, deploymentID)
}

// InFlight reports the current number of admitted deployments, for
// metrics.
func (g *Gate) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inFlight)
}
