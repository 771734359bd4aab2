// Package algorithm implements smooth weighted round-robin, used by
// internal/balancer whenever a route's backendWeights assigns at least one
// backend a non-default weight.
package algorithm

import (
	"sync"
)

// WeightedBackend tracks one backend's configured and running weight state.
type WeightedBackend struct {
	ID              string
	Weight          int
	CurrentWeight   int64
	EffectiveWeight int64
}

// WeightedRoundRobin selects among a reconciled set of backends using the
// classic smooth weighted round-robin algorithm: each call adds every
// backend's effective weight to its current weight, picks the max, then
// subtracts the total weight from the winner. Over N calls this distributes
// selections proportional to weight while avoiding the bursts a naive
// weighted-counter scheme produces.
type WeightedRoundRobin struct {
	mu       sync.Mutex
	backends []*WeightedBackend
}

// NewWeightedRoundRobin creates an empty WeightedRoundRobin. Call Reconcile
// before the first Next.
func NewWeightedRoundRobin() *WeightedRoundRobin {
	return &WeightedRoundRobin{}
}

// Reconcile rebuilds the backend set to match ids, the caller's current
// healthy-backend list. Backends that survive from the previous call keep
// their accumulated CurrentWeight so selection stays smooth across health
// and config changes instead of resetting every call; new ids start at
// CurrentWeight 0. weights gives each id's configured weight; an id absent
// from weights, or with a non-positive weight, defaults to 1.
func (wrr *WeightedRoundRobin) Reconcile(ids []string, weights map[string]int) {
	wrr.mu.Lock()
	defer wrr.mu.Unlock()

	existing := make(map[string]*WeightedBackend, len(wrr.backends))
	for _, b := range wrr.backends {
		existing[b.ID] = b
	}

	next := make([]*WeightedBackend, 0, len(ids))
	for _, id := range ids {
		weight := weights[id]
		if weight <= 0 {
			weight = 1
		}
		if b, ok := existing[id]; ok {
			b.Weight = weight
			b.EffectiveWeight = int64(weight)
			next = append(next, b)
			continue
		}
		next = append(next, &WeightedBackend{
			ID:              id,
			Weight:          weight,
			EffectiveWeight: int64(weight),
		})
	}
	wrr.backends = next
}

// Next returns the ID of the backend selected by this round, or "" if no
// backend has been reconciled in.
func (wrr *WeightedRoundRobin) Next() string {
	wrr.mu.Lock()
	defer wrr.mu.Unlock()

	if len(wrr.backends) == 0 {
		return ""
	}

	var totalWeight int64
	var winner *WeightedBackend
	for _, b := range wrr.backends {
		b.CurrentWeight += b.EffectiveWeight
		totalWeight += b.EffectiveWeight
		if winner == nil || b.CurrentWeight > winner.CurrentWeight {
			winner = b
		}
	}
	winner.CurrentWeight -= totalWeight
	return winner.ID
}

// Reset zeroes every backend's current weight, so a stale accumulated
// preference doesn't carry over. LoadBalancer.ResetCounters does not call
// it: on a reload it discards its WeightedRoundRobin instances instead.
func (wrr *WeightedRoundRobin) Reset() {
	wrr.mu.Lock()
	defer wrr.mu.Unlock()
	for _, b := range wrr.backends {
		b.CurrentWeight = 0
	}
}
