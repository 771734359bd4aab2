// Package balancer picks a single backend URL from a route's candidate
// list, according to the configured LoadBalancerAlgorithm.
package balancer

import (
	"hash/maphash"
	"log"
	"sync"
	"sync/atomic"

	"github.com/fleetproxy/frontdoor/internal/balancer/algorithm"
	"github.com/fleetproxy/frontdoor/internal/config"
)

// LoadBalancer selects among the backends a Router resolved for a given
// path, filtered down to the ones a HealthChecker currently considers
// healthy. It holds per-path/per-backend counters so each route gets its
// own round-robin sequence and each backend its own connection count.
type LoadBalancer struct {
	algorithm config.LoadBalancerAlgorithm
	weights   map[string]int

	counters sync.Map // path (string) -> *atomic.Uint64, plain round-robin
	wrr      sync.Map // path (string) -> *algorithm.WeightedRoundRobin
	conns    sync.Map // backend URL (string) -> *atomic.Int64

	seed maphash.Seed
}

// New creates a LoadBalancer using alg and weights (backend URL -> weight,
// from the route configuration's backendWeights).
func New(alg config.LoadBalancerAlgorithm, weights map[string]int) *LoadBalancer {
	return &LoadBalancer{
		algorithm: alg,
		weights:   weights,
		seed:      maphash.MakeSeed(),
	}
}

// Select picks a backend URL for a request to path from clientIP. healthy
// is the health-checker-filtered candidate list for this route; all is the
// route's full, unfiltered backend list. If healthy is empty, Select falls
// back to all (logging the degradation) rather than fail the request
// outright — a circuit breaker downstream can still reject an individual
// backend. Select returns ("", false) only when both lists are empty.
func (lb *LoadBalancer) Select(path string, healthy, all []string, clientIP string) (string, bool) {
	candidates := healthy
	if len(candidates) == 0 {
		if len(all) == 0 {
			return "", false
		}
		log.Printf("balancer: no healthy backends for %s, falling back to full backend list", path)
		candidates = all
	}
	if len(candidates) == 1 {
		return candidates[0], true
	}

	switch lb.algorithm {
	case config.LeastConnections:
		return lb.selectLeastConnections(candidates), true
	case config.IPHash:
		return lb.selectIPHash(candidates, clientIP), true
	default:
		return lb.selectRoundRobin(path, candidates), true
	}
}

// hasNonDefaultWeight reports whether any candidate in this round carries a
// configured weight other than the implicit default of 1.
func (lb *LoadBalancer) hasNonDefaultWeight(candidates []string) bool {
	for _, c := range candidates {
		if w, ok := lb.weights[c]; ok && w != 1 {
			return true
		}
	}
	return false
}

func (lb *LoadBalancer) selectRoundRobin(path string, candidates []string) string {
	if lb.hasNonDefaultWeight(candidates) {
		wrrVal, _ := lb.wrr.LoadOrStore(path, algorithm.NewWeightedRoundRobin())
		wrr := wrrVal.(*algorithm.WeightedRoundRobin)
		wrr.Reconcile(candidates, lb.weights)
		if id := wrr.Next(); id != "" {
			return id
		}
	}

	counterVal, _ := lb.counters.LoadOrStore(path, new(atomic.Uint64))
	counter := counterVal.(*atomic.Uint64)
	idx := counter.Add(1) - 1
	return candidates[idx%uint64(len(candidates))]
}

func (lb *LoadBalancer) selectLeastConnections(candidates []string) string {
	best := candidates[0]
	bestConns := lb.ActiveConns(best)
	for _, c := range candidates[1:] {
		if n := lb.ActiveConns(c); n < bestConns {
			best = c
			bestConns = n
		}
	}
	return best
}

func (lb *LoadBalancer) selectIPHash(candidates []string, clientIP string) string {
	if clientIP == "" {
		return candidates[0]
	}
	var h maphash.Hash
	h.SetSeed(lb.seed)
	_, _ = h.WriteString(clientIP)
	idx := h.Sum64() % uint64(len(candidates))
	return candidates[idx]
}

// ConnOpened records that a connection to backend has been opened, for
// least-connections accounting.
func (lb *LoadBalancer) ConnOpened(backend string) {
	lb.connCounter(backend).Add(1)
}

// ConnClosed records that a connection to backend has closed.
func (lb *LoadBalancer) ConnClosed(backend string) {
	lb.connCounter(backend).Add(-1)
}

// ActiveConns returns the current open-connection count for backend.
func (lb *LoadBalancer) ActiveConns(backend string) int64 {
	return lb.connCounter(backend).Load()
}

func (lb *LoadBalancer) connCounter(backend string) *atomic.Int64 {
	val, _ := lb.conns.LoadOrStore(backend, new(atomic.Int64))
	return val.(*atomic.Int64)
}

// ResetCounters clears all per-path round-robin counters. Called after a
// configuration reload so a route whose backend set shrank or grew starts
// its rotation fresh rather than resuming mid-cycle against stale indices.
func (lb *LoadBalancer) ResetCounters() {
	lb.counters.Range(func(key, _ interface{}) bool {
		lb.counters.Delete(key)
		return true
	})
	lb.wrr.Range(func(key, _ interface{}) bool {
		lb.wrr.Delete(key)
		return true
	})
}
