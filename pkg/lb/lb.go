// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package lb selects one backend from a list of healthy backends for a
// given flow. Four algorithms are supported: round-robin, weighted
// round-robin, least-connections, and consistent hash. All tolerate an
// empty backend list by returning backend.ErrNoBackendsAvailable.
package lb

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/l4proxy/dataplane/pkg/backend"
)

// Algorithm names, authoritative per spec.md §9 ("algorithm strings are
// authoritative; unknown names are a configuration error, not a silent
// fallback").
const (
	RoundRobin        = "round_robin"
	WeightedRoundRobin = "weighted"
	LeastConnections  = "least_connections"
	ConsistentHash    = "consistent_hash"
)

// ErrUnknownAlgorithm is returned by New for an unrecognized algorithm
// name.
type ErrUnknownAlgorithm struct{ Name string }

func (e *ErrUnknownAlgorithm) Error() string {
	return fmt.Sprintf("unknown load balancing algorithm: %q", e.Name)
}

// Context carries the per-flow information selection may key off of.
type Context struct {
	// ClientIP is the connecting client's address, sans port. Used by
	// consistent hash; ignored by the other algorithms.
	ClientIP string
	// ClientPort disambiguates repeat connections from the same IP when
	// session affinity is disabled under consistent hash (spec.md §9
	// Open Questions).
	ClientPort string
}

// Selector picks one backend from a healthy list. Implementations must be
// safe for concurrent use.
type Selector interface {
	// Select returns a backend from healthy, or
	// backend.ErrNoBackendsAvailable if healthy is empty.
	Select(healthy []backend.Backend, ctx Context) (backend.Backend, error)

	// OnSelected is invoked after a backend is chosen and the circuit
	// breaker admits it (before the upstream connect), for algorithms
	// that track per-backend state (least-connections).
	OnSelected(address string)

	// OnCompleted is invoked when a flow using this selection ends,
	// success or failure (least-connections decrement).
	OnCompleted(address string)
}

// New constructs the Selector named by algorithm. session_affinity only
// affects consistent_hash (spec.md §9 Open Questions): for the other three
// algorithms it is accepted but has no effect.
func New(algorithm string, sessionAffinity bool) (Selector, error) {
	switch algorithm {
	case RoundRobin:
		return &roundRobin{}, nil
	case WeightedRoundRobin:
		return &weightedRoundRobin{current: make(map[string]int)}, nil
	case LeastConnections:
		return &leastConnections{active: make(map[string]*int64)}, nil
	case ConsistentHash:
		return &consistentHash{sessionAffinity: sessionAffinity, rings: make(map[string]*ring)}, nil
	default:
		return nil, &ErrUnknownAlgorithm{Name: algorithm}
	}
}

// --- round robin -----------------------------------------------------

type roundRobin struct {
	counter uint64
}

func (r *roundRobin) Select(healthy []backend.Backend, _ Context) (backend.Backend, error) {
	if len(healthy) == 0 {
		return backend.Backend{}, backend.ErrNoBackendsAvailable
	}
	idx := atomic.AddUint64(&r.counter, 1) - 1
	return healthy[idx%uint64(len(healthy))], nil
}

func (r *roundRobin) OnSelected(string)  {}
func (r *roundRobin) OnCompleted(string) {}

// --- weighted round robin ---------------------------------------------

// weightedRoundRobin implements smooth weighted round-robin: each backend
// carries current += weight; the backend with the greatest current is
// chosen and its current decremented by the sum of all weights. Grounded
// on mini0405-Dynamic_Load_Balancer/internal/lb/weighted_round_robin.go.
type weightedRoundRobin struct {
	mu      sync.Mutex
	current map[string]int
}

func (w *weightedRoundRobin) Select(healthy []backend.Backend, _ Context) (backend.Backend, error) {
	if len(healthy) == 0 {
		return backend.Backend{}, backend.ErrNoBackendsAvailable
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	total := 0
	for _, b := range healthy {
		total += b.Weight
	}

	var chosen *backend.Backend
	best := 0
	for i := range healthy {
		b := &healthy[i]
		w.current[b.Address] += b.Weight
		if chosen == nil || w.current[b.Address] > best {
			best = w.current[b.Address]
			chosen = b
		}
	}

	w.current[chosen.Address] -= total
	return *chosen, nil
}

func (w *weightedRoundRobin) OnSelected(string)  {}
func (w *weightedRoundRobin) OnCompleted(string) {}

// --- least connections --------------------------------------------------

type leastConnections struct {
	mu     sync.Mutex
	active map[string]*int64
}

func (l *leastConnections) counter(address string) *int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.active[address]
	if !ok {
		var zero int64
		c = &zero
		l.active[address] = c
	}
	return c
}

func (l *leastConnections) Select(healthy []backend.Backend, _ Context) (backend.Backend, error) {
	if len(healthy) == 0 {
		return backend.Backend{}, backend.ErrNoBackendsAvailable
	}

	selectedIdx := 0
	min := atomic.LoadInt64(l.counter(healthy[0].Address))
	for i := 1; i < len(healthy); i++ {
		c := atomic.LoadInt64(l.counter(healthy[i].Address))
		if c < min {
			min = c
			selectedIdx = i
		}
	}
	return healthy[selectedIdx], nil
}

func (l *leastConnections) OnSelected(address string) {
	atomic.AddInt64(l.counter(address), 1)
}

func (l *leastConnections) OnCompleted(address string) {
	atomic.AddInt64(l.counter(address), -1)
}

// --- consistent hash -----------------------------------------------------

const virtualNodesPerBackend = 160

type ringEntry struct {
	hash    uint64
	address string
}

type ring struct {
	entries []ringEntry
}

func buildRing(healthy []backend.Backend) *ring {
	entries := make([]ringEntry, 0, len(healthy)*virtualNodesPerBackend)
	for _, b := range healthy {
		for v := 0; v < virtualNodesPerBackend; v++ {
			key := fmt.Sprintf("%s#%d", b.Address, v)
			entries = append(entries, ringEntry{
				hash:    xxhash.Sum64String(key),
				address: b.Address,
			})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].hash < entries[j].hash })
	return &ring{entries: entries}
}

func (r *ring) lookup(hash uint64) (string, bool) {
	if len(r.entries) == 0 {
		return "", false
	}
	idx := sort.Search(len(r.entries), func(i int) bool { return r.entries[i].hash >= hash })
	if idx == len(r.entries) {
		idx = 0
	}
	return r.entries[idx].address, true
}

// consistentHash maps client IP to a ring of 160 virtual nodes per
// backend, choosing the first virtual node at or clockwise from the
// client's hash. The ring is rebuilt lazily whenever the healthy set's
// membership signature changes, so only keys in the removed/added arcs
// are remapped across calls with a stable backend set (spec.md §8
// property 4).
type consistentHash struct {
	sessionAffinity bool

	mu        sync.Mutex
	rings     map[string]*ring // keyed by membership signature
	signature string
	active    *ring
}

func membershipSignature(healthy []backend.Backend) string {
	addrs := make([]string, len(healthy))
	for i, b := range healthy {
		addrs[i] = b.Address
	}
	sort.Strings(addrs)
	out := ""
	for _, a := range addrs {
		out += a + ","
	}
	return out
}

func (c *consistentHash) ringFor(healthy []backend.Backend) *ring {
	sig := membershipSignature(healthy)

	c.mu.Lock()
	defer c.mu.Unlock()

	if sig == c.signature && c.active != nil {
		return c.active
	}

	r, ok := c.rings[sig]
	if !ok {
		r = buildRing(healthy)
		c.rings[sig] = r
		// Bound memory: keep only the current and immediately prior
		// ring, since reconfiguration is rare relative to selection.
		if len(c.rings) > 2 {
			for k := range c.rings {
				if k != sig && k != c.signature {
					delete(c.rings, k)
				}
			}
		}
	}
	c.signature = sig
	c.active = r
	return r
}

func (c *consistentHash) Select(healthy []backend.Backend, ctx Context) (backend.Backend, error) {
	if len(healthy) == 0 {
		return backend.Backend{}, backend.ErrNoBackendsAvailable
	}

	key := ctx.ClientIP
	if !c.sessionAffinity {
		key = ctx.ClientIP + ":" + ctx.ClientPort
	}

	r := c.ringFor(healthy)
	addr, ok := r.lookup(xxhash.Sum64String(key))
	if !ok {
		return healthy[0], nil
	}

	for _, b := range healthy {
		if b.Address == addr {
			return b, nil
		}
	}
	return healthy[0], nil
}

func (c *consistentHash) OnSelected(string)  {}
func (c *consistentHash) OnCompleted(string) {}
