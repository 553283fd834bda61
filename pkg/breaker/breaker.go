// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package breaker provides a per-backend circuit breaker (spec.md §4.2,
// §3 CircuitBreakerState).
package breaker

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration.
type Config struct {
	// ErrorThreshold is the number of consecutive failures before
	// opening the circuit.
	ErrorThreshold int
	// Timeout is how long to wait in Open before transitioning to
	// HalfOpen.
	Timeout time.Duration
}

// CircuitBreaker implements the per-backend state machine from spec.md
// §4.2: Allow() is a query, OnSuccess/OnFailure report outcomes. The
// Open→HalfOpen transition is gated so that while HalfOpen, only one
// concurrent probe proceeds.
type CircuitBreaker struct {
	mu              sync.Mutex
	config          Config
	state           State
	consecutiveFail int
	openUntil       time.Time
	probeInFlight   atomic.Bool

	onStateChange func(from, to State)
}

// New creates a new circuit breaker for a single backend.
func New(config Config) *CircuitBreaker {
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = 5
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &CircuitBreaker{config: config, state: StateClosed}
}

// Allow reports whether a flow may proceed to this backend. A true
// returned while Open implicitly transitions to HalfOpen and reserves
// the single concurrent probe slot; subsequent concurrent callers see
// false until that probe reports success or failure.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()

	switch cb.state {
	case StateClosed:
		cb.mu.Unlock()
		return true

	case StateOpen:
		if time.Now().Before(cb.openUntil) {
			cb.mu.Unlock()
			return false
		}
		cb.setState(StateHalfOpen)
		cb.mu.Unlock()
		return cb.tryAcquireProbe()

	case StateHalfOpen:
		cb.mu.Unlock()
		return cb.tryAcquireProbe()

	default:
		cb.mu.Unlock()
		return false
	}
}

// tryAcquireProbe reserves the single half-open probe slot.
func (cb *CircuitBreaker) tryAcquireProbe() bool {
	return cb.probeInFlight.CompareAndSwap(false, true)
}

// OnSuccess records a successful outcome. Resets the consecutive-failure
// count; HalfOpen transitions to Closed on one success.
func (cb *CircuitBreaker) OnSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFail = 0
	if cb.state == StateHalfOpen {
		cb.probeInFlight.Store(false)
		cb.setState(StateClosed)
	}
}

// OnFailure records a failed outcome. Increments the consecutive-failure
// count; transitions to Open if the threshold is reached from Closed, or
// unconditionally from HalfOpen.
func (cb *CircuitBreaker) OnFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFail++

	switch cb.state {
	case StateClosed:
		if cb.consecutiveFail >= cb.config.ErrorThreshold {
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		cb.probeInFlight.Store(false)
		cb.setState(StateOpen)
	}
}

// setState must be called with cb.mu held.
func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		return
	}
	old := cb.state
	cb.state = newState

	if newState == StateOpen {
		cb.openUntil = time.Now().Add(cb.config.Timeout)
	}
	if newState == StateClosed {
		cb.consecutiveFail = 0
	}

	if cb.onStateChange != nil {
		go cb.onStateChange(old, newState)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// OnStateChange registers a callback invoked (in its own goroutine) on
// every state transition, for metrics wiring.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Manager owns one CircuitBreaker per backend address (spec.md §4.2:
// "one breaker per backend address, keyed by address string").
type Manager struct {
	mu       sync.RWMutex
	config   Config
	breakers map[string]*CircuitBreaker
	onChange func(address string, from, to State)
}

// NewManager creates a Manager that lazily creates a Closed breaker for
// any address first seen.
func NewManager(config Config) *Manager {
	return &Manager{config: config, breakers: make(map[string]*CircuitBreaker)}
}

// OnStateChange registers a callback invoked on every state transition
// for any backend, for metrics wiring (pkg/state wires this to
// pkg/metrics).
func (m *Manager) OnStateChange(fn func(address string, from, to State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

func (m *Manager) breakerFor(address string) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[address]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok = m.breakers[address]; ok {
		return cb
	}

	cb = New(m.config)
	cb.OnStateChange(func(from, to State) {
		m.mu.RLock()
		onChange := m.onChange
		m.mu.RUnlock()
		if onChange != nil {
			onChange(address, from, to)
		}
	})
	m.breakers[address] = cb
	return cb
}

// Allow reports whether the breaker for address currently admits flows,
// creating it on first use (defaulting to Closed).
func (m *Manager) Allow(address string) bool {
	return m.breakerFor(address).Allow()
}

// OnSuccess records a success for address's breaker.
func (m *Manager) OnSuccess(address string) {
	m.breakerFor(address).OnSuccess()
}

// OnFailure records a failure for address's breaker.
func (m *Manager) OnFailure(address string) {
	m.breakerFor(address).OnFailure()
}

// State returns the current state for address, defaulting to Closed if
// unseen.
func (m *Manager) State(address string) State {
	m.mu.RLock()
	cb, ok := m.breakers[address]
	m.mu.RUnlock()
	if !ok {
		return StateClosed
	}
	return cb.State()
}

// Remove drops bookkeeping for a backend address removed from the
// snapshot (spec.md §4.8: removed backends are marked deprecated; their
// breaker state no longer matters once in-flight flows complete).
func (m *Manager) Remove(address string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakers, address)
}
