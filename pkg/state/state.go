// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package state owns the proxy's live configuration snapshot and the
// shared runtime objects (backend pools, load balancers, circuit
// breakers, rate limiters) that the TCP and UDP engines read on every
// flow (spec.md §4.8 ProxyState / ProxyConfig Apply).
package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/l4proxy/dataplane/pkg/backend"
	"github.com/l4proxy/dataplane/pkg/breaker"
	"github.com/l4proxy/dataplane/pkg/lb"
	"github.com/l4proxy/dataplane/pkg/metrics"
	"github.com/l4proxy/dataplane/pkg/nat"
	"github.com/l4proxy/dataplane/pkg/pool"
	"github.com/l4proxy/dataplane/pkg/ratelimit"
)

// ErrNotConfigured is returned when an operation requires a config
// snapshot but none has been applied yet.
var ErrNotConfigured = errors.New("proxy has no configuration applied")

// ProxyConfig is one immutable, atomically-published configuration
// snapshot (spec.md §3 ProxyConfig). A flow that begins under snapshot N
// completes using snapshot N's Selector/breaker/limiter references even
// if ApplyConfig publishes snapshot N+1 mid-flow (spec.md §4.8 invariant:
// "in-flight flows are pinned to the snapshot active at admission").
type ProxyConfig struct {
	TCPAddress string
	UDPAddress string

	TCPBackends []backend.Backend
	UDPBackends []backend.Backend

	Algorithm       string
	SessionAffinity bool

	RateLimitRPS   int64
	RateLimitBurst int64

	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	ReadTimeout    time.Duration

	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration

	MaxRetries     int
	UDPSessionTTL  time.Duration
	MaxUDPSessions int

	// EnableConnectionPool opts the TCP engine into dialing backends
	// through a pkg/pool.Manager (idle-connection reuse per backend
	// address) instead of dialing fresh on every flow.
	EnableConnectionPool bool

	// PerClientRateLimit layers a per-client-address ratelimit.Limiter
	// (same burst/rate as the global bucket) on top of the global bucket.
	// Off by default: only the global bucket is consulted.
	PerClientRateLimit bool
}

// snapshot bundles one ProxyConfig with the runtime objects built from
// it. A snapshot is immutable once published; breaker.Manager and
// ratelimit.Limiter carry their own internal mutability but are never
// swapped for a different instance within one snapshot's lifetime.
type snapshot struct {
	config ProxyConfig

	tcpPool *backend.Pool
	udpPool *backend.Pool

	tcpSelector lb.Selector
	udpSelector lb.Selector

	breakers    *breaker.Manager
	globalLimit *ratelimit.TokenBucket
	perClient   *ratelimit.Limiter
	connPool    *pool.Manager
}

// ProxyState is the single shared object the TCP/UDP engines, RPC
// server, and maintenance tasks hold a reference to. Safe for concurrent
// use.
type ProxyState struct {
	current atomic.Pointer[snapshot]

	draining atomic.Bool

	activeConns sync.Map // id -> struct{}, for DrainConnections
	connSeq     atomic.Uint64

	NAT     *nat.Table
	Metrics *metrics.Registry

	logger *slog.Logger

	configAppliedCh chan struct{}
	configuredOnce  sync.Once
}

// New creates an unconfigured ProxyState. ApplyConfig must be called at
// least once before the TCP/UDP engines can serve flows.
func New(natTable *nat.Table, metricsRegistry *metrics.Registry, logger *slog.Logger) *ProxyState {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProxyState{
		NAT:             natTable,
		Metrics:         metricsRegistry,
		logger:          logger,
		configAppliedCh: make(chan struct{}),
	}
}

// ApplyConfig validates cfg, builds fresh backend pools/selectors/
// breaker manager/rate limiters, and atomically publishes the new
// snapshot (spec.md §4.8 apply_config). Flows already in progress keep
// using their original snapshot's objects.
func (s *ProxyState) ApplyConfig(cfg ProxyConfig) error {
	if cfg.Algorithm == "" {
		cfg.Algorithm = lb.RoundRobin
	}
	if cfg.CircuitBreakerThreshold <= 0 {
		cfg.CircuitBreakerThreshold = 5
	}
	if cfg.CircuitBreakerTimeout <= 0 {
		cfg.CircuitBreakerTimeout = 30 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.UDPSessionTTL <= 0 {
		cfg.UDPSessionTTL = nat.DefaultSessionTTL
	}
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 1000
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = cfg.RateLimitRPS
	}

	tcpPool, err := backend.NewPool(cfg.TCPBackends)
	if err != nil {
		return fmt.Errorf("tcp backend pool: %w", err)
	}
	udpPool, err := backend.NewPool(cfg.UDPBackends)
	if err != nil {
		return fmt.Errorf("udp backend pool: %w", err)
	}

	tcpSelector, err := lb.New(cfg.Algorithm, cfg.SessionAffinity)
	if err != nil {
		return fmt.Errorf("tcp load balancer: %w", err)
	}
	udpSelector, err := lb.New(cfg.Algorithm, cfg.SessionAffinity)
	if err != nil {
		return fmt.Errorf("udp load balancer: %w", err)
	}

	breakers := breaker.NewManager(breaker.Config{
		ErrorThreshold: cfg.CircuitBreakerThreshold,
		Timeout:        cfg.CircuitBreakerTimeout,
	})
	if s.Metrics != nil {
		breakers.OnStateChange(func(address string, from, to breaker.State) {
			s.Metrics.CircuitBreakerState.WithLabelValues(address).Set(float64(to))
			if to == breaker.StateOpen {
				s.Metrics.CircuitBreakerTrips.WithLabelValues(address).Inc()
			}
		})
	}

	var perClient *ratelimit.Limiter
	if cfg.PerClientRateLimit {
		perClient = ratelimit.NewLimiter(cfg.RateLimitBurst, cfg.RateLimitRPS, 0)
	}

	var connPool *pool.Manager
	if cfg.EnableConnectionPool {
		connPool = pool.NewManager(pool.Config{
			DialTimeout: cfg.ConnectTimeout,
			IdleTimeout: cfg.IdleTimeout,
		})
	}

	next := &snapshot{
		config:      cfg,
		tcpPool:     tcpPool,
		udpPool:     udpPool,
		tcpSelector: tcpSelector,
		udpSelector: udpSelector,
		breakers:    breakers,
		globalLimit: ratelimit.NewTokenBucket(cfg.RateLimitBurst, cfg.RateLimitRPS),
		perClient:   perClient,
		connPool:    connPool,
	}

	prev := s.current.Swap(next)
	if prev != nil && prev.connPool != nil {
		prev.connPool.Close()
	}
	s.configuredOnce.Do(func() { close(s.configAppliedCh) })

	s.logger.Info("configuration applied",
		slog.String("algorithm", cfg.Algorithm),
		slog.Int("tcp_backends", len(cfg.TCPBackends)),
		slog.Int("udp_backends", len(cfg.UDPBackends)))

	return nil
}

// ApplyBackendHealth toggles the Healthy flag of named backends in the
// current snapshot's pools without rebuilding selectors or breakers
// (spec.md §4.8 apply_backend_health): a lighter-weight update path than
// a full ApplyConfig.
func (s *ProxyState) ApplyBackendHealth(tcpHealth, udpHealth map[string]bool) error {
	cur := s.current.Load()
	if cur == nil {
		return ErrNotConfigured
	}

	next := *cur
	if tcpHealth != nil {
		next.tcpPool = cur.tcpPool.WithHealth(tcpHealth)
	}
	if udpHealth != nil {
		next.udpPool = cur.udpPool.WithHealth(udpHealth)
	}

	s.current.Store(&next)
	return nil
}

// ApplyBackends replaces the backend pool membership and health map
// wholesale (spec.md §6 ReloadBackends: "replaces only the backend pool
// and health map"), unlike ApplyBackendHealth which only toggles health
// on addresses already present. Addresses absent from tcpBackends/
// udpBackends are dropped from the pool; new addresses are added.
// Selectors, breakers, and rate limiters carry over unchanged.
func (s *ProxyState) ApplyBackends(tcpBackends, udpBackends []backend.Backend) error {
	cur := s.current.Load()
	if cur == nil {
		return ErrNotConfigured
	}

	tcpPool, err := backend.NewPool(tcpBackends)
	if err != nil {
		return fmt.Errorf("tcp backend pool: %w", err)
	}
	udpPool, err := backend.NewPool(udpBackends)
	if err != nil {
		return fmt.Errorf("udp backend pool: %w", err)
	}

	next := *cur
	next.tcpPool = tcpPool
	next.udpPool = udpPool
	next.config.TCPBackends = tcpBackends
	next.config.UDPBackends = udpBackends

	s.current.Store(&next)
	return nil
}

// Snapshot is the read-only view of one published configuration that a
// flow pins for its entire lifetime.
type Snapshot struct {
	Config   ProxyConfig
	Breakers *breaker.Manager

	tcpPool     *backend.Pool
	udpPool     *backend.Pool
	tcpSelector lb.Selector
	udpSelector lb.Selector
	globalLimit *ratelimit.TokenBucket
	perClient   *ratelimit.Limiter
	connPool    *pool.Manager
}

// Current returns the active snapshot, or ErrNotConfigured if
// ApplyConfig has never been called.
func (s *ProxyState) Current() (*Snapshot, error) {
	cur := s.current.Load()
	if cur == nil {
		return nil, ErrNotConfigured
	}
	return &Snapshot{
		Config:      cur.config,
		Breakers:    cur.breakers,
		tcpPool:     cur.tcpPool,
		udpPool:     cur.udpPool,
		tcpSelector: cur.tcpSelector,
		udpSelector: cur.udpSelector,
		globalLimit: cur.globalLimit,
		perClient:   cur.perClient,
		connPool:    cur.connPool,
	}, nil
}

// Pool returns this snapshot's connection pool Manager, or nil if
// connection pooling is disabled (the TCP engine dials directly in that
// case).
func (sn *Snapshot) Pool() *pool.Manager {
	return sn.connPool
}

// WaitConfigured blocks until the first ApplyConfig call, or ctx is
// cancelled.
func (s *ProxyState) WaitConfigured(ctx context.Context) error {
	select {
	case <-s.configAppliedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TCPCandidates returns the TCP-side healthy backends and selector for
// this pinned snapshot.
func (sn *Snapshot) TCPCandidates() ([]backend.Backend, lb.Selector) {
	return sn.tcpPool.Healthy(), sn.tcpSelector
}

// UDPCandidates returns the UDP-side healthy backends and selector for
// this pinned snapshot.
func (sn *Snapshot) UDPCandidates() ([]backend.Backend, lb.Selector) {
	return sn.udpPool.Healthy(), sn.udpSelector
}

// AllowRate admits or denies a flow for clientKey ("" disables the
// per-client layer), checking the mandatory global bucket first (spec.md
// §4.3: "the global bucket is always consulted first; a deny there short
// circuits the per-client check").
func (sn *Snapshot) AllowRate(clientKey string) bool {
	if !sn.globalLimit.Allow() {
		return false
	}
	if sn.perClient == nil || clientKey == "" {
		return true
	}
	return sn.perClient.Allow(clientKey)
}

// RegisterConnection assigns a connection ID and marks it active, for
// DrainConnections accounting (spec.md §6 DrainConnections).
func (s *ProxyState) RegisterConnection() uint64 {
	id := s.connSeq.Add(1)
	s.activeConns.Store(id, struct{}{})
	return id
}

// UnregisterConnection marks a connection as finished.
func (s *ProxyState) UnregisterConnection(id uint64) {
	s.activeConns.Delete(id)
}

// ActiveConnectionCount returns the number of in-flight connections plus
// UDP sessions.
func (s *ProxyState) ActiveConnectionCount() int {
	count := 0
	s.activeConns.Range(func(_, _ any) bool {
		count++
		return true
	})
	if s.NAT != nil {
		count += s.NAT.Count()
	}
	return count
}

// IsDraining reports whether the proxy has begun a graceful shutdown
// sequence (spec.md §6 DrainConnections: "new connections are rejected;
// existing connections are allowed to finish").
func (s *ProxyState) IsDraining() bool {
	return s.draining.Load()
}

// BeginDrain marks the proxy as draining. New accepts should stop;
// existing flows run to completion.
func (s *ProxyState) BeginDrain() {
	s.draining.Store(true)
}

// WaitDrained blocks until ActiveConnectionCount reaches zero or
// deadline elapses.
func (s *ProxyState) WaitDrained(deadline time.Duration) bool {
	poll := time.NewTicker(100 * time.Millisecond)
	defer poll.Stop()

	timeout := time.After(deadline)
	for {
		if s.ActiveConnectionCount() == 0 {
			return true
		}
		select {
		case <-timeout:
			return false
		case <-poll.C:
		}
	}
}
