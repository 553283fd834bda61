// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package nat implements the UDP client↔backend session table (spec.md
// §3 Session, §4.4): a keyed map from client address to Session, with
// idle expiry and a drain sequence. Generalized from
// absmach-mproxy/pkg/server/udp's SessionManager.
package nat

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultSessionTTL is the idle timeout after which a session is swept
// (spec.md §4.4 default).
const DefaultSessionTTL = 60 * time.Second

// DefaultSweepInterval is how often the idle sweeper runs (spec.md §4.6
// default).
const DefaultSweepInterval = 10 * time.Second

// ErrSessionLimitReached is returned by GetOrCreate when MaxSessions is
// exceeded.
var ErrSessionLimitReached = errors.New("session limit reached")

// ErrDrained is returned by GetOrCreate once the table has begun
// draining.
var ErrDrained = errors.New("nat table is draining")

// ErrDrainTimeout is returned by Drain when sessions remain after the
// deadline (they are force-closed regardless).
var ErrDrainTimeout = errors.New("drain deadline exceeded")

// SelectBackend chooses the upstream address for a new session given the
// client address (the caller supplies the load-balancer selection so nat
// stays decoupled from pkg/lb).
type SelectBackend func(clientAddr *net.UDPAddr) (string, error)

// Session is a directional binding of one client address to one backend
// address and one kernel-allocated upstream ephemeral socket (spec.md §3
// Session).
type Session struct {
	ID      string
	Client  *net.UDPAddr
	Backend *net.UDPConn

	mu           sync.Mutex
	lastActivity time.Time
	bytesSent    uint64
	bytesRecv    uint64
	packetsSent  uint64
	packetsRecv  uint64

	ctx    context.Context
	cancel context.CancelFunc
}

// Touch atomically updates last-activity to now (spec.md §4.4 touch).
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// IdleSince reports how long it has been since the session last saw
// traffic in either direction.
func (s *Session) IdleSince() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

// RecordSent accounts for bytes sent client→backend.
func (s *Session) RecordSent(n int) {
	s.mu.Lock()
	s.bytesSent += uint64(n)
	s.packetsSent++
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// RecordReceived accounts for bytes received backend→client.
func (s *Session) RecordReceived(n int) {
	s.mu.Lock()
	s.bytesRecv += uint64(n)
	s.packetsRecv++
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Stats returns the session's cumulative byte/packet counters.
func (s *Session) Stats() (bytesSent, bytesRecv, packetsSent, packetsRecv uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesSent, s.bytesRecv, s.packetsSent, s.packetsRecv
}

// Done returns a channel closed when the session is evicted, so a
// dedicated reply-pump goroutine can stop promptly (spec.md §9 "UDP
// reply fan-in").
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Close cancels the session context and closes its upstream socket.
func (s *Session) Close() error {
	s.cancel()
	if s.Backend != nil {
		return s.Backend.Close()
	}
	return nil
}

// Table is the UDP NAT session map (spec.md §4.4). Safe for concurrent
// use; session creation is linearized per client address so concurrent
// first packets from the same client never create two sessions.
type Table struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	// reverse maps the session's upstream ephemeral socket's local
	// address back to the client address, so a reply received on that
	// socket is forwarded to exactly the originating client and nowhere
	// else (spec.md §4.4 invariant).
	reverse map[string]string

	maxSessions int
	draining    bool

	logger *slog.Logger
}

// NewTable creates an empty NAT table. maxSessions <= 0 means unbounded.
func NewTable(maxSessions int, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		sessions:    make(map[string]*Session),
		reverse:     make(map[string]string),
		maxSessions: maxSessions,
		logger:      logger,
	}
}

// GetOrCreate returns the existing session for clientAddr, or creates one
// by invoking selectBackend and dialing a fresh upstream ephemeral UDP
// socket (spec.md §4.4 get_or_create). The bool result reports whether a
// new session was created.
func (t *Table) GetOrCreate(ctx context.Context, clientAddr *net.UDPAddr, selectBackend SelectBackend) (*Session, bool, error) {
	key := clientAddr.String()

	t.mu.RLock()
	if sess, ok := t.sessions[key]; ok {
		t.mu.RUnlock()
		sess.Touch()
		return sess, false, nil
	}
	draining := t.draining
	t.mu.RUnlock()

	if draining {
		return nil, false, ErrDrained
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Double-check under the write lock: another goroutine may have
	// created the session between the read-unlock above and here.
	if sess, ok := t.sessions[key]; ok {
		sess.Touch()
		return sess, false, nil
	}

	if t.draining {
		return nil, false, ErrDrained
	}

	if t.maxSessions > 0 && len(t.sessions) >= t.maxSessions {
		return nil, false, ErrSessionLimitReached
	}

	backendAddrStr, err := selectBackend(clientAddr)
	if err != nil {
		return nil, false, err
	}

	backendAddr, err := net.ResolveUDPAddr("udp", backendAddrStr)
	if err != nil {
		return nil, false, err
	}

	upstream, err := net.DialUDP("udp", nil, backendAddr)
	if err != nil {
		return nil, false, err
	}

	sessCtx, cancel := context.WithCancel(ctx)
	sess := &Session{
		ID:           uuid.New().String(),
		Client:       clientAddr,
		Backend:      upstream,
		lastActivity: time.Now(),
		ctx:          sessCtx,
		cancel:       cancel,
	}

	t.sessions[key] = sess
	t.reverse[upstream.LocalAddr().String()] = key

	t.logger.Debug("nat session created",
		slog.String("session", sess.ID),
		slog.String("client", key),
		slog.String("backend", backendAddrStr))

	return sess, true, nil
}

// Lookup returns the existing session for clientAddr without creating
// one, so a caller can distinguish "packet for an established flow" from
// "packet that would start a new flow" before consulting a rate limiter
// (spec.md §4.3/§4.6: the limiter admits new flows, not every packet).
func (t *Table) Lookup(clientAddr *net.UDPAddr) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sess, ok := t.sessions[clientAddr.String()]
	return sess, ok
}

// LookupByUpstreamLocalAddr resolves a reply's originating client, using
// the reverse mapping. Returns false if the session was concurrently
// evicted, in which case the reply must be dropped (spec.md §4.4
// invariant).
func (t *Table) LookupByUpstreamLocalAddr(localAddr string) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	key, ok := t.reverse[localAddr]
	if !ok {
		return nil, false
	}
	sess, ok := t.sessions[key]
	return sess, ok
}

// Remove evicts the session for clientAddr, closing its upstream socket.
func (t *Table) Remove(clientAddr *net.UDPAddr) {
	key := clientAddr.String()

	t.mu.Lock()
	sess, ok := t.sessions[key]
	if ok {
		delete(t.sessions, key)
		delete(t.reverse, sess.Backend.LocalAddr().String())
	}
	t.mu.Unlock()

	if ok {
		sess.Close()
	}
}

// Count returns the number of live sessions.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// Sweep removes sessions idle longer than ttl (spec.md §4.4 sweep),
// returning the number evicted.
func (t *Table) Sweep(ttl time.Duration) int {
	var evicted []*Session

	t.mu.Lock()
	for key, sess := range t.sessions {
		if sess.IdleSince() > ttl {
			delete(t.sessions, key)
			delete(t.reverse, sess.Backend.LocalAddr().String())
			evicted = append(evicted, sess)
		}
	}
	t.mu.Unlock()

	for _, sess := range evicted {
		sess.Close()
		t.logger.Debug("nat session swept", slog.String("session", sess.ID))
	}

	return len(evicted)
}

// RunSweeper runs Sweep on a ticker until ctx is cancelled. Intended to
// be launched as a maintenance task (spec.md §2 maintenance tasks).
func (t *Table) RunSweeper(ctx context.Context, ttl, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := t.Sweep(ttl); n > 0 {
				t.logger.Debug("sweep completed", slog.Int("evicted", n))
			}
		}
	}
}

// Drain stops accepting new sessions and waits for existing sessions to
// idle out, polling until either none remain or deadline elapses, after
// which remaining sessions are force-closed (spec.md §4.4 drain).
func (t *Table) Drain(deadline time.Duration) error {
	t.mu.Lock()
	t.draining = true
	t.mu.Unlock()

	poll := time.NewTicker(100 * time.Millisecond)
	defer poll.Stop()

	timeout := time.After(deadline)
	for {
		select {
		case <-timeout:
			t.forceCloseAll()
			return ErrDrainTimeout
		case <-poll.C:
			if t.Count() == 0 {
				return nil
			}
		}
	}
}

func (t *Table) forceCloseAll() {
	t.mu.Lock()
	sessions := make([]*Session, 0, len(t.sessions))
	for _, sess := range t.sessions {
		sessions = append(sessions, sess)
	}
	t.sessions = make(map[string]*Session)
	t.reverse = make(map[string]string)
	t.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
}
