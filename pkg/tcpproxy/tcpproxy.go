// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcpproxy implements the TCP proxy engine (spec.md §4.5):
// accept, admit (rate limit), select a backend, connect with retry
// across backend exclusion, and relay bytes bidirectionally until either
// side closes or an idle/read timeout fires. Generalized from
// absmach-mproxy/pkg/server/tcp's accept/handle loop, with the
// guard-object cleanup discipline of the original Rust tcp_proxy.rs.
package tcpproxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/l4proxy/dataplane/pkg/backend"
	proxyerrors "github.com/l4proxy/dataplane/pkg/errors"
	"github.com/l4proxy/dataplane/pkg/lb"
	"github.com/l4proxy/dataplane/pkg/state"
)

// relayBufferSize matches absmach-mproxy's pump buffer size.
const relayBufferSize = 8192

// Server accepts TCP connections and relays them to backends chosen by
// the active ProxyConfig snapshot.
type Server struct {
	state  *state.ProxyState
	logger *slog.Logger

	listener net.Listener
}

// NewServer creates a Server bound to address. Call Serve to run the
// accept loop.
func NewServer(address string, st *state.ProxyState, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	return &Server{state: st, logger: logger, listener: ln}, nil
}

// Addr returns the bound local address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve runs the accept loop until ctx is cancelled or the listener is
// closed. Each accepted connection is handled in its own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Temporary() {
				s.logger.Warn("transient accept error", slog.Any("error", err))
				continue
			}
			return err
		}

		if s.state.IsDraining() {
			s.logger.Debug("rejecting connection while draining", slog.String("remote", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}

		go s.handleConn(ctx, conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	return s.listener.Close()
}

func (s *Server) handleConn(ctx context.Context, client net.Conn) {
	defer client.Close()

	sessionID := uuid.New().String()
	remoteAddr := client.RemoteAddr().String()
	log := s.logger.With(slog.String("session", sessionID), slog.String("remote", remoteAddr))

	connID := s.state.RegisterConnection()
	defer s.state.UnregisterConnection(connID)

	err := s.state.Metrics.ObserveConnection("tcp", func() error {
		return s.proxyConn(ctx, client, sessionID, remoteAddr, log)
	})
	if err != nil {
		log.Debug("connection ended with error", slog.Any("error", err))
	}
}

func (s *Server) proxyConn(ctx context.Context, client net.Conn, sessionID, remoteAddr string, log *slog.Logger) error {
	snap, err := s.state.Current()
	if err != nil {
		return err
	}

	clientIP, clientPort, _ := net.SplitHostPort(remoteAddr)

	clientKey := remoteAddr
	if !snap.AllowRate(clientKey) {
		s.state.Metrics.RateLimitedTotal.WithLabelValues("tcp", "client").Inc()
		return proxyerrors.New(proxyerrors.OpAdmit, "tcp", sessionID, remoteAddr, proxyerrors.ErrRateLimited)
	}

	backendConn, chosen, selector, err := s.connectWithRetry(ctx, snap, lb.Context{ClientIP: clientIP, ClientPort: clientPort}, sessionID, remoteAddr, log)
	if err != nil {
		return err
	}
	defer backendConn.Close()

	defer func() {
		selector.OnCompleted(chosen.Address)
		s.state.Metrics.BackendActiveConnections.WithLabelValues(chosen.Address).Dec()
	}()

	// The breaker's success/failure signal is recorded once relay ends
	// (spec.md §4.5 step 5 / §7: "record breaker success (if any bytes
	// ferried) or failure"), not at connect time: a backend that accepts
	// the handshake and then immediately resets must still trip the
	// breaker, which a connect-time-only signal would miss.
	bytesFerried, relayErr := relay(ctx, client, backendConn, "tcp", chosen.Address, sessionID, snap.Config.IdleTimeout, snap.Config.ReadTimeout, s.state.Metrics, log)
	if bytesFerried > 0 {
		snap.Breakers.OnSuccess(chosen.Address)
	} else {
		snap.Breakers.OnFailure(chosen.Address)
	}

	return relayErr
}

// connectWithRetry selects a backend and dials it, excluding any backend
// that fails (breaker-denied or connect error) and retrying against the
// remaining candidates up to Config.MaxRetries times (spec.md §4.5
// retry-with-exclusion). Returns the selector used, so the caller can
// invoke OnCompleted when the flow ends.
func (s *Server) connectWithRetry(ctx context.Context, snap *state.Snapshot, lbCtx lb.Context, sessionID, remoteAddr string, log *slog.Logger) (net.Conn, backend.Backend, lb.Selector, error) {
	candidates, selector := snap.TCPCandidates()
	excluded := make(map[string]bool)

	attempts := snap.Config.MaxRetries + 1
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		remaining := excludeBackends(candidates, excluded)
		if len(remaining) == 0 {
			if lastErr != nil {
				return nil, backend.Backend{}, nil, proxyerrors.New(proxyerrors.OpConnect, "tcp", sessionID, remoteAddr, lastErr)
			}
			return nil, backend.Backend{}, nil, proxyerrors.New(proxyerrors.OpSelectBackend, "tcp", sessionID, remoteAddr, backend.ErrNoBackendsAvailable)
		}

		chosen, err := selector.Select(remaining, lbCtx)
		if err != nil {
			return nil, backend.Backend{}, nil, proxyerrors.New(proxyerrors.OpSelectBackend, "tcp", sessionID, remoteAddr, err)
		}

		if !snap.Breakers.Allow(chosen.Address) {
			log.Debug("circuit open, excluding backend", slog.String("backend", chosen.Address))
			excluded[chosen.Address] = true
			lastErr = errors.New("circuit breaker open for all candidates")
			continue
		}

		selector.OnSelected(chosen.Address)
		s.state.Metrics.BackendActiveConnections.WithLabelValues(chosen.Address).Inc()
		s.state.Metrics.BackendTotalRequests.WithLabelValues(chosen.Address).Inc()

		start := time.Now()
		conn, err := s.dial(ctx, snap, chosen.Address)
		if err != nil {
			snap.Breakers.OnFailure(chosen.Address)
			s.state.Metrics.BackendFailedRequests.WithLabelValues(chosen.Address).Inc()
			selector.OnCompleted(chosen.Address)
			s.state.Metrics.BackendActiveConnections.WithLabelValues(chosen.Address).Dec()
			excluded[chosen.Address] = true
			lastErr = err
			log.Debug("backend connect failed", slog.String("backend", chosen.Address), slog.Any("error", err))
			continue
		}

		// The breaker's success signal is recorded once, at relay teardown
		// (spec.md §4.5 step 5), not here: a successful handshake alone
		// doesn't prove the backend is useful, only a connect failure does
		// (proves it isn't).
		s.state.Metrics.RecordBackendLatency(chosen.Address, time.Since(start))
		return conn, chosen, selector, nil
	}

	return nil, backend.Backend{}, nil, proxyerrors.New(proxyerrors.OpConnect, "tcp", sessionID, remoteAddr, lastErr)
}

// dial opens a connection to backendAddr, through the snapshot's
// connection pool Manager when pooling is enabled (spec.md Supplemented
// Feature: optional upstream connection pooling), or directly otherwise.
func (s *Server) dial(ctx context.Context, snap *state.Snapshot, backendAddr string) (net.Conn, error) {
	if mgr := snap.Pool(); mgr != nil {
		return mgr.Get(ctx, backendAddr)
	}
	dialer := net.Dialer{Timeout: snap.Config.ConnectTimeout}
	return dialer.DialContext(ctx, "tcp", backendAddr)
}

func excludeBackends(backends []backend.Backend, excluded map[string]bool) []backend.Backend {
	if len(excluded) == 0 {
		return backends
	}
	out := make([]backend.Backend, 0, len(backends))
	for _, b := range backends {
		if !excluded[b.Address] {
			out = append(out, b)
		}
	}
	return out
}

type pumpResult struct {
	bytes uint64
	err   error
}

// relay pumps bytes bidirectionally between client and backendConn.
// readTimeout bounds each individual Read call (spec.md §5: "every relay
// read is bounded by read_timeout"); idleTimeout is tracked across both
// directions combined via lastActivity and closes both halves once no
// byte has crossed in either direction for that long (spec.md §5: "each
// flow is subject to idle_timeout measured since the last byte in either
// direction"). A read_timeout firing alone just re-arms the deadline and
// re-checks idleTimeout, rather than ending the flow. Returns the total
// bytes ferried in both directions, which the caller uses to decide the
// teardown circuit-breaker signal.
func relay(ctx context.Context, client, backendConn net.Conn, protocol, backendAddr, sessionID string, idleTimeout, readTimeout time.Duration, m metricsRecorder, log *slog.Logger) (uint64, error) {
	resultCh := make(chan pumpResult, 2)
	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())

	pump := func(dst, src net.Conn, direction string) {
		buf := make([]byte, relayBufferSize)
		var total uint64
		for {
			deadline := readTimeout
			if deadline <= 0 {
				deadline = idleTimeout
			}
			if deadline > 0 {
				src.SetReadDeadline(time.Now().Add(deadline))
			}

			n, err := src.Read(buf)
			if n > 0 {
				total += uint64(n)
				lastActivity.Store(time.Now().UnixNano())
				if _, werr := dst.Write(buf[:n]); werr != nil {
					m.RecordBytes(protocol, backendAddr, direction, total)
					resultCh <- pumpResult{total, proxyerrors.New(proxyerrors.OpRelay, protocol, sessionID, backendAddr, werr)}
					return
				}
			}

			if err != nil {
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					idleFor := time.Since(time.Unix(0, lastActivity.Load()))
					if idleTimeout <= 0 || idleFor < idleTimeout {
						continue
					}
					m.RecordBytes(protocol, backendAddr, direction, total)
					resultCh <- pumpResult{total, proxyerrors.New(proxyerrors.OpRelay, protocol, sessionID, backendAddr, proxyerrors.ErrTimeout)}
					return
				}

				m.RecordBytes(protocol, backendAddr, direction, total)
				if err == io.EOF {
					resultCh <- pumpResult{total, nil}
				} else {
					resultCh <- pumpResult{total, proxyerrors.New(proxyerrors.OpRelay, protocol, sessionID, backendAddr, err)}
				}
				return
			}
		}
	}

	go pump(backendConn, client, "sent")
	go pump(client, backendConn, "received")

	var total uint64
	var err error
	pending := 2

	select {
	case r := <-resultCh:
		pending--
		total += r.bytes
		err = r.err
	case <-ctx.Done():
		err = ctx.Err()
	}

	client.Close()
	backendConn.Close()

	for ; pending > 0; pending-- {
		r := <-resultCh
		total += r.bytes
		if err == nil {
			err = r.err
		}
	}

	return total, err
}

type metricsRecorder interface {
	RecordBytes(protocol, backendAddr, direction string, n uint64)
}
