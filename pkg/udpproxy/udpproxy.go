// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package udpproxy implements the UDP proxy engine (spec.md §4.6): a
// single listening socket demultiplexes inbound client packets by
// source address into pkg/nat sessions, each owning a dedicated
// ephemeral upstream socket and a reply-pump goroutine that reads
// backend replies and writes them back to the originating client.
// Generalized from absmach-mproxy/pkg/server/udp's buffer-pooled read
// loop and worker pool.
package udpproxy

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/l4proxy/dataplane/pkg/backend"
	proxyerrors "github.com/l4proxy/dataplane/pkg/errors"
	"github.com/l4proxy/dataplane/pkg/lb"
	"github.com/l4proxy/dataplane/pkg/nat"
	"github.com/l4proxy/dataplane/pkg/state"
)

// packetBufferSize matches absmach-mproxy's UDP read buffer size.
const packetBufferSize = 65507

// workerPoolSize bounds the number of goroutines draining the inbound
// packet channel, mirroring absmach-mproxy's DefaultWorkerPoolSize.
const workerPoolSize = 100

// replyPumpPollInterval bounds how long a reply pump blocks on Read
// before re-checking whether its session has been evicted.
const replyPumpPollInterval = 1 * time.Second

// Server listens on one UDP socket and fans inbound packets out to NAT
// sessions.
type Server struct {
	state  *state.ProxyState
	logger *slog.Logger

	conn *net.UDPConn

	bufPool sync.Pool
}

// NewServer binds a UDP socket at address.
func NewServer(address string, st *state.ProxyState, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}

	s := &Server{state: st, logger: logger, conn: conn}
	s.bufPool.New = func() any {
		b := make([]byte, packetBufferSize)
		return &b
	}
	return s, nil
}

// Addr returns the bound local address.
func (s *Server) Addr() net.Addr {
	return s.conn.LocalAddr()
}

// Close stops the listener.
func (s *Server) Close() error {
	return s.conn.Close()
}

type packet struct {
	data   []byte
	client *net.UDPAddr
}

// Serve reads inbound packets and dispatches them to a worker pool until
// ctx is cancelled. Each worker admits the packet's client through
// pkg/nat (creating a session and reply pump on first sight) and
// forwards the payload to the session's backend socket.
func (s *Server) Serve(ctx context.Context) error {
	packetCh := make(chan packet, workerPoolSize)

	var wg sync.WaitGroup
	for i := 0; i < workerPoolSize; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for pkt := range packetCh {
				s.handlePacket(ctx, pkt)
			}
		}()
	}

	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	defer func() {
		close(packetCh)
		wg.Wait()
	}()

	for {
		bufPtr := s.bufPool.Get().(*[]byte)
		buf := *bufPtr

		n, clientAddr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			s.bufPool.Put(bufPtr)
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Temporary() {
				continue
			}
			return err
		}

		if s.state.IsDraining() {
			s.bufPool.Put(bufPtr)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		s.bufPool.Put(bufPtr)

		select {
		case packetCh <- packet{data: data, client: clientAddr}:
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Server) handlePacket(ctx context.Context, pkt packet) {
	snap, err := s.state.Current()
	if err != nil {
		return
	}

	clientKey := pkt.client.String()

	// The rate limiter admits new flows, not every packet within an
	// established session (spec.md §4.3/§4.6 step 1): only consult it when
	// this packet would actually create a NAT session.
	if _, exists := s.state.NAT.Lookup(pkt.client); !exists {
		if !snap.AllowRate(clientKey) {
			s.state.Metrics.RateLimitedTotal.WithLabelValues("udp", "client").Inc()
			return
		}
	}

	sess, created, err := s.state.NAT.GetOrCreate(ctx, pkt.client, s.selectBackendFunc(snap, pkt.client))
	if err != nil {
		wrapped := proxyerrors.New(proxyerrors.OpSelectBackend, "udp", "", clientKey, err)
		s.logger.Debug("udp session admission failed", slog.Any("error", wrapped))
		s.state.Metrics.FailedConnections.WithLabelValues("udp", "no_backend").Inc()
		return
	}

	if created {
		s.state.Metrics.TotalConnections.WithLabelValues("udp").Inc()
		s.state.Metrics.ActiveConnections.WithLabelValues("udp").Inc()
		s.state.Metrics.ActiveSessions.Set(float64(s.state.NAT.Count()))
		go s.runReplyPump(ctx, sess)
	}

	n, err := sess.Backend.Write(pkt.data)
	if err != nil {
		wrapped := proxyerrors.New(proxyerrors.OpRelay, "udp", sess.ID, clientKey, err)
		s.logger.Debug("write to backend failed", slog.Any("error", wrapped))
		return
	}
	sess.RecordSent(n)
	s.state.Metrics.RecordBytes("udp", sess.Backend.RemoteAddr().String(), "sent", uint64(n))
}

// selectBackendFunc adapts the snapshot's load balancer into the
// nat.SelectBackend shape GetOrCreate expects, so backend selection for
// a UDP flow's first packet goes through the same Selector
// implementations as TCP.
func (s *Server) selectBackendFunc(snap *state.Snapshot, _ *net.UDPAddr) nat.SelectBackend {
	return func(clientAddr *net.UDPAddr) (string, error) {
		candidates, selector := snap.UDPCandidates()
		if len(candidates) == 0 {
			return "", backend.ErrNoBackendsAvailable
		}

		ip, port, _ := net.SplitHostPort(clientAddr.String())
		for attempt := 0; attempt < len(candidates); attempt++ {
			chosen, err := selector.Select(candidates, lb.Context{ClientIP: ip, ClientPort: port})
			if err != nil {
				return "", err
			}
			if snap.Breakers.Allow(chosen.Address) {
				selector.OnSelected(chosen.Address)
				s.state.Metrics.BackendTotalRequests.WithLabelValues(chosen.Address).Inc()
				return chosen.Address, nil
			}
			candidates = excludeAddress(candidates, chosen.Address)
			if len(candidates) == 0 {
				break
			}
		}
		return "", backend.ErrNoBackendsAvailable
	}
}

func excludeAddress(backends []backend.Backend, address string) []backend.Backend {
	out := make([]backend.Backend, 0, len(backends))
	for _, b := range backends {
		if b.Address != address {
			out = append(out, b)
		}
	}
	return out
}

// runReplyPump owns sess's dedicated upstream socket: it reads backend
// replies and writes them to the originating client until the session
// is evicted or the read errors (spec.md §9 "a dedicated reply-pump
// goroutine per session avoids a single reply-demuxer and its
// contention").
func (s *Server) runReplyPump(ctx context.Context, sess *nat.Session) {
	buf := make([]byte, packetBufferSize)

	for {
		select {
		case <-sess.Done():
			s.state.Metrics.ActiveConnections.WithLabelValues("udp").Dec()
			s.state.Metrics.ActiveSessions.Set(float64(s.state.NAT.Count()))
			return
		default:
		}

		sess.Backend.SetReadDeadline(time.Now().Add(replyPumpPollInterval))
		n, err := sess.Backend.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			s.state.Metrics.ActiveConnections.WithLabelValues("udp").Dec()
			s.state.Metrics.ActiveSessions.Set(float64(s.state.NAT.Count()))
			return
		}

		if _, werr := s.conn.WriteToUDP(buf[:n], sess.Client); werr != nil {
			s.logger.Debug("write to client failed", slog.String("session", sess.ID), slog.Any("error", werr))
			continue
		}

		sess.RecordReceived(n)
		s.state.Metrics.RecordBytes("udp", sess.Backend.RemoteAddr().String(), "received", uint64(n))
	}
}
