// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcpproxy

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/l4proxy/dataplane/pkg/backend"
	"github.com/l4proxy/dataplane/pkg/metrics"
	"github.com/l4proxy/dataplane/pkg/nat"
	"github.com/l4proxy/dataplane/pkg/state"
)

// echoBackend starts a TCP echo server and returns its address.
func echoBackend(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						c.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	return ln.Addr().String()
}

func newTestState(t *testing.T, backends []backend.Backend) *state.ProxyState {
	t.Helper()
	natTable := nat.NewTable(0, nil)
	m := metrics.New("test_tcpproxy_"+t.Name(), nil)
	st := state.New(natTable, m, nil)

	if err := st.ApplyConfig(state.ProxyConfig{
		TCPBackends:    backends,
		UDPBackends:    backends,
		Algorithm:      "round_robin",
		ConnectTimeout: time.Second,
		IdleTimeout:    2 * time.Second,
		MaxRetries:     2,
		RateLimitRPS:   10000,
		RateLimitBurst: 10000,
	}); err != nil {
		t.Fatal(err)
	}
	return st
}

func TestTCPProxyRelaysBytes(t *testing.T) {
	backendAddr := echoBackend(t)
	st := newTestState(t, []backend.Backend{{Address: backendAddr, Healthy: true}})

	srv, err := NewServer("127.0.0.1:0", st, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)
	defer srv.Close()

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("hello\n")); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if line != "hello\n" {
		t.Fatalf("expected echoed line %q, got %q", "hello\n", line)
	}
}

func TestTCPProxyNoBackendsRejectsConnection(t *testing.T) {
	st := newTestState(t, nil)

	srv, err := NewServer("127.0.0.1:0", st, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)
	defer srv.Close()

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	if err == nil {
		t.Fatal("expected connection to be closed when no backends are available")
	}
}

// resetOnAcceptBackend accepts a connection and immediately closes it
// without transferring any bytes, simulating a backend that completes
// the TCP handshake and then RSTs.
func resetOnAcceptBackend(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	return ln.Addr().String()
}

func TestTCPProxyRecordsBreakerFailureOnZeroByteTeardown(t *testing.T) {
	backendAddr := resetOnAcceptBackend(t)

	natTable := nat.NewTable(0, nil)
	m := metrics.New("test_tcpproxy_"+t.Name(), nil)
	st := state.New(natTable, m, nil)
	if err := st.ApplyConfig(state.ProxyConfig{
		TCPBackends:             []backend.Backend{{Address: backendAddr, Healthy: true}},
		UDPBackends:             []backend.Backend{{Address: backendAddr, Healthy: true}},
		Algorithm:               "round_robin",
		ConnectTimeout:          time.Second,
		IdleTimeout:             time.Second,
		MaxRetries:              0,
		RateLimitRPS:            10000,
		RateLimitBurst:          10000,
		CircuitBreakerThreshold: 2,
		CircuitBreakerTimeout:   time.Minute,
	}); err != nil {
		t.Fatal(err)
	}

	srv, err := NewServer("127.0.0.1:0", st, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)
	defer srv.Close()

	// Connect twice; both handshakes succeed but the backend transfers no
	// bytes before closing, so each teardown must record a breaker
	// failure. After CircuitBreakerThreshold failures the breaker opens
	// and a third connect is rejected outright (no healthy backend left).
	for i := 0; i < 2; i++ {
		conn, err := net.Dial("tcp", srv.Addr().String())
		if err != nil {
			t.Fatal(err)
		}
		buf := make([]byte, 1)
		conn.SetReadDeadline(time.Now().Add(time.Second))
		conn.Read(buf)
		conn.Close()
	}

	time.Sleep(50 * time.Millisecond)

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expected connection rejected once the breaker opens from zero-byte teardowns")
	}
}

// slowWriter writes one byte every writeInterval until stop is closed.
func slowWriter(t *testing.T, conn net.Conn, writeInterval time.Duration, stop <-chan struct{}) {
	t.Helper()
	go func() {
		ticker := time.NewTicker(writeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if _, err := conn.Write([]byte{'x'}); err != nil {
					return
				}
			}
		}
	}()
}

func TestTCPProxyReadTimeoutAloneDoesNotEndFlow(t *testing.T) {
	backendAddr := echoBackend(t)

	natTable := nat.NewTable(0, nil)
	m := metrics.New("test_tcpproxy_"+t.Name(), nil)
	st := state.New(natTable, m, nil)
	if err := st.ApplyConfig(state.ProxyConfig{
		TCPBackends:    []backend.Backend{{Address: backendAddr, Healthy: true}},
		UDPBackends:    []backend.Backend{{Address: backendAddr, Healthy: true}},
		Algorithm:      "round_robin",
		ConnectTimeout: time.Second,
		// ReadTimeout is much shorter than IdleTimeout: individual Read
		// calls time out constantly, but as long as some byte crosses
		// within IdleTimeout the flow must stay open.
		ReadTimeout:    30 * time.Millisecond,
		IdleTimeout:    2 * time.Second,
		MaxRetries:     0,
		RateLimitRPS:   10000,
		RateLimitBurst: 10000,
	}); err != nil {
		t.Fatal(err)
	}

	srv, err := NewServer("127.0.0.1:0", st, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)
	defer srv.Close()

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	slowWriter(t, conn, 100*time.Millisecond, stop)

	// Read several echoed bytes over a span well past ReadTimeout to prove
	// the flow survives repeated per-read timeouts.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	for i := 0; i < 3; i++ {
		if _, err := conn.Read(buf); err != nil {
			t.Fatalf("read %d: expected flow to survive read-timeout retries, got %v", i, err)
		}
	}
}
