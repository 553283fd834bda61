// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package nat

import (
	"context"
	"net"
	"testing"
	"time"
)

// backendEcho starts a UDP echo server and returns its address.
func backendEcho(t *testing.T) string {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 2048)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			conn.WriteToUDP(buf[:n], from)
		}
	}()

	return conn.LocalAddr().String()
}

func TestGetOrCreateReusesSession(t *testing.T) {
	backendAddr := backendEcho(t)
	table := NewTable(0, nil)

	client, _ := net.ResolveUDPAddr("udp", "127.0.0.1:40000")
	selector := func(*net.UDPAddr) (string, error) { return backendAddr, nil }

	s1, created1, err := table.GetOrCreate(context.Background(), client, selector)
	if err != nil {
		t.Fatal(err)
	}
	if !created1 {
		t.Fatal("expected first call to create a session")
	}

	s2, created2, err := table.GetOrCreate(context.Background(), client, selector)
	if err != nil {
		t.Fatal(err)
	}
	if created2 {
		t.Fatal("expected second call to reuse the existing session")
	}
	if s1.ID != s2.ID {
		t.Fatal("expected same session instance for repeat client address")
	}
}

func TestGetOrCreateSessionLimit(t *testing.T) {
	backendAddr := backendEcho(t)
	table := NewTable(1, nil)
	selector := func(*net.UDPAddr) (string, error) { return backendAddr, nil }

	c1, _ := net.ResolveUDPAddr("udp", "127.0.0.1:40001")
	c2, _ := net.ResolveUDPAddr("udp", "127.0.0.1:40002")

	if _, _, err := table.GetOrCreate(context.Background(), c1, selector); err != nil {
		t.Fatal(err)
	}
	if _, _, err := table.GetOrCreate(context.Background(), c2, selector); err != ErrSessionLimitReached {
		t.Fatalf("expected ErrSessionLimitReached, got %v", err)
	}
}

func TestLookupByUpstreamLocalAddr(t *testing.T) {
	backendAddr := backendEcho(t)
	table := NewTable(0, nil)
	selector := func(*net.UDPAddr) (string, error) { return backendAddr, nil }

	client, _ := net.ResolveUDPAddr("udp", "127.0.0.1:40003")
	sess, _, err := table.GetOrCreate(context.Background(), client, selector)
	if err != nil {
		t.Fatal(err)
	}

	found, ok := table.LookupByUpstreamLocalAddr(sess.Backend.LocalAddr().String())
	if !ok {
		t.Fatal("expected reverse lookup to find the session")
	}
	if found.ID != sess.ID {
		t.Fatal("reverse lookup returned wrong session")
	}
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	backendAddr := backendEcho(t)
	table := NewTable(0, nil)
	selector := func(*net.UDPAddr) (string, error) { return backendAddr, nil }

	client, _ := net.ResolveUDPAddr("udp", "127.0.0.1:40004")
	sess, _, err := table.GetOrCreate(context.Background(), client, selector)
	if err != nil {
		t.Fatal(err)
	}

	evicted := table.Sweep(time.Hour)
	if evicted != 0 {
		t.Fatalf("expected no eviction for fresh session, got %d", evicted)
	}

	time.Sleep(10 * time.Millisecond)
	evicted = table.Sweep(5 * time.Millisecond)
	if evicted != 1 {
		t.Fatalf("expected 1 eviction after idle past ttl, got %d", evicted)
	}
	if table.Count() != 0 {
		t.Error("expected table empty after sweep")
	}

	select {
	case <-sess.Done():
	case <-time.After(time.Second):
		t.Error("expected session context cancelled after sweep")
	}
}

func TestDrainRejectsNewSessions(t *testing.T) {
	backendAddr := backendEcho(t)
	table := NewTable(0, nil)
	selector := func(*net.UDPAddr) (string, error) { return backendAddr, nil }

	if err := table.Drain(time.Second); err != nil {
		t.Fatalf("expected clean drain of empty table, got %v", err)
	}

	client, _ := net.ResolveUDPAddr("udp", "127.0.0.1:40005")
	_, _, err := table.GetOrCreate(context.Background(), client, selector)
	if err != ErrDrained {
		t.Fatalf("expected ErrDrained after Drain, got %v", err)
	}
}
