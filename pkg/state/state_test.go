// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"context"
	"testing"
	"time"

	"github.com/l4proxy/dataplane/pkg/backend"
	"github.com/l4proxy/dataplane/pkg/lb"
	"github.com/l4proxy/dataplane/pkg/metrics"
	"github.com/l4proxy/dataplane/pkg/nat"
)

func newTestState(t *testing.T) *ProxyState {
	t.Helper()
	natTable := nat.NewTable(0, nil)
	m := metrics.New("test_"+t.Name(), nil)
	return New(natTable, m, nil)
}

func TestCurrentBeforeConfigReturnsError(t *testing.T) {
	st := newTestState(t)
	if _, err := st.Current(); err != ErrNotConfigured {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestApplyConfigPublishesSnapshot(t *testing.T) {
	st := newTestState(t)

	err := st.ApplyConfig(ProxyConfig{
		Algorithm:   lb.RoundRobin,
		TCPBackends: []backend.Backend{{Address: "a:1", Healthy: true}},
	})
	if err != nil {
		t.Fatal(err)
	}

	snap, err := st.Current()
	if err != nil {
		t.Fatal(err)
	}
	candidates, _ := snap.TCPCandidates()
	if len(candidates) != 1 || candidates[0].Address != "a:1" {
		t.Fatalf("unexpected candidates: %+v", candidates)
	}
}

func TestApplyConfigRejectsDuplicateBackends(t *testing.T) {
	st := newTestState(t)

	err := st.ApplyConfig(ProxyConfig{
		TCPBackends: []backend.Backend{
			{Address: "a:1", Healthy: true},
			{Address: "a:1", Healthy: true},
		},
	})
	if err == nil {
		t.Fatal("expected error for duplicate backend address")
	}
}

func TestInFlightFlowPinnedToOriginalSnapshot(t *testing.T) {
	st := newTestState(t)

	if err := st.ApplyConfig(ProxyConfig{
		Algorithm:   lb.RoundRobin,
		TCPBackends: []backend.Backend{{Address: "a:1", Healthy: true}},
	}); err != nil {
		t.Fatal(err)
	}

	pinned, err := st.Current()
	if err != nil {
		t.Fatal(err)
	}

	// Republish a snapshot with different backends.
	if err := st.ApplyConfig(ProxyConfig{
		Algorithm:   lb.RoundRobin,
		TCPBackends: []backend.Backend{{Address: "b:1", Healthy: true}},
	}); err != nil {
		t.Fatal(err)
	}

	// The pinned snapshot must still see its original backend.
	candidates, _ := pinned.TCPCandidates()
	if len(candidates) != 1 || candidates[0].Address != "a:1" {
		t.Fatalf("expected pinned snapshot unaffected by later ApplyConfig, got %+v", candidates)
	}

	fresh, err := st.Current()
	if err != nil {
		t.Fatal(err)
	}
	freshCandidates, _ := fresh.TCPCandidates()
	if len(freshCandidates) != 1 || freshCandidates[0].Address != "b:1" {
		t.Fatalf("expected new Current() to see republished backend, got %+v", freshCandidates)
	}
}

func TestApplyBackendHealthTogglesWithoutRebuild(t *testing.T) {
	st := newTestState(t)

	if err := st.ApplyConfig(ProxyConfig{
		TCPBackends: []backend.Backend{
			{Address: "a:1", Healthy: true},
			{Address: "b:1", Healthy: true},
		},
	}); err != nil {
		t.Fatal(err)
	}

	if err := st.ApplyBackendHealth(map[string]bool{"a:1": false}, nil); err != nil {
		t.Fatal(err)
	}

	snap, err := st.Current()
	if err != nil {
		t.Fatal(err)
	}
	candidates, _ := snap.TCPCandidates()
	if len(candidates) != 1 || candidates[0].Address != "b:1" {
		t.Fatalf("expected only b:1 healthy after toggle, got %+v", candidates)
	}
}

func TestDrainBlocksUntilConnectionsFinish(t *testing.T) {
	st := newTestState(t)
	id := st.RegisterConnection()

	done := make(chan bool, 1)
	go func() {
		done <- st.WaitDrained(200 * time.Millisecond)
	}()

	time.Sleep(20 * time.Millisecond)
	st.UnregisterConnection(id)

	select {
	case drained := <-done:
		if !drained {
			t.Error("expected WaitDrained to succeed once connection unregistered")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for drain to complete")
	}
}

func TestWaitConfiguredUnblocksOnApply(t *testing.T) {
	st := newTestState(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- st.WaitConfigured(ctx) }()

	time.Sleep(10 * time.Millisecond)
	if err := st.ApplyConfig(ProxyConfig{}); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected WaitConfigured to return nil, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for WaitConfigured")
	}
}
