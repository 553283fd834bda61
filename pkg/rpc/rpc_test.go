// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/l4proxy/dataplane/pkg/metrics"
	"github.com/l4proxy/dataplane/pkg/nat"
	"github.com/l4proxy/dataplane/pkg/state"
)

func newTestServer(t *testing.T) (*httptest.Server, *websocket.Conn, *state.ProxyState) {
	t.Helper()

	natTable := nat.NewTable(0, nil)
	m := metrics.New("test_rpc_"+t.Name(), nil)
	st := state.New(natTable, m, nil)

	rpcServer := NewServer(st, nil)
	httpServer := httptest.NewServer(rpcServer.Handler())
	t.Cleanup(httpServer.Close)

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	return httpServer, conn, st
}

func call(t *testing.T, conn *websocket.Conn, method MethodName, params any, result any) {
	t.Helper()

	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatal(err)
	}
	env := Envelope{Method: method, Params: raw}
	if err := conn.WriteJSON(env); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(result); err != nil {
		t.Fatal(err)
	}
}

func TestUpdateConfigAppliesBackends(t *testing.T) {
	_, conn, _ := newTestServer(t)

	var ack ConfigAck
	call(t, conn, MethodUpdateConfig, UpdateConfigParams{
		TCPAddress:  ":9000",
		TCPBackends: []BackendSpec{{Address: "a:1", Weight: 1, Healthy: true}},
		Algorithm:   "round_robin",
	}, &ack)

	if !ack.Success {
		t.Fatalf("expected success, got message: %s", ack.Message)
	}
}

func TestReloadBackendsRequiresPriorConfig(t *testing.T) {
	_, conn, _ := newTestServer(t)

	var ack ReloadAck
	call(t, conn, MethodReloadBackends, ReloadBackendsParams{
		TCPBackends: []BackendSpec{{Address: "a:1", Healthy: false}},
	}, &ack)

	if ack.Success {
		t.Fatal("expected failure before any UpdateConfig has been applied")
	}
}

func TestReloadBackendsTogglesHealth(t *testing.T) {
	_, conn, st := newTestServer(t)

	var configAck ConfigAck
	call(t, conn, MethodUpdateConfig, UpdateConfigParams{
		TCPBackends: []BackendSpec{{Address: "a:1", Weight: 1, Healthy: true}},
		Algorithm:   "round_robin",
	}, &configAck)
	if !configAck.Success {
		t.Fatalf("setup UpdateConfig failed: %s", configAck.Message)
	}

	var reloadAck ReloadAck
	call(t, conn, MethodReloadBackends, ReloadBackendsParams{
		TCPBackends: []BackendSpec{{Address: "a:1", Healthy: false}},
	}, &reloadAck)

	if !reloadAck.Success {
		t.Fatalf("expected reload success, got message: %s", reloadAck.Message)
	}
	if reloadAck.BackendsLoaded != 1 {
		t.Errorf("expected 1 backend loaded, got %d", reloadAck.BackendsLoaded)
	}

	snap, err := st.Current()
	if err != nil {
		t.Fatal(err)
	}
	if candidates, _ := snap.TCPCandidates(); len(candidates) != 0 {
		t.Errorf("expected a:1 to be unhealthy after reload, found %d healthy candidates", len(candidates))
	}
}

// TestReloadBackendsReplacesMembership asserts ReloadBackends changes
// pool membership (spec.md §6: "replaces only the backend pool and
// health map"), not just health flags on the addresses already present.
func TestReloadBackendsReplacesMembership(t *testing.T) {
	_, conn, st := newTestServer(t)

	var configAck ConfigAck
	call(t, conn, MethodUpdateConfig, UpdateConfigParams{
		TCPBackends: []BackendSpec{{Address: "a:1", Weight: 1, Healthy: true}},
		Algorithm:   "round_robin",
	}, &configAck)
	if !configAck.Success {
		t.Fatalf("setup UpdateConfig failed: %s", configAck.Message)
	}

	var reloadAck ReloadAck
	call(t, conn, MethodReloadBackends, ReloadBackendsParams{
		TCPBackends: []BackendSpec{{Address: "b:2", Weight: 1, Healthy: true}},
	}, &reloadAck)
	if !reloadAck.Success {
		t.Fatalf("expected reload success, got message: %s", reloadAck.Message)
	}

	snap, err := st.Current()
	if err != nil {
		t.Fatal(err)
	}
	candidates, _ := snap.TCPCandidates()
	if len(candidates) != 1 || candidates[0].Address != "b:2" {
		t.Fatalf("expected pool membership replaced with [b:2], got %+v", candidates)
	}
}

func TestDrainConnectionsWithNoActiveFlows(t *testing.T) {
	_, conn, _ := newTestServer(t)

	var result DrainResult
	call(t, conn, MethodDrainConnections, DrainParams{TimeoutSeconds: 1}, &result)

	if !result.Success {
		t.Error("expected drain to succeed immediately with no active connections")
	}
	if result.ConnectionsRemaining != 0 {
		t.Errorf("expected 0 remaining connections, got %d", result.ConnectionsRemaining)
	}
}

func TestStreamMetricsAcksSample(t *testing.T) {
	_, conn, _ := newTestServer(t)

	var ack MetricsAck
	call(t, conn, MethodStreamMetrics, MetricsSample{
		TotalConnections:  10,
		ActiveConnections: 2,
	}, &ack)

	if !ack.Received {
		t.Error("expected metrics sample to be acknowledged")
	}
}
