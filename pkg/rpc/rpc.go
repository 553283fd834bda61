// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package rpc exposes the control-plane surface (spec.md §6 External
// Interfaces): UpdateConfig, ReloadBackends, DrainConnections, and a
// bidirectional StreamMetrics. Requests and pushed metrics are JSON
// messages framed over a gorilla/websocket connection rather than
// gRPC/protobuf: generating and hand-maintaining .pb.go stubs without
// the protoc toolchain is not a reliable substitute for a real
// generated client, so the wire contract here mirrors the original
// service's method names and fields one-for-one over a transport this
// module can actually build.
package rpc

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/l4proxy/dataplane/pkg/backend"
	"github.com/l4proxy/dataplane/pkg/state"
)

// MethodName identifies one of the four control-plane operations
// (spec.md §6).
type MethodName string

const (
	MethodUpdateConfig     MethodName = "update_config"
	MethodReloadBackends   MethodName = "reload_backends"
	MethodDrainConnections MethodName = "drain_connections"
	MethodStreamMetrics    MethodName = "stream_metrics"
)

// Envelope wraps every inbound message with the method it invokes.
type Envelope struct {
	Method MethodName      `json:"method"`
	Params json.RawMessage `json:"params"`
}

// BackendSpec is the wire shape of one backend entry.
type BackendSpec struct {
	Address string `json:"address"`
	Weight  int    `json:"weight"`
	Healthy bool   `json:"healthy"`
}

// UpdateConfigParams is the payload for MethodUpdateConfig (spec.md §6
// wire schema).
type UpdateConfigParams struct {
	TCPAddress              string        `json:"tcp_address"`
	UDPAddress              string        `json:"udp_address"`
	TCPBackends             []BackendSpec `json:"tcp_backends"`
	UDPBackends             []BackendSpec `json:"udp_backends"`
	Algorithm               string        `json:"algorithm"`
	SessionAffinity         bool          `json:"session_affinity"`
	RateLimitRPS            int64         `json:"rate_limit_rps"`
	RateLimitBurst          int64         `json:"rate_limit_burst"`
	ConnectTimeoutSeconds   int           `json:"connect_timeout_seconds"`
	IdleTimeoutSeconds      int           `json:"idle_timeout_seconds"`
	ReadTimeoutSeconds      int           `json:"read_timeout_seconds"`
	CircuitBreakerThreshold int           `json:"circuit_breaker_threshold"`
	CircuitBreakerTimeoutS  int           `json:"circuit_breaker_timeout_seconds"`
	MaxRetries              int           `json:"max_retries"`
	EnableConnectionPool    bool          `json:"enable_connection_pool"`
}

// ConfigAck acknowledges MethodUpdateConfig / MethodReloadBackends.
type ConfigAck struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ReloadBackendsParams is the payload for MethodReloadBackends: replaces
// backend membership/health without touching the rest of ProxyConfig
// (spec.md §4.8 apply_backend_health / §6).
type ReloadBackendsParams struct {
	TCPBackends []BackendSpec `json:"tcp_backends"`
	UDPBackends []BackendSpec `json:"udp_backends"`
}

// ReloadAck acknowledges MethodReloadBackends.
type ReloadAck struct {
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	BackendsLoaded int    `json:"backends_loaded"`
}

// DrainParams is the payload for MethodDrainConnections.
type DrainParams struct {
	TimeoutSeconds int `json:"timeout_seconds"`
}

// DrainResult acknowledges MethodDrainConnections.
type DrainResult struct {
	Success             bool `json:"success"`
	ConnectionsDrained  int  `json:"connections_drained"`
	ConnectionsRemaining int `json:"connections_remaining"`
}

// MetricsSample is the payload a peer sends under MethodStreamMetrics;
// the server answers each one with a MetricsAck and does not push
// samples of its own.
type MetricsSample struct {
	TotalConnections int64              `json:"total_connections"`
	ActiveConnections int64             `json:"active_connections"`
	BackendLatencyMs  map[string]float64 `json:"backend_latency_ms"`
}

// MetricsAck acknowledges receipt of one MetricsSample.
type MetricsAck struct {
	Received bool `json:"received"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server implements the control-plane surface over one websocket
// connection per control-plane client (spec.md §6).
type Server struct {
	state  *state.ProxyState
	logger *slog.Logger
}

// NewServer creates a control-plane Server bound to st.
func NewServer(st *state.ProxyState, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{state: st, logger: logger}
}

// Handler returns the net/http handler to mount at the control-plane
// websocket endpoint.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serveWS)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("control connection read error", slog.Any("error", err))
			}
			return
		}

		resp, err := s.dispatch(env)
		if err != nil {
			s.logger.Warn("control method failed", slog.String("method", string(env.Method)), slog.Any("error", err))
			continue
		}

		if err := conn.WriteJSON(resp); err != nil {
			s.logger.Debug("control connection write error", slog.Any("error", err))
			return
		}
	}
}

func (s *Server) dispatch(env Envelope) (any, error) {
	switch env.Method {
	case MethodUpdateConfig:
		var params UpdateConfigParams
		if err := json.Unmarshal(env.Params, &params); err != nil {
			return ConfigAck{Success: false, Message: err.Error()}, nil
		}
		return s.updateConfig(params), nil

	case MethodReloadBackends:
		var params ReloadBackendsParams
		if err := json.Unmarshal(env.Params, &params); err != nil {
			return ReloadAck{Success: false, Message: err.Error()}, nil
		}
		return s.reloadBackends(params), nil

	case MethodDrainConnections:
		var params DrainParams
		if err := json.Unmarshal(env.Params, &params); err != nil {
			return DrainResult{}, nil
		}
		return s.drainConnections(params), nil

	case MethodStreamMetrics:
		var sample MetricsSample
		if err := json.Unmarshal(env.Params, &sample); err != nil {
			return MetricsAck{Received: false}, nil
		}
		return MetricsAck{Received: true}, nil

	default:
		return nil, errUnknownMethod(env.Method)
	}
}

type errUnknownMethod MethodName

func (e errUnknownMethod) Error() string {
	return "unknown control-plane method: " + string(e)
}

func toBackends(specs []BackendSpec) []backend.Backend {
	out := make([]backend.Backend, len(specs))
	for i, b := range specs {
		out[i] = backend.Backend{Address: b.Address, Weight: b.Weight, Healthy: b.Healthy}
	}
	return out
}

func (s *Server) updateConfig(p UpdateConfigParams) ConfigAck {
	cfg := state.ProxyConfig{
		TCPAddress:              p.TCPAddress,
		UDPAddress:              p.UDPAddress,
		TCPBackends:             toBackends(p.TCPBackends),
		UDPBackends:             toBackends(p.UDPBackends),
		Algorithm:               p.Algorithm,
		SessionAffinity:         p.SessionAffinity,
		RateLimitRPS:            p.RateLimitRPS,
		RateLimitBurst:          p.RateLimitBurst,
		ConnectTimeout:          time.Duration(p.ConnectTimeoutSeconds) * time.Second,
		IdleTimeout:             time.Duration(p.IdleTimeoutSeconds) * time.Second,
		ReadTimeout:             time.Duration(p.ReadTimeoutSeconds) * time.Second,
		CircuitBreakerThreshold: p.CircuitBreakerThreshold,
		CircuitBreakerTimeout:   time.Duration(p.CircuitBreakerTimeoutS) * time.Second,
		MaxRetries:              p.MaxRetries,
		EnableConnectionPool:    p.EnableConnectionPool,
	}

	if err := s.state.ApplyConfig(cfg); err != nil {
		return ConfigAck{Success: false, Message: err.Error()}
	}
	return ConfigAck{Success: true, Message: "configuration applied"}
}

// reloadBackends replaces backend pool membership and health wholesale
// (spec.md §6 ReloadBackends), distinct from apply_backend_health which
// only toggles health on addresses already in the pool.
func (s *Server) reloadBackends(p ReloadBackendsParams) ReloadAck {
	if err := s.state.ApplyBackends(toBackends(p.TCPBackends), toBackends(p.UDPBackends)); err != nil {
		return ReloadAck{Success: false, Message: err.Error()}
	}

	return ReloadAck{
		Success:        true,
		Message:        "backends reloaded",
		BackendsLoaded: len(p.TCPBackends) + len(p.UDPBackends),
	}
}

func (s *Server) drainConnections(p DrainParams) DrainResult {
	timeout := time.Duration(p.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	s.state.BeginDrain()
	before := s.state.ActiveConnectionCount()
	drained := s.state.WaitDrained(timeout)
	after := s.state.ActiveConnectionCount()

	return DrainResult{
		Success:              drained,
		ConnectionsDrained:   before - after,
		ConnectionsRemaining: after,
	}
}
