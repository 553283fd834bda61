// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Command dataplane runs the L4 proxy process: TCP and UDP engines, the
// Prometheus metrics endpoint, health/readiness endpoints, and the
// control-plane websocket surface, all supervised by one errgroup and
// shut down together on SIGINT/SIGTERM (spec.md §2 System Overview,
// generalized from absmach-mproxy/cmd/production/main.go).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/l4proxy/dataplane/pkg/backend"
	"github.com/l4proxy/dataplane/pkg/health"
	"github.com/l4proxy/dataplane/pkg/metrics"
	"github.com/l4proxy/dataplane/pkg/nat"
	"github.com/l4proxy/dataplane/pkg/rpc"
	"github.com/l4proxy/dataplane/pkg/state"
	"github.com/l4proxy/dataplane/pkg/tcpproxy"
	"github.com/l4proxy/dataplane/pkg/udpproxy"
)

// Config holds the process-level configuration. Backend membership and
// most traffic-shaping knobs are expected to arrive over the
// control-plane UpdateConfig call once the process is up; these
// env-driven values seed a bootstrap configuration so the data plane is
// already serving before a control plane connects.
type Config struct {
	TCPAddress string `env:"TCP_ADDRESS" envDefault:":9000"`
	UDPAddress string `env:"UDP_ADDRESS" envDefault:":9001"`

	MetricsPort int `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int `env:"HEALTH_PORT"  envDefault:"8080"`
	RPCPort     int `env:"RPC_PORT"     envDefault:"8081"`

	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// InitialBackends is a comma-separated "host:port" list used to seed
	// the TCP backend pool before any control-plane UpdateConfig arrives.
	InitialBackends string `env:"INITIAL_BACKENDS" envDefault:""`
	Algorithm       string `env:"ALGORITHM"        envDefault:"round_robin"`
	SessionAffinity bool   `env:"SESSION_AFFINITY" envDefault:"false"`

	RateLimitRPS   int64 `env:"RATE_LIMIT_RPS"   envDefault:"1000"`
	RateLimitBurst int64 `env:"RATE_LIMIT_BURST" envDefault:"1000"`

	ConnectTimeout time.Duration `env:"CONNECT_TIMEOUT" envDefault:"5s"`
	IdleTimeout    time.Duration `env:"IDLE_TIMEOUT"    envDefault:"5m"`
	ReadTimeout    time.Duration `env:"READ_TIMEOUT"    envDefault:"60s"`

	CircuitBreakerThreshold int           `env:"BREAKER_THRESHOLD" envDefault:"5"`
	CircuitBreakerTimeout   time.Duration `env:"BREAKER_TIMEOUT"   envDefault:"30s"`
	MaxRetries              int           `env:"MAX_RETRIES"       envDefault:"2"`

	MaxUDPSessions int           `env:"MAX_UDP_SESSIONS" envDefault:"100000"`
	UDPSessionTTL  time.Duration `env:"UDP_SESSION_TTL"  envDefault:"60s"`
	UDPSweepPeriod time.Duration `env:"UDP_SWEEP_PERIOD" envDefault:"10s"`

	MaxGoroutines   int           `env:"MAX_GOROUTINES"   envDefault:"50000"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// EnableConnectionPool opts the TCP engine into reusing idle upstream
	// connections per backend instead of dialing fresh on every flow.
	EnableConnectionPool bool `env:"ENABLE_CONNECTION_POOL" envDefault:"false"`
}

func main() {
	if err := godotenv.Load(); err != nil {
		// a missing .env file is not an error; env vars may come from
		// the process environment directly
	}

	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting data plane",
		slog.String("tcp_address", cfg.TCPAddress),
		slog.String("udp_address", cfg.UDPAddress))

	metricsRegistry := metrics.New("l4proxy", func() float64 { return float64(runtime.NumGoroutine()) })

	natTable := nat.NewTable(cfg.MaxUDPSessions, logger)
	proxyState := state.New(natTable, metricsRegistry, logger)

	if err := bootstrapConfig(proxyState, cfg); err != nil {
		logger.Error("bootstrap configuration failed", slog.Any("error", err))
		os.Exit(1)
	}

	healthChecker := buildHealthChecker(proxyState, natTable, cfg, metricsRegistry)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return runMetricsServer(gctx, cfg.MetricsPort, logger) })
	g.Go(func() error { return runHealthServer(gctx, cfg.HealthPort, healthChecker, logger) })
	g.Go(func() error { return runRPCServer(gctx, cfg.RPCPort, proxyState, logger) })

	g.Go(func() error {
		natTable.RunSweeper(gctx, cfg.UDPSessionTTL, cfg.UDPSweepPeriod)
		return nil
	})

	tcpServer, err := tcpproxy.NewServer(cfg.TCPAddress, proxyState, logger)
	if err != nil {
		logger.Error("failed to bind tcp listener", slog.Any("error", err))
		os.Exit(1)
	}
	g.Go(func() error { return tcpServer.Serve(gctx) })

	udpServer, err := udpproxy.NewServer(cfg.UDPAddress, proxyState, logger)
	if err != nil {
		logger.Error("failed to bind udp listener", slog.Any("error", err))
		os.Exit(1)
	}
	g.Go(func() error { return udpServer.Serve(gctx) })

	<-gctx.Done()
	logger.Info("shutdown signal received, draining")

	proxyState.BeginDrain()
	tcpServer.Close()
	udpServer.Close()

	if !proxyState.WaitDrained(cfg.ShutdownTimeout) {
		logger.Warn("shutdown timeout exceeded, forcing exit",
			slog.Int("remaining_connections", proxyState.ActiveConnectionCount()))
	}

	stop()
	if err := g.Wait(); err != nil && gctx.Err() == nil {
		logger.Error("data plane exited with error", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("graceful shutdown complete")
}

// bootstrapConfig applies an initial ProxyConfig from env vars so the
// proxy can accept flows before any control-plane client connects.
func bootstrapConfig(st *state.ProxyState, cfg Config) error {
	backends, err := parseBackends(cfg.InitialBackends)
	if err != nil {
		return err
	}

	return st.ApplyConfig(state.ProxyConfig{
		TCPAddress:              cfg.TCPAddress,
		UDPAddress:              cfg.UDPAddress,
		TCPBackends:             backends,
		UDPBackends:             backends,
		Algorithm:               cfg.Algorithm,
		SessionAffinity:         cfg.SessionAffinity,
		RateLimitRPS:            cfg.RateLimitRPS,
		RateLimitBurst:          cfg.RateLimitBurst,
		ConnectTimeout:          cfg.ConnectTimeout,
		IdleTimeout:             cfg.IdleTimeout,
		ReadTimeout:             cfg.ReadTimeout,
		CircuitBreakerThreshold: cfg.CircuitBreakerThreshold,
		CircuitBreakerTimeout:   cfg.CircuitBreakerTimeout,
		MaxRetries:              cfg.MaxRetries,
		UDPSessionTTL:           cfg.UDPSessionTTL,
		MaxUDPSessions:          cfg.MaxUDPSessions,
		EnableConnectionPool:    cfg.EnableConnectionPool,
	})
}

func parseBackends(raw string) ([]backend.Backend, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	parts := strings.Split(raw, ",")
	out := make([]backend.Backend, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, backend.Backend{Address: p, Weight: backend.DefaultWeight, Healthy: true})
	}
	return out, nil
}

func buildHealthChecker(st *state.ProxyState, natTable *nat.Table, cfg Config, m *metrics.Registry) *health.Checker {
	checker := health.NewChecker(10 * time.Second)

	checker.Register("goroutines", func(_ context.Context) error {
		count := runtime.NumGoroutine()
		if count > cfg.MaxGoroutines {
			return fmt.Errorf("too many goroutines: %d > %d", count, cfg.MaxGoroutines)
		}
		return nil
	})

	checker.Register("memory", func(_ context.Context) error {
		var stats runtime.MemStats
		runtime.ReadMemStats(&stats)
		return nil
	})

	checker.Register("udp_sessions", func(_ context.Context) error {
		count := natTable.Count()
		m.ActiveSessions.Set(float64(count))
		if cfg.MaxUDPSessions > 0 && count >= cfg.MaxUDPSessions {
			return fmt.Errorf("udp session table at capacity: %d >= %d", count, cfg.MaxUDPSessions)
		}
		return nil
	})

	checker.Register("configured", func(_ context.Context) error {
		_, err := st.Current()
		return err
	})

	return checker
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func runMetricsServer(ctx context.Context, port int, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return runHTTPServer(ctx, port, mux, "metrics", logger)
}

func runHealthServer(ctx context.Context, port int, checker *health.Checker, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", checker.HTTPHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.HandleFunc("/live", health.LivenessHandler())
	return runHTTPServer(ctx, port, mux, "health", logger)
}

func runRPCServer(ctx context.Context, port int, st *state.ProxyState, logger *slog.Logger) error {
	server := rpc.NewServer(st, logger)
	mux := http.NewServeMux()
	mux.Handle("/control", server.Handler())
	return runHTTPServer(ctx, port, mux, "rpc", logger)
}

func runHTTPServer(ctx context.Context, port int, mux *http.ServeMux, name string, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(fmt.Sprintf("starting %s server", name), slog.String("address", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	}
}
