// Package app assembles the runtime and its supporting services with fx.
// The caller supplies the loaded *config.Config; everything else is built
// from it.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/fxnlabs/dpuvec/internal/config"
	"github.com/fxnlabs/dpuvec/internal/device"
	"github.com/fxnlabs/dpuvec/internal/logger"
	"github.com/fxnlabs/dpuvec/internal/metrics"
	"github.com/fxnlabs/dpuvec/internal/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Module = fx.Module("dpuvec",
	fx.Provide(
		logger.NewLogger,
		NewRegistry,
		metrics.NewMetrics,
		NewOpener,
		NewRuntime,
		NewMetricsServer,
	),
	fx.Invoke(func(*MetricsServer) {}),
)

// Options returns the full option set for cfg, including fx's own logging
// routed through zap at debug level.
func Options(cfg *config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		Module,
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			zl := &fxevent.ZapLogger{Logger: l.Named("fx")}
			zl.UseLogLevel(zapcore.DebugLevel)
			return zl
		}),
	)
}

// New builds an application around cfg. Extra options, typically
// fx.Populate, are appended.
func New(cfg *config.Config, opts ...fx.Option) *fx.App {
	return fx.New(append([]fx.Option{Options(cfg)}, opts...)...)
}

type RegistryResult struct {
	fx.Out

	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// NewRegistry creates a private registry carrying the Go and process
// collectors alongside the runtime's own metrics.
func NewRegistry() RegistryResult {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return RegistryResult{Registerer: reg, Gatherer: reg}
}

func NewOpener(cfg *config.Config, log *zap.Logger) (device.Opener, error) {
	return device.NewOpener(cfg.Runtime.Backend, device.SimulatorConfig{
		UnitCapacity: cfg.Runtime.UnitCapacity,
		Lanes:        cfg.Simulator.Lanes,
	}, log.Named("device"))
}

// NewRuntime creates the runtime context. Units are acquired lazily on first
// use and released when the application stops.
func NewRuntime(lc fx.Lifecycle, cfg *config.Config, opener device.Opener, log *zap.Logger, m *metrics.Metrics) *runtime.Context {
	rt := runtime.New(runtime.OptionsFromConfig(cfg), opener, log.Named("runtime"), m)
	lc.Append(fx.Hook{
		OnStop: rt.Shutdown,
	})
	return rt
}

// MetricsServer exposes /metrics over HTTP when metrics.listenAddress is set.
type MetricsServer struct {
	log  *zap.Logger
	srv  *http.Server
	mu   sync.Mutex
	addr net.Addr
}

func NewMetricsServer(lc fx.Lifecycle, cfg *config.Config, m *metrics.Metrics, g prometheus.Gatherer, log *zap.Logger) *MetricsServer {
	s := &MetricsServer{log: log.Named("metrics")}
	if cfg.Metrics.ListenAddress == "" {
		return s
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler(g))
	s.srv = &http.Server{
		Addr:              cfg.Metrics.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", s.srv.Addr)
			if err != nil {
				return err
			}
			s.mu.Lock()
			s.addr = ln.Addr()
			s.mu.Unlock()

			s.log.Info("Serving metrics", zap.Stringer("address", ln.Addr()))
			go func() {
				if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					s.log.Error("Metrics server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return s.srv.Shutdown(ctx)
		},
	})
	return s
}

// Addr returns the bound listen address, or "" if the server is not running.
func (s *MetricsServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addr == nil {
		return ""
	}
	return s.addr.String()
}
