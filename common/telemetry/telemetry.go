package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chainworks/cascade/common/config"
	"github.com/chainworks/cascade/common/logger"
)

// Telemetry holds observability components: the metric registry plus the
// pprof and /metrics endpoints
type Telemetry struct {
	log *logger.Logger
	cfg config.TelemetryConfig

	registry *prometheus.Registry

	// Engine carries the engine's metric hooks; always usable, even when
	// the /metrics endpoint is disabled
	Engine *EngineMetrics

	pprofServer   *http.Server
	metricsServer *http.Server
}

// New creates telemetry components
func New(cfg config.TelemetryConfig, log *logger.Logger) *Telemetry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Telemetry{
		log:      log,
		cfg:      cfg,
		registry: registry,
		Engine:   NewEngineMetrics(registry),
	}
}

// Registry exposes the underlying registry for additional collectors
func (t *Telemetry) Registry() *prometheus.Registry {
	return t.registry
}

// Start starts the enabled telemetry endpoints
func (t *Telemetry) Start(ctx context.Context) error {
	if t.cfg.EnablePprof {
		// net/http/pprof registers on the default mux
		t.pprofServer = &http.Server{
			Addr:    fmt.Sprintf("localhost:%d", t.cfg.PprofPort),
			Handler: http.DefaultServeMux,
		}
		go func() {
			t.log.Info("pprof server starting", "addr", t.pprofServer.Addr)
			if err := t.pprofServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				t.log.Error("pprof server error", "error", err)
			}
		}()
	}

	if t.cfg.EnableMetrics {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{}))
		t.metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", t.cfg.MetricsPort),
			Handler: mux,
		}
		go func() {
			t.log.Info("metrics server starting", "addr", t.metricsServer.Addr)
			if err := t.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				t.log.Error("metrics server error", "error", err)
			}
		}()
	}

	return nil
}

// Stop shuts the telemetry endpoints down
func (t *Telemetry) Stop(ctx context.Context) error {
	var firstErr error
	if t.pprofServer != nil {
		if err := t.pprofServer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to stop pprof server: %w", err)
		}
	}
	if t.metricsServer != nil {
		if err := t.metricsServer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to stop metrics server: %w", err)
		}
	}
	return firstErr
}

// RecordDuration records operation duration
func (t *Telemetry) RecordDuration(operation string, start time.Time) {
	duration := time.Since(start)
	t.log.Debug("operation completed",
		"operation", operation,
		"duration_ms", duration.Milliseconds(),
	)
}

// RecordEvent records a telemetry event
func (t *Telemetry) RecordEvent(event string, attrs map[string]any) {
	t.log.Info("telemetry_event",
		"event", event,
		"attrs", attrs,
	)
}
