// Package observability exposes relay metrics through a Prometheus scrape
// endpoint. When disabled every method is a cheap no-op.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"mirra/internal/logging"
)

// Config configures the metrics collector.
type Config struct {
	Enabled bool
	Port    int
}

// Metrics manages all collectors for the relay.
type Metrics struct {
	meter metric.Meter

	messagesHandled    metric.Int64Counter
	backendRequests    metric.Int64Counter
	generationFailures metric.Int64Counter
	backendLatency     metric.Float64Histogram
	simulationsActive  metric.Int64UpDownCounter

	server *http.Server
	logger logging.Logger
}

// NewMetrics creates a metrics collector. A disabled config yields a no-op
// collector that is safe to call.
func NewMetrics(config Config, logger logging.Logger) (*Metrics, error) {
	m := &Metrics{logger: logging.OrNop(logger)}
	if !config.Enabled {
		return m, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	meter := provider.Meter("mirra")
	m.meter = meter

	if m.messagesHandled, err = meter.Int64Counter(
		"mirra.messages.handled.total",
		metric.WithDescription("Total inbound messages handled"),
		metric.WithUnit("{message}"),
	); err != nil {
		return nil, fmt.Errorf("create messages counter: %w", err)
	}
	if m.backendRequests, err = meter.Int64Counter(
		"mirra.backend.requests.total",
		metric.WithDescription("Total generation backend requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, fmt.Errorf("create backend requests counter: %w", err)
	}
	if m.generationFailures, err = meter.Int64Counter(
		"mirra.backend.failures.total",
		metric.WithDescription("Total failed generation backend requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, fmt.Errorf("create failures counter: %w", err)
	}
	if m.backendLatency, err = meter.Float64Histogram(
		"mirra.backend.latency",
		metric.WithDescription("Generation backend latency in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create latency histogram: %w", err)
	}
	if m.simulationsActive, err = meter.Int64UpDownCounter(
		"mirra.simulations.active",
		metric.WithDescription("Presence simulations currently running"),
		metric.WithUnit("{simulation}"),
	); err != nil {
		return nil, fmt.Errorf("create simulations gauge: %w", err)
	}

	if config.Port > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promclient.Handler())
		m.server = &http.Server{
			Addr:              fmt.Sprintf(":%d", config.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return m, nil
}

// Serve runs the Prometheus scrape endpoint until ctx is cancelled.
// A no-op when metrics are disabled or no port was configured.
func (m *Metrics) Serve(ctx context.Context) error {
	if m == nil || m.server == nil {
		<-ctx.Done()
		return nil
	}
	errCh := make(chan error, 1)
	go func() {
		m.logger.Info("Metrics endpoint listening on %s", m.server.Addr)
		errCh <- m.server.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = m.server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	}
}

// MessageHandled counts one inbound message.
func (m *Metrics) MessageHandled(ctx context.Context) {
	if m == nil || m.messagesHandled == nil {
		return
	}
	m.messagesHandled.Add(ctx, 1)
}

// ObserveGeneration records one backend round trip.
func (m *Metrics) ObserveGeneration(ctx context.Context, duration time.Duration, success bool) {
	if m == nil || m.backendRequests == nil {
		return
	}
	m.backendRequests.Add(ctx, 1)
	m.backendLatency.Record(ctx, duration.Seconds())
	if !success {
		m.generationFailures.Add(ctx, 1)
	}
}

// SimulationStarted increments the active-simulation gauge.
func (m *Metrics) SimulationStarted(ctx context.Context) {
	if m == nil || m.simulationsActive == nil {
		return
	}
	m.simulationsActive.Add(ctx, 1)
}

// SimulationEnded decrements the active-simulation gauge.
func (m *Metrics) SimulationEnded(ctx context.Context) {
	if m == nil || m.simulationsActive == nil {
		return
	}
	m.simulationsActive.Add(ctx, -1)
}
