package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the agent.
type Metrics struct {
	config MetricsConfig

	// Envelope metrics
	envelopesReceived *prometheus.CounterVec
	envelopesSent     *prometheus.CounterVec
	decodeErrors      prometheus.Counter

	// Pipeline metrics
	pipelineErrors *prometheus.CounterVec

	// Sequence metrics
	sequences        *prometheus.CounterVec
	sequenceDuration *prometheus.HistogramVec

	// Connection metrics
	reconnects      prometheus.Counter
	connectionState prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		envelopesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "envelopes_received_total",
				Help:      "Total number of envelopes received from the controller",
			},
			[]string{"module", "event"},
		),
		envelopesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "envelopes_sent_total",
				Help:      "Total number of envelopes sent to the controller",
			},
			[]string{"module", "event", "status"},
		),
		decodeErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decode_errors_total",
				Help:      "Total number of inbound messages that failed to decode",
			},
		),

		pipelineErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_errors_total",
				Help:      "Total number of handler failures per pipeline stage",
			},
			[]string{"stage"},
		),

		sequences: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sequences_total",
				Help:      "Total number of step sequences executed",
			},
			[]string{"mode", "status"},
		),
		sequenceDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sequence_duration_seconds",
				Help:      "Duration of step sequence execution in seconds",
				Buckets:   buckets,
			},
			[]string{"mode"},
		),

		reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconnects_total",
				Help:      "Total number of scheduled reconnect attempts",
			},
		),
		connectionState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connection_state",
				Help:      "Current connection state (0=uninitialized 1=initialized 2=running 3=stopped 4=error)",
			},
		),
	}

	registry.MustRegister(
		m.envelopesReceived,
		m.envelopesSent,
		m.decodeErrors,
		m.pipelineErrors,
		m.sequences,
		m.sequenceDuration,
		m.reconnects,
		m.connectionState,
	)

	return m, nil
}

// Envelope Metrics

// RecordEnvelopeReceived counts a decoded inbound envelope.
func (m *Metrics) RecordEnvelopeReceived(module, event string) {
	if m == nil || m.envelopesReceived == nil {
		return
	}
	m.envelopesReceived.WithLabelValues(module, event).Inc()
}

// RecordEnvelopeSent counts an outbound envelope with its delivery status.
func (m *Metrics) RecordEnvelopeSent(module, event, status string) {
	if m == nil || m.envelopesSent == nil {
		return
	}
	m.envelopesSent.WithLabelValues(module, event, status).Inc()
}

// RecordDecodeError counts an inbound message that could not be decoded.
func (m *Metrics) RecordDecodeError() {
	if m == nil || m.decodeErrors == nil {
		return
	}
	m.decodeErrors.Inc()
}

// Pipeline Metrics

// RecordPipelineError counts a handler failure in a stage.
func (m *Metrics) RecordPipelineError(stage string) {
	if m == nil || m.pipelineErrors == nil {
		return
	}
	m.pipelineErrors.WithLabelValues(stage).Inc()
}

// Sequence Metrics

// RecordSequence records a finished step sequence. Mode is "strict" or
// "best_effort".
func (m *Metrics) RecordSequence(mode, status string, duration time.Duration) {
	if m == nil || m.sequences == nil {
		return
	}
	m.sequences.WithLabelValues(mode, status).Inc()
	m.sequenceDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// Connection Metrics

// RecordReconnect counts a scheduled reconnect.
func (m *Metrics) RecordReconnect() {
	if m == nil || m.reconnects == nil {
		return
	}
	m.reconnects.Inc()
}

// SetConnectionState publishes the numeric connection state.
func (m *Metrics) SetConnectionState(state int) {
	if m == nil || m.connectionState == nil {
		return
	}
	m.connectionState.Set(float64(state))
}

// Registry returns the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// ServeMetrics serves the metrics endpoint until ctx is cancelled. It
// returns nil immediately when metrics are disabled.
func (m *Metrics) ServeMetrics(ctx context.Context) error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
