package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "default", mutate: func(c *Config) {}},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "bad exporter", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}, wantErr: true},
		{name: "bad sampling", mutate: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: true},
		{name: "metrics without address", mutate: func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.ListenAddress = ""
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMetricsDisabledIsSafe(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	require.NoError(t, err)

	m.RecordEnvelopeReceived("nginx", "Create")
	m.RecordEnvelopeSent("nginx", "Create", "ok")
	m.RecordDecodeError()
	m.RecordPipelineError("message-received")
	m.RecordSequence("strict", "ok", time.Second)
	m.RecordReconnect()
	m.SetConnectionState(2)

	assert.Nil(t, m.Registry())
	require.NoError(t, m.ServeMetrics(context.Background()))
}

func TestMetricsHandler(t *testing.T) {
	cfg := DefaultConfig().Metrics
	cfg.Enabled = true
	m, err := NewMetrics(cfg)
	require.NoError(t, err)

	m.RecordEnvelopeReceived("nginx", "Create")
	m.RecordSequence("strict", "failed", 50*time.Millisecond)
	m.SetConnectionState(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)
	assert.True(t, strings.Contains(text, `servant_envelopes_received_total{event="Create",module="nginx"} 1`), text)
	assert.Contains(t, text, `servant_sequences_total{mode="strict",status="failed"} 1`)
	assert.Contains(t, text, "servant_connection_state 2")
}

func TestStartOperation(t *testing.T) {
	tel := Nop()
	ctx := tel.WithContext(context.Background())

	op := StartOperation(ctx, "sequence.run")
	require.NotNil(t, op.Span)
	op.End(errors.New("boom"))

	bare := StartOperation(context.Background(), "noop")
	assert.Nil(t, bare.Span)
	bare.End(nil)
}

func TestLoggerFields(t *testing.T) {
	var sb strings.Builder
	l, err := NewLogger(LoggingConfig{Level: "debug", Format: "json", Output: "stderr"})
	require.NoError(t, err)
	l.zlog = l.zlog.Output(&sb)

	l.NewComponentLogger("agent").WithEnvelope("nginx", "Create").WithSession("s-1").Info("dispatching")

	out := sb.String()
	assert.Contains(t, out, `"component":"agent"`)
	assert.Contains(t, out, `"module":"nginx"`)
	assert.Contains(t, out, `"session_id":"s-1"`)
}
