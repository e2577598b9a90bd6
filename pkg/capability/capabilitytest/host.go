// Package capabilitytest provides a recording capability.Host for unit
// tests.
package capabilitytest

import (
	"context"
	"sync"

	"github.com/servantops/servant-agent/pkg/capability"
	"github.com/servantops/servant-agent/pkg/envelope"
	"github.com/servantops/servant-agent/pkg/telemetry"
	"github.com/servantops/servant-agent/pkg/transaction"
)

// Host records every envelope sent through it.
type Host struct {
	UnitNames []string

	mu   sync.Mutex
	sent []*envelope.Envelope
}

// Send records env.
func (h *Host) Send(ctx context.Context, env *envelope.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, env)
}

// Units returns UnitNames.
func (h *Host) Units() []string {
	return h.UnitNames
}

// Sent returns a copy of the envelopes sent so far.
func (h *Host) Sent() []*envelope.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*envelope.Envelope(nil), h.sent...)
}

// Last returns the most recent envelope, or nil.
func (h *Host) Last() *envelope.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.sent) == 0 {
		return nil
	}
	return h.sent[len(h.sent)-1]
}

// Deps returns factory dependencies backed by h and a local executor.
func Deps(h *Host) capability.Deps {
	tel := telemetry.Nop()
	return capability.Deps{
		Host:      h,
		Executor:  transaction.NewExecutor(transaction.NewLocalHost(tel.Logger, false), transaction.WithTelemetry(tel)),
		Telemetry: tel,
	}
}

// Report returns the report lines of a reply.
func Report(env *envelope.Envelope) []string {
	if env == nil || env.Data == nil {
		return nil
	}
	lines, _ := env.Data["report"].([]string)
	return lines
}
