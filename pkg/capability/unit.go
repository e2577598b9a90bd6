// Package capability defines the contract between the connection manager
// and the units that act on the host, plus the helper every unit uses to
// run a forward sequence with rollback and report the outcome.
package capability

import (
	"context"

	"github.com/servantops/servant-agent/pkg/envelope"
	"github.com/servantops/servant-agent/pkg/pipeline"
	"github.com/servantops/servant-agent/pkg/telemetry"
	"github.com/servantops/servant-agent/pkg/transaction"
)

// Unit is a named, versioned handler for the envelopes addressed to it.
type Unit interface {
	Name() string
	Version() string
	Handle(ctx context.Context, env *envelope.Envelope) error
}

// Sender delivers envelopes to the controller. Delivery is fire-and-forget:
// failures are logged by the sender and never reported back.
type Sender interface {
	Send(ctx context.Context, env *envelope.Envelope)
}

// Host is what the connection manager exposes to units and middlewares.
type Host interface {
	Sender
	// Units returns the names of the loaded units in registration order.
	Units() []string
}

// Middleware runs on one pipeline stage for every envelope of that stage.
type Middleware interface {
	Stage() pipeline.Stage
	Handle(ctx context.Context, env *envelope.Envelope) error
}

// MiddlewareFunc adapts a function to Middleware.
type MiddlewareFunc struct {
	On pipeline.Stage
	Fn func(ctx context.Context, env *envelope.Envelope) error
}

// Stage returns the stage the middleware is registered on.
func (m MiddlewareFunc) Stage() pipeline.Stage { return m.On }

// Handle calls Fn.
func (m MiddlewareFunc) Handle(ctx context.Context, env *envelope.Envelope) error {
	return m.Fn(ctx, env)
}

// Loaded is what a unit factory returns: the unit and the middlewares it
// ships with.
type Loaded struct {
	Unit        Unit
	Middlewares []Middleware
}

// Deps are handed to every factory.
type Deps struct {
	Host      Host
	Executor  *transaction.Executor
	Telemetry *telemetry.Telemetry
}

// Logger returns a component logger named after owner.
func (d Deps) Logger(owner string) *telemetry.Logger {
	if d.Telemetry == nil {
		return telemetry.NewNopLogger()
	}
	return d.Telemetry.Logger.NewComponentLogger(owner)
}
