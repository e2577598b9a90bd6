// Package pipeline implements the three-lane middleware chain every
// envelope passes through: received, handled and send.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/servantops/servant-agent/pkg/envelope"
)

// Stage names a lane of the pipeline.
type Stage string

const (
	// StageReceived sees every decoded inbound envelope.
	StageReceived Stage = "message-received"
	// StageHandled holds the capability units, routed by module.
	StageHandled Stage = "message-handled"
	// StageSend sees every outbound envelope before it is written.
	StageSend Stage = "message-send"
)

// AnyRoute registers a handler that runs for every route.
const AnyRoute = envelope.AnyModule

var (
	// ErrUnknownStage is returned when registering or dispatching on a
	// stage that does not exist.
	ErrUnknownStage = errors.New("unknown pipeline stage")
	// ErrPanic marks a handler that panicked.
	ErrPanic = errors.New("handler panicked")
)

// Stages lists the lanes in the order an envelope can visit them.
func Stages() []Stage {
	return []Stage{StageReceived, StageHandled, StageSend}
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StageReceived, StageHandled, StageSend:
		return true
	}
	return false
}

// ParseStage converts a configured stage name.
func ParseStage(name string) (Stage, error) {
	s := Stage(strings.ToLower(strings.TrimSpace(name)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStage, name)
	}
	return s, nil
}

// Handler processes an envelope in a lane. Handlers may modify the
// envelope; a returned error stops the rest of the pass.
type Handler func(ctx context.Context, env *envelope.Envelope) error

// HandlerError reports which handler stopped a dispatch pass.
type HandlerError struct {
	Stage Stage
	Route string
	// Index is the position of the handler in its lane.
	Index int
	Err   error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s handler %d (route %q): %v", e.Stage, e.Index, e.Route, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

type layer struct {
	route   string
	handler Handler
}

func (l layer) unconditional() bool {
	return l.route == "" || strings.EqualFold(l.route, AnyRoute)
}

// Pipeline holds the ordered handlers of each lane.
type Pipeline struct {
	mu    sync.RWMutex
	lanes map[Stage][]layer
}

// New creates an empty pipeline.
func New() *Pipeline {
	p := &Pipeline{}
	p.Reset()
	return p
}

// Reset removes every registered handler.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lanes = make(map[Stage][]layer, 3)
	for _, s := range Stages() {
		p.lanes[s] = nil
	}
}

// Register appends h to stage. An empty route, or AnyRoute, makes the
// handler run for every envelope of the stage.
func (p *Pipeline) Register(stage Stage, route string, h Handler) error {
	if !stage.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStage, stage)
	}
	if h == nil {
		return fmt.Errorf("nil handler for stage %s", stage)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.lanes[stage] = append(p.lanes[stage], layer{route: route, handler: h})
	return nil
}

// Len returns the number of handlers registered on stage.
func (p *Pipeline) Len(stage Stage) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.lanes[stage])
}

func (p *Pipeline) snapshot(stage Stage) ([]layer, error) {
	if !stage.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStage, stage)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]layer(nil), p.lanes[stage]...), nil
}

// DispatchUnconditional runs every handler of stage in registration order.
// The first failure ends the pass and is returned.
func (p *Pipeline) DispatchUnconditional(ctx context.Context, stage Stage, env *envelope.Envelope) error {
	layers, err := p.snapshot(stage)
	if err != nil {
		return err
	}

	for i, l := range layers {
		if err := call(ctx, l.handler, env); err != nil {
			return &HandlerError{Stage: stage, Route: l.route, Index: i, Err: err}
		}
	}
	return nil
}

// DispatchRouted runs, in registration order, the handlers of stage whose
// route equals route (case-insensitively) and the unconditional ones.
// The first failure, including a panic, ends the pass and is returned.
func (p *Pipeline) DispatchRouted(ctx context.Context, stage Stage, route string, env *envelope.Envelope) error {
	layers, err := p.snapshot(stage)
	if err != nil {
		return err
	}

	for i, l := range layers {
		if !l.unconditional() && !strings.EqualFold(l.route, route) {
			continue
		}
		if err := call(ctx, l.handler, env); err != nil {
			return &HandlerError{Stage: stage, Route: l.route, Index: i, Err: err}
		}
	}
	return nil
}

func call(ctx context.Context, h Handler, env *envelope.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return h(ctx, env)
}
