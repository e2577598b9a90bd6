// Package agent owns the controller connection: it loads the configured
// units and middlewares, keeps the socket open, feeds every inbound
// envelope through the pipeline and sends replies back.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/servantops/servant-agent/pkg/capability"
	"github.com/servantops/servant-agent/pkg/config"
	"github.com/servantops/servant-agent/pkg/envelope"
	"github.com/servantops/servant-agent/pkg/pipeline"
	"github.com/servantops/servant-agent/pkg/telemetry"
	"github.com/servantops/servant-agent/pkg/transaction"
	"github.com/servantops/servant-agent/pkg/transports"
)

var (
	// ErrNotInitialized is returned by Run before Init succeeded.
	ErrNotInitialized = errors.New("agent is not initialized")
	// ErrMissingMiddleware is returned by Init when a unit depends on a
	// middleware that is not configured.
	ErrMissingMiddleware = errors.New("required middleware is not configured")
	// ErrRunning is returned by Init while a connection is active.
	ErrRunning = errors.New("agent is running")
)

// GreetingEvent is the event sent to the controller when a connection opens.
const GreetingEvent = "Connected"

// DefaultReconnectInterval replaces a non-positive ReconnectInterval.
const DefaultReconnectInterval = config.DefaultReconnectInterval * time.Second

// Options configure a Manager.
type Options struct {
	URL           string
	AutoReconnect bool
	// ReconnectInterval is the constant reconnect delay. Non-positive
	// values mean DefaultReconnectInterval.
	ReconnectInterval time.Duration
	// NewBackOff builds the reconnect delay policy. Nil means a constant
	// ReconnectInterval.
	NewBackOff  func() backoff.BackOff
	Middlewares []config.MiddlewareConfig
	Units       []config.UnitConfig
}

// OptionsFromConfig maps the bootstrap configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		URL:               cfg.URL,
		AutoReconnect:     cfg.AutoReconnect,
		ReconnectInterval: cfg.ReconnectDelay(),
		Middlewares:       cfg.Middlewares,
		Units:             cfg.Units,
	}

	if cfg.Reconnect.Strategy == config.StrategyExponential {
		initial, maxDelay := cfg.ReconnectDelay(), cfg.MaxReconnectDelay()
		opts.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			if initial > 0 {
				b.InitialInterval = initial
			}
			if maxDelay > 0 {
				b.MaxInterval = maxDelay
			}
			b.Reset()
			return b
		}
	}
	return opts
}

// Manager is the connection lifecycle manager. It implements
// capability.Host for the units it loads.
type Manager struct {
	opts     Options
	registry *capability.Registry
	dialer   transports.Dialer
	executor *transaction.Executor
	tel      *telemetry.Telemetry
	log      *telemetry.Logger
	clock    Clock

	mu       sync.Mutex
	state    State
	pipeline *pipeline.Pipeline
	units    []capability.Unit
	closers  []io.Closer
	conn     transports.Conn
	// gen identifies the attached connection. Callbacks carrying an older
	// generation are ignored.
	gen     uint64
	session string
	timer   Timer
	backoff backoff.BackOff
	runCtx  context.Context
}

// Option customizes a Manager.
type Option func(*Manager)

// WithTelemetry sets logging, tracing and metrics.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(m *Manager) {
		m.tel = tel
	}
}

// WithExecutor sets the executor handed to units.
func WithExecutor(x *transaction.Executor) Option {
	return func(m *Manager) {
		m.executor = x
	}
}

// WithClock replaces the clock used for reconnect timers.
func WithClock(c Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// New creates a Manager in the uninitialized state.
func New(opts Options, registry *capability.Registry, dialer transports.Dialer, options ...Option) *Manager {
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = DefaultReconnectInterval
	}
	m := &Manager{
		opts:     opts,
		registry: registry,
		dialer:   dialer,
		tel:      telemetry.Nop(),
		clock:    RealClock(),
		pipeline: pipeline.New(),
		state:    StateUninitialized,
	}
	for _, o := range options {
		o(m)
	}

	m.log = m.tel.Logger.NewComponentLogger("agent")
	if m.executor == nil {
		m.executor = transaction.NewExecutor(transaction.NewLocalHost(m.log, false), transaction.WithTelemetry(m.tel))
	}
	if opts.NewBackOff != nil {
		m.backoff = opts.NewBackOff()
	} else {
		m.backoff = backoff.NewConstantBackOff(opts.ReconnectInterval)
	}
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Units returns the names of the loaded units in registration order.
func (m *Manager) Units() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.units))
	for _, u := range m.units {
		names = append(names, u.Name())
	}
	return names
}

// Pipeline returns the pipeline built by the last Init.
func (m *Manager) Pipeline() *pipeline.Pipeline {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pipeline
}

// SessionID identifies the current connection attempt.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

func (m *Manager) setStateLocked(s State) {
	if m.state != s {
		m.log.Debugf("state %s -> %s", m.state, s)
	}
	m.state = s
	m.tel.Metrics.SetConnectionState(int(s))
}

// Init loads the configured middlewares and units into a fresh pipeline.
// Agent-level middlewares are registered first, then each enabled unit
// followed by the middlewares it ships with. Calling Init again rebuilds
// everything from scratch.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateRunning {
		m.mu.Unlock()
		return ErrRunning
	}
	m.mu.Unlock()

	p := pipeline.New()
	deps := capability.Deps{Host: m, Executor: m.executor, Telemetry: m.tel}

	var closers []io.Closer
	track := func(v interface{}) {
		if c, ok := v.(io.Closer); ok {
			closers = append(closers, c)
		}
	}
	fail := func(err error) error {
		closeAll(m.log, closers)
		return err
	}

	configured := make(map[string]bool, len(m.opts.Middlewares))
	for _, mc := range m.opts.Middlewares {
		factory, err := m.registry.Middleware(mc.Name)
		if err != nil {
			return fail(err)
		}
		mw, err := factory(deps, mc)
		if err != nil {
			return fail(fmt.Errorf("failed to load middleware %s: %w", mc.Name, err))
		}
		track(mw)
		if err := p.Register(mw.Stage(), "", mw.Handle); err != nil {
			return fail(fmt.Errorf("failed to register middleware %s: %w", mc.Name, err))
		}
		configured[strings.ToLower(mc.Name)] = true
		m.log.Infof("Middleware %q loaded on %s", mc.Name, mw.Stage())
	}

	var units []capability.Unit
	for _, uc := range m.opts.Units {
		if !uc.IsEnabled() {
			m.log.Infof("Unit %q is disabled", uc.Name)
			continue
		}

		factory, err := m.registry.Unit(uc.Name)
		if err != nil {
			return fail(err)
		}

		for _, dep := range uc.Depends.Middlewares {
			if !configured[strings.ToLower(dep)] {
				return fail(fmt.Errorf("%w: unit %s requires %s", ErrMissingMiddleware, uc.Name, dep))
			}
		}

		loaded, err := factory(deps, uc)
		if err != nil {
			return fail(fmt.Errorf("failed to load unit %s: %w", uc.Name, err))
		}
		if loaded == nil || loaded.Unit == nil {
			return fail(fmt.Errorf("unit factory %s returned no unit", uc.Name))
		}

		u := loaded.Unit
		track(u)
		if err := p.Register(pipeline.StageHandled, u.Name(), u.Handle); err != nil {
			return fail(fmt.Errorf("failed to register unit %s: %w", u.Name(), err))
		}
		for _, mw := range loaded.Middlewares {
			track(mw)
			if err := p.Register(mw.Stage(), "", mw.Handle); err != nil {
				return fail(fmt.Errorf("failed to register middleware of unit %s: %w", u.Name(), err))
			}
		}
		units = append(units, u)
		m.log.WithUnit(u.Name(), u.Version()).Infof("Unit %q loaded", u.Name())
	}

	m.mu.Lock()
	previous := m.closers
	m.pipeline = p
	m.units = units
	m.closers = closers
	if m.state == StateUninitialized {
		m.setStateLocked(StateInitialized)
	}
	m.mu.Unlock()

	closeAll(m.log, previous)
	return nil
}

// Close shuts the manager down and releases units and middlewares that
// hold resources.
func (m *Manager) Close() error {
	m.Shutdown()

	m.mu.Lock()
	closers := m.closers
	m.closers = nil
	m.mu.Unlock()

	return closeAll(m.log, closers)
}

func closeAll(log *telemetry.Logger, closers []io.Closer) error {
	var errs []error
	for _, c := range closers {
		if err := c.Close(); err != nil {
			log.WithError(err).Warn("Failed to release resources")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run attaches a new connection and dials the controller in the
// background. The outcome is delivered to the open, message, error and
// close callbacks of that connection.
func (m *Manager) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.state == StateUninitialized {
		m.mu.Unlock()
		return ErrNotInitialized
	}

	m.stopTimerLocked()
	m.detachLocked()

	m.runCtx = ctx
	m.gen++
	gen := m.gen
	m.session = uuid.NewString()
	m.setStateLocked(StateRunning)
	session := m.session
	m.mu.Unlock()

	m.log.WithSession(session).Infof("Connecting to %s", m.opts.URL)
	go m.connect(ctx, gen, session)
	return nil
}

// Serve runs the manager until ctx is cancelled, then shuts it down.
func (m *Manager) Serve(ctx context.Context) error {
	if err := m.Run(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	m.Shutdown()
	return nil
}

// Dispose detaches and closes the current connection and marks the
// manager stopped. It is safe to call at any time.
func (m *Manager) Dispose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detachLocked()
	if m.state != StateUninitialized {
		m.setStateLocked(StateStopped)
	}
}

// Shutdown cancels any pending reconnect and disposes the connection.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.stopTimerLocked()
	m.mu.Unlock()
	m.Dispose()
	m.log.Info("Agent stopped")
}

// detachLocked invalidates the current generation and closes its socket.
func (m *Manager) detachLocked() {
	m.gen++
	if m.conn != nil {
		conn := m.conn
		m.conn = nil
		go func() {
			if err := conn.Close(); err != nil {
				m.log.WithError(err).Debug("close failed")
			}
		}()
	}
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) isCurrent(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen
}

func (m *Manager) connect(ctx context.Context, gen uint64, session string) {
	dialCtx, span := m.tel.Tracer.StartConnectSpan(ctx, m.opts.URL, session)
	conn, err := m.dialer.Dial(dialCtx, m.opts.URL)
	if err != nil {
		telemetry.RecordError(span, err)
		span.End()
		m.onError(gen, err)
		return
	}
	telemetry.RecordSuccess(span)
	span.End()

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	m.conn = conn
	m.mu.Unlock()

	m.onOpen(gen, conn)
	m.readLoop(ctx, gen, conn)
}

func (m *Manager) readLoop(ctx context.Context, gen uint64, conn transports.Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if transports.IsClose(err) {
				m.onClose(gen, err)
			} else {
				m.onError(gen, err)
			}
			return
		}
		if !m.isCurrent(gen) {
			return
		}
		m.onMessage(ctx, data)
	}
}

func (m *Manager) onOpen(gen uint64, conn transports.Conn) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.backoff.Reset()
	m.mu.Unlock()

	m.log.Infof("Connected to %s", transports.ClientAddress(conn))

	greeting := envelope.New(envelope.AnyModule, "0.0", GreetingEvent, nil, nil)
	if err := transports.SendEnvelope(conn, greeting); err != nil {
		m.log.WithError(err).Error("Failed to send greeting")
	}
}

func (m *Manager) onError(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	m.log.WithError(err).Error("Connection error")
	m.detachLocked()
	m.setStateLocked(StateError)
	m.scheduleReconnectLocked()
}

func (m *Manager) onClose(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	m.log.Infof("Connection closed: %v", err)
	m.detachLocked()
	m.setStateLocked(StateStopped)
	m.scheduleReconnectLocked()
}

func (m *Manager) scheduleReconnectLocked() {
	if !m.opts.AutoReconnect {
		m.log.Warn("Auto reconnect is disabled, staying disconnected")
		return
	}

	delay := m.backoff.NextBackOff()
	if delay == backoff.Stop {
		delay = m.opts.ReconnectInterval
	}

	ctx := m.runCtx
	m.stopTimerLocked()
	m.timer = m.clock.AfterFunc(delay, func() {
		if err := m.Run(ctx); err != nil {
			m.log.WithError(err).Warn("Reconnect aborted")
		}
	})
	m.tel.Metrics.RecordReconnect()
	m.log.Infof("Reconnecting in %s", delay)
}

// onMessage runs one inbound message through the received and handled
// lanes. Failures are logged and the message is dropped.
func (m *Manager) onMessage(ctx context.Context, data []byte) {
	env, err := envelope.Decode(data)
	if err != nil {
		m.tel.Metrics.RecordDecodeError()
		m.log.WithError(err).Error("Dropping undecodable message")
		return
	}

	log := m.log.WithEnvelope(env.Module, env.Event)
	m.tel.Metrics.RecordEnvelopeReceived(env.Module, env.Event)

	ctx, span := m.tel.Tracer.StartDispatchSpan(ctx, env.Module, env.Event)
	defer span.End()

	p := m.Pipeline()
	if err := p.DispatchUnconditional(ctx, pipeline.StageReceived, env); err != nil {
		m.tel.Metrics.RecordPipelineError(string(pipeline.StageReceived))
		telemetry.RecordError(span, err)
		log.WithError(err).Error("Received stage rejected message")
		return
	}

	if !m.hasUnit(env.Module) && !strings.EqualFold(env.Module, envelope.AnyModule) {
		log.Warn("No unit handles this module")
	}

	if err := p.DispatchRouted(ctx, pipeline.StageHandled, env.Module, env); err != nil {
		m.tel.Metrics.RecordPipelineError(string(pipeline.StageHandled))
		telemetry.RecordError(span, err)
		log.WithError(err).Error("Handled stage failed")
		return
	}
	telemetry.RecordSuccess(span)
}

func (m *Manager) hasUnit(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.units {
		if strings.EqualFold(u.Name(), name) {
			return true
		}
	}
	return false
}

// Send runs env through the send lane and writes it to the controller.
// Failures are logged; the caller is never told.
func (m *Manager) Send(ctx context.Context, env *envelope.Envelope) {
	log := m.log.WithEnvelope(env.Module, env.Event)

	if err := m.Pipeline().DispatchUnconditional(ctx, pipeline.StageSend, env); err != nil {
		m.tel.Metrics.RecordPipelineError(string(pipeline.StageSend))
		m.tel.Metrics.RecordEnvelopeSent(env.Module, env.Event, "rejected")
		log.WithError(err).Error("Send stage rejected message")
		return
	}

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if err := transports.SendEnvelope(conn, env); err != nil {
		m.tel.Metrics.RecordEnvelopeSent(env.Module, env.Event, "failed")
		log.WithError(err).Error("Failed to send message")
		return
	}
	m.tel.Metrics.RecordEnvelopeSent(env.Module, env.Event, "ok")
}
