package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/servantops/servant-agent/pkg/capability"
	"github.com/servantops/servant-agent/pkg/config"
	"github.com/servantops/servant-agent/pkg/envelope"
	"github.com/servantops/servant-agent/pkg/pipeline"
	"github.com/servantops/servant-agent/pkg/policy"
	"github.com/servantops/servant-agent/pkg/transports"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type harness struct {
	manager *Manager
	dialer  *fakeDialer
	clock   *FakeClock
	unit    *echoUnit
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		dialer: newFakeDialer(),
		clock:  NewFakeClock(time.Unix(0, 0)),
		unit:   &echoUnit{},
	}
	if opts.URL == "" {
		opts.URL = "ws://controller.test:8010"
	}
	h.manager = New(opts, newTestRegistry(h.unit), h.dialer, WithClock(h.clock))
	t.Cleanup(h.manager.Shutdown)
	return h
}

func defaultOptions() Options {
	return Options{
		AutoReconnect:     true,
		ReconnectInterval: 5 * time.Second,
		Middlewares:       []config.MiddlewareConfig{{Name: "guard"}},
		Units:             []config.UnitConfig{{Name: "echo"}},
	}
}

func (h *harness) nextConn(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-h.dialer.dialed:
		return c
	case <-time.After(waitFor):
		t.Fatal("no connection dialed")
		return nil
	}
}

func (h *harness) noDial(t *testing.T) {
	t.Helper()
	select {
	case <-h.dialer.dialed:
		t.Fatal("unexpected dial")
	case <-time.After(20 * time.Millisecond):
	}
}

func waitGreeting(t *testing.T, c *fakeConn) {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.Written()) >= 1 }, waitFor, tick)
	greeting := c.Written()[0]
	assert.Equal(t, envelope.New(envelope.AnyModule, "0.0", GreetingEvent, nil, nil), greeting)
}

func TestRunBeforeInit(t *testing.T) {
	h := newHarness(t, defaultOptions())

	err := h.manager.Run(context.Background())
	assert.True(t, errors.Is(err, ErrNotInitialized))
	assert.Equal(t, StateUninitialized, h.manager.State())
}

func TestInitTwiceDoesNotDuplicateHandlers(t *testing.T) {
	h := newHarness(t, defaultOptions())
	ctx := context.Background()

	require.NoError(t, h.manager.Init(ctx))
	require.NoError(t, h.manager.Init(ctx))

	p := h.manager.Pipeline()
	assert.Equal(t, 1, p.Len(pipeline.StageReceived))
	assert.Equal(t, 1, p.Len(pipeline.StageHandled))
	assert.Equal(t, 1, p.Len(pipeline.StageSend))
	assert.Equal(t, []string{"echo"}, h.manager.Units())
	assert.Equal(t, StateInitialized, h.manager.State())
}

func TestInitErrors(t *testing.T) {
	disabled := false

	tests := []struct {
		name      string
		opts      Options
		wantErr   error
		wantUnits []string
	}{
		{
			name:    "unknown unit",
			opts:    Options{Units: []config.UnitConfig{{Name: "nginx"}}},
			wantErr: capability.ErrUnknownUnit,
		},
		{
			name:    "unknown middleware",
			opts:    Options{Middlewares: []config.MiddlewareConfig{{Name: "policy"}}},
			wantErr: capability.ErrUnknownMiddleware,
		},
		{
			name: "missing dependency",
			opts: Options{Units: []config.UnitConfig{{
				Name:    "echo",
				Depends: config.Depends{Middlewares: []string{"guard"}},
			}}},
			wantErr: ErrMissingMiddleware,
		},
		{
			name: "satisfied dependency",
			opts: Options{
				Middlewares: []config.MiddlewareConfig{{Name: "Guard"}},
				Units: []config.UnitConfig{{
					Name:    "echo",
					Depends: config.Depends{Middlewares: []string{"guard"}},
				}},
			},
			wantUnits: []string{"echo"},
		},
		{
			name:      "disabled unit is skipped",
			opts:      Options{Units: []config.UnitConfig{{Name: "nginx", Enabled: &disabled}}},
			wantUnits: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.opts)
			err := h.manager.Init(context.Background())
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				assert.Equal(t, StateUninitialized, h.manager.State())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantUnits, h.manager.Units())
		})
	}
}

func TestInitFactoryError(t *testing.T) {
	h := newHarness(t, Options{Units: []config.UnitConfig{{Name: "broken"}}})
	err := h.manager.Init(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no config file")
}

func TestMessageFlow(t *testing.T) {
	h := newHarness(t, defaultOptions())
	ctx := context.Background()
	require.NoError(t, h.manager.Init(ctx))
	require.NoError(t, h.manager.Run(ctx))
	assert.Equal(t, StateRunning, h.manager.State())

	c := h.nextConn(t)
	waitGreeting(t, c)

	c.inbox <- []byte(`not json`)
	c.inbox <- []byte(`{"module":"","event":"Ping"}`)
	c.inbox <- []byte(`{"module":"echo","version":"1.0","event":"Forbidden","error":null,"data":{}}`)
	c.inbox <- []byte(`{"module":"other","version":"1.0","event":"Ping","error":null,"data":{}}`)
	c.inbox <- []byte(`{"module":"ECHO","version":"1.0","event":"Ping","error":null,"data":{"taskKey":"k-1"}}`)

	require.Eventually(t, func() bool { return len(c.Written()) >= 2 }, waitFor, tick)

	reply := c.Written()[1]
	assert.Equal(t, "echo", reply.Module)
	assert.Equal(t, "Pong", reply.Event)
	assert.Nil(t, reply.Error)
	assert.Equal(t, "k-1", reply.Data["taskKey"])
	assert.Equal(t, "t-1", reply.Data["token"])

	assert.Equal(t, []string{"Ping"}, h.unit.Events())
	assert.Equal(t, StateRunning, h.manager.State())
}

func TestPolicyDenialIsAnswered(t *testing.T) {
	unit := &echoUnit{}
	registry := newTestRegistry(unit)
	require.NoError(t, registry.RegisterMiddleware(policy.MiddlewareName, policy.Factory))

	dialer := newFakeDialer()
	m := New(Options{
		URL:         "ws://controller.test:8010",
		Middlewares: []config.MiddlewareConfig{{Name: policy.MiddlewareName}},
		Units:       []config.UnitConfig{{Name: "echo"}},
	}, registry, dialer, WithClock(NewFakeClock(time.Unix(0, 0))))
	t.Cleanup(func() { _ = m.Close() })

	ctx := context.Background()
	require.NoError(t, m.Init(ctx))
	require.NoError(t, m.Run(ctx))

	var c *fakeConn
	select {
	case c = <-dialer.dialed:
	case <-time.After(waitFor):
		t.Fatal("no connection dialed")
	}
	waitGreeting(t, c)

	c.inbox <- []byte(`{"module":"echo","version":"1.0","event":"Create","error":null,"data":{"taskKey":"k-3","name":"../evil"}}`)
	c.inbox <- []byte(`{"module":"echo","version":"1.0","event":"Ping","error":null,"data":{"taskKey":"k-4"}}`)

	require.Eventually(t, func() bool { return len(c.Written()) >= 3 }, waitFor, tick)
	written := c.Written()
	require.Len(t, written, 3)

	denied := written[1]
	assert.Equal(t, "echo", denied.Module)
	assert.Equal(t, "Create", denied.Event)
	assert.Contains(t, denied.ErrorText(), "path-traversal")
	assert.Equal(t, "k-3", denied.Data["taskKey"])
	assert.Equal(t, []interface{}{}, denied.Data["report"])

	assert.Equal(t, "Pong", written[2].Event)
	assert.Equal(t, []string{"Ping"}, unit.Events())
}

func TestSendWithoutConnectionIsDropped(t *testing.T) {
	h := newHarness(t, defaultOptions())
	require.NoError(t, h.manager.Init(context.Background()))

	h.manager.Send(context.Background(), envelope.New("echo", "1.0", "Pong", nil, nil))
	assert.Equal(t, StateInitialized, h.manager.State())
}

func TestReconnectAfterTransportError(t *testing.T) {
	h := newHarness(t, defaultOptions())
	ctx := context.Background()
	require.NoError(t, h.manager.Init(ctx))
	require.NoError(t, h.manager.Run(ctx))

	first := h.nextConn(t)
	waitGreeting(t, first)
	firstSession := h.manager.SessionID()

	first.errs <- errors.New("connection reset by peer")

	require.Eventually(t, func() bool { return h.manager.State() == StateError }, waitFor, tick)
	assert.Equal(t, []time.Duration{5 * time.Second}, h.clock.Pending())
	require.Eventually(t, first.closed, waitFor, tick)

	h.clock.Advance(4 * time.Second)
	h.noDial(t)
	assert.Equal(t, StateError, h.manager.State())

	h.clock.Advance(time.Second)
	assert.Equal(t, StateRunning, h.manager.State())

	second := h.nextConn(t)
	waitGreeting(t, second)
	assert.Equal(t, StateRunning, h.manager.State())
	assert.NotEqual(t, firstSession, h.manager.SessionID())
	assert.Empty(t, h.clock.Pending())
}

func TestCleanCloseStopsAndReconnects(t *testing.T) {
	h := newHarness(t, defaultOptions())
	ctx := context.Background()
	require.NoError(t, h.manager.Init(ctx))
	require.NoError(t, h.manager.Run(ctx))

	c := h.nextConn(t)
	waitGreeting(t, c)

	c.errs <- &transports.CloseError{Code: 1000, Text: "bye"}

	require.Eventually(t, func() bool { return h.manager.State() == StateStopped }, waitFor, tick)
	assert.Equal(t, []time.Duration{5 * time.Second}, h.clock.Pending())
}

func TestNoReconnectWhenDisabled(t *testing.T) {
	opts := defaultOptions()
	opts.AutoReconnect = false
	h := newHarness(t, opts)
	ctx := context.Background()
	require.NoError(t, h.manager.Init(ctx))
	require.NoError(t, h.manager.Run(ctx))

	c := h.nextConn(t)
	c.errs <- errors.New("broken pipe")

	require.Eventually(t, func() bool { return h.manager.State() == StateError }, waitFor, tick)
	assert.Empty(t, h.clock.Pending())
}

func TestDialFailureSchedulesReconnect(t *testing.T) {
	h := newHarness(t, defaultOptions())
	h.dialer.setFail(errors.New("connection refused"))
	ctx := context.Background()
	require.NoError(t, h.manager.Init(ctx))
	require.NoError(t, h.manager.Run(ctx))

	require.Eventually(t, func() bool { return h.manager.State() == StateError }, waitFor, tick)
	require.Equal(t, []time.Duration{5 * time.Second}, h.clock.Pending())

	h.dialer.setFail(nil)
	h.clock.Advance(5 * time.Second)
	waitGreeting(t, h.nextConn(t))
}

func TestZeroReconnectIntervalUsesDefault(t *testing.T) {
	cfg, err := config.Parse("agent.yaml", []byte("autoReconnect: true\nreconnectInterval: 0\n"))
	require.NoError(t, err)

	tests := []struct {
		name string
		opts Options
	}{
		{name: "from config", opts: OptionsFromConfig(cfg)},
		{name: "zero option", opts: Options{AutoReconnect: true}},
		{name: "negative option", opts: Options{AutoReconnect: true, ReconnectInterval: -time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.opts)
			h.dialer.setFail(errors.New("connection refused"))
			ctx := context.Background()
			require.NoError(t, h.manager.Init(ctx))
			require.NoError(t, h.manager.Run(ctx))

			require.Eventually(t, func() bool { return h.manager.State() == StateError }, waitFor, tick)
			assert.Equal(t, []time.Duration{DefaultReconnectInterval}, h.clock.Pending())
		})
	}
}

func TestShutdownCancelsReconnect(t *testing.T) {
	h := newHarness(t, defaultOptions())
	ctx := context.Background()
	require.NoError(t, h.manager.Init(ctx))
	require.NoError(t, h.manager.Run(ctx))

	c := h.nextConn(t)
	c.errs <- errors.New("timeout")
	require.Eventually(t, func() bool { return len(h.clock.Pending()) == 1 }, waitFor, tick)

	h.manager.Shutdown()
	assert.Empty(t, h.clock.Pending())
	assert.Equal(t, StateStopped, h.manager.State())
}

func TestDisposeIgnoresLateEvents(t *testing.T) {
	h := newHarness(t, defaultOptions())
	ctx := context.Background()
	require.NoError(t, h.manager.Init(ctx))
	require.NoError(t, h.manager.Run(ctx))

	c := h.nextConn(t)
	waitGreeting(t, c)

	h.manager.Dispose()
	h.manager.Dispose()
	require.Eventually(t, c.closed, waitFor, tick)

	assert.Equal(t, StateStopped, h.manager.State())
	assert.Empty(t, h.clock.Pending())
}

func TestServeStopsOnCancel(t *testing.T) {
	h := newHarness(t, defaultOptions())
	require.NoError(t, h.manager.Init(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.manager.Serve(ctx) }()

	c := h.nextConn(t)
	waitGreeting(t, c)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Serve did not return")
	}
	assert.Equal(t, StateStopped, h.manager.State())
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.ReconnectInterval = 2
	cfg.Reconnect.Strategy = config.StrategyExponential
	cfg.Reconnect.MaxInterval = 60

	opts := OptionsFromConfig(cfg)
	assert.Equal(t, cfg.URL, opts.URL)
	assert.Equal(t, 2*time.Second, opts.ReconnectInterval)
	require.NotNil(t, opts.NewBackOff)

	b := opts.NewBackOff()
	first := b.NextBackOff()
	assert.GreaterOrEqual(t, first, time.Second)
	assert.LessOrEqual(t, first, 3*time.Second)

	cfg.Reconnect.Strategy = config.StrategyConstant
	assert.Nil(t, OptionsFromConfig(cfg).NewBackOff)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "unknown", State(42).String())
}

type closingMiddleware struct {
	capability.MiddlewareFunc
	closed *int
}

func (c closingMiddleware) Close() error {
	*c.closed++
	return nil
}

func TestInitAndCloseReleaseResources(t *testing.T) {
	var built, closed int
	registry := capability.NewRegistry()
	require.NoError(t, registry.RegisterMiddleware("watcher", func(deps capability.Deps, opts config.MiddlewareConfig) (capability.Middleware, error) {
		built++
		return closingMiddleware{
			MiddlewareFunc: capability.MiddlewareFunc{
				On: pipeline.StageReceived,
				Fn: func(ctx context.Context, env *envelope.Envelope) error { return nil },
			},
			closed: &closed,
		}, nil
	}))

	m := New(Options{Middlewares: []config.MiddlewareConfig{{Name: "watcher"}}}, registry, newFakeDialer(), WithClock(NewFakeClock(time.Unix(0, 0))))
	ctx := context.Background()

	require.NoError(t, m.Init(ctx))
	require.NoError(t, m.Init(ctx))
	assert.Equal(t, 2, built)
	assert.Equal(t, 1, closed)

	require.NoError(t, m.Close())
	assert.Equal(t, 2, closed)
	assert.Equal(t, StateStopped, m.State())

	require.NoError(t, m.Close())
	assert.Equal(t, 2, closed)
}
