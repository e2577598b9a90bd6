package agent

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/servantops/servant-agent/pkg/capability"
	"github.com/servantops/servant-agent/pkg/config"
	"github.com/servantops/servant-agent/pkg/envelope"
	"github.com/servantops/servant-agent/pkg/pipeline"
	"github.com/servantops/servant-agent/pkg/transports"
)

type fakeConn struct {
	inbox chan []byte
	errs  chan error
	done  chan struct{}
	once  sync.Once

	mu      sync.Mutex
	written []*envelope.Envelope
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbox: make(chan []byte, 16),
		errs:  make(chan error, 1),
		done:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbox:
		return data, nil
	case err := <-c.errs:
		return nil, err
	case <-c.done:
		return nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.done:
		return transports.ErrClosed
	default:
	}
	env, err := envelope.Decode(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, env)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 8010}
}

func (c *fakeConn) Header() http.Header { return nil }

func (c *fakeConn) Written() []*envelope.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*envelope.Envelope(nil), c.written...)
}

func (c *fakeConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu     sync.Mutex
	fail   error
	dialed chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (transports.Conn, error) {
	d.mu.Lock()
	fail := d.fail
	d.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	c := newFakeConn()
	d.dialed <- c
	return c, nil
}

func (d *fakeDialer) setFail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = err
}

// echoUnit answers Ping with Pong and records every event it handles.
type echoUnit struct {
	host capability.Host

	mu     sync.Mutex
	events []string
}

func (u *echoUnit) Name() string    { return "echo" }
func (u *echoUnit) Version() string { return "1.0" }

func (u *echoUnit) Handle(ctx context.Context, env *envelope.Envelope) error {
	u.mu.Lock()
	u.events = append(u.events, env.Event)
	u.mu.Unlock()

	if env.Event == "Ping" {
		u.host.Send(ctx, capability.NewMessage(u, "Pong", nil, map[string]interface{}{
			"taskKey": capability.TaskKey(env),
		}))
	}
	return nil
}

func (u *echoUnit) Events() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.events...)
}

// newTestRegistry registers the echo unit, a received-stage middleware
// that rejects the Forbidden event and a send-stage middleware that stamps
// a token.
func newTestRegistry(unit *echoUnit) *capability.Registry {
	r := capability.NewRegistry()
	_ = r.RegisterUnit("echo", func(deps capability.Deps, opts config.UnitConfig) (*capability.Loaded, error) {
		unit.host = deps.Host
		return &capability.Loaded{
			Unit: unit,
			Middlewares: []capability.Middleware{capability.MiddlewareFunc{
				On: pipeline.StageSend,
				Fn: func(ctx context.Context, env *envelope.Envelope) error {
					env.Set("token", "t-1")
					return nil
				},
			}},
		}, nil
	})
	_ = r.RegisterUnit("broken", func(deps capability.Deps, opts config.UnitConfig) (*capability.Loaded, error) {
		return nil, errors.New("no config file")
	})
	_ = r.RegisterMiddleware("guard", func(deps capability.Deps, opts config.MiddlewareConfig) (capability.Middleware, error) {
		return capability.MiddlewareFunc{
			On: pipeline.StageReceived,
			Fn: func(ctx context.Context, env *envelope.Envelope) error {
				if env.Event == "Forbidden" {
					return errors.New("forbidden event")
				}
				return nil
			},
		}, nil
	})
	return r
}
