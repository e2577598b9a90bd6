// Package security authenticates the agent to the controller. It answers
// the key challenge, keeps the session token the controller hands out and
// stamps it on every outbound envelope.
package security

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/servantops/servant-agent/pkg/capability"
	"github.com/servantops/servant-agent/pkg/config"
	"github.com/servantops/servant-agent/pkg/envelope"
	"github.com/servantops/servant-agent/pkg/pipeline"
	"github.com/servantops/servant-agent/pkg/telemetry"
)

// Unit identity.
const (
	Name    = "security"
	Version = "1.0"
)

// Events handled by the unit.
const (
	// EventSendKey asks for the access key and the loaded units.
	EventSendKey = "SendKey"
	// EventSaveToken delivers the session token to attach to replies.
	EventSaveToken = "SaveToken"
	// EventError reports a controller-side error.
	EventError = "Error"
)

// ErrMissingKey is returned when neither a key file nor an access key is
// configured.
var ErrMissingKey = errors.New("missing access key options")

// Settings configure the unit. KeyFilePath wins over AccessKey.
type Settings struct {
	KeyFilePath string `mapstructure:"keyFilePath"`
	AccessKey   string `mapstructure:"accessKey"`
}

// Unit holds the access key and the current session token.
type Unit struct {
	host     capability.Host
	log      *telemetry.Logger
	key      string
	hostname func() (string, error)

	mu    sync.RWMutex
	token interface{}
}

// Factory builds the unit and its send-stage token middleware.
func Factory(deps capability.Deps, cfg config.UnitConfig) (*capability.Loaded, error) {
	var settings Settings
	if err := cfg.DecodeSettings(&settings); err != nil {
		return nil, err
	}
	u, err := New(deps, settings)
	if err != nil {
		return nil, err
	}
	return &capability.Loaded{
		Unit:        u,
		Middlewares: []capability.Middleware{u.TokenMiddleware()},
	}, nil
}

// New loads the access key.
func New(deps capability.Deps, settings Settings) (*Unit, error) {
	var key string
	switch {
	case settings.KeyFilePath != "":
		data, err := os.ReadFile(settings.KeyFilePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read key file: %w", err)
		}
		key = string(data)
	case settings.AccessKey != "":
		key = settings.AccessKey
	default:
		return nil, ErrMissingKey
	}

	return &Unit{
		host:     deps.Host,
		log:      deps.Logger(Name),
		key:      key,
		hostname: os.Hostname,
	}, nil
}

func (u *Unit) Name() string    { return Name }
func (u *Unit) Version() string { return Version }

// Token returns the last token saved, or nil.
func (u *Unit) Token() interface{} {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.token
}

// Handle stores tokens, answers key requests and logs controller errors.
func (u *Unit) Handle(ctx context.Context, env *envelope.Envelope) error {
	switch env.Event {
	case EventSaveToken:
		if token, ok := env.Data["token"]; ok {
			u.mu.Lock()
			u.token = token
			u.mu.Unlock()
			u.log.Debug("Session token saved")
		}
	case EventSendKey:
		u.sendKey(ctx, env)
	case EventError:
		u.log.Errorf("Controller error: %s", env.ErrorText())
	default:
		u.log.Warnf("Unsupported event type: %q", env.Event)
	}
	return nil
}

func (u *Unit) sendKey(ctx context.Context, env *envelope.Envelope) {
	hostname, err := u.hostname()
	if err != nil {
		u.log.WithError(err).Warn("Failed to resolve hostname")
	}
	u.host.Send(ctx, capability.NewMessage(u, env.Event, nil, map[string]interface{}{
		"key":      u.key,
		"hostname": hostname,
		"modules":  u.host.Units(),
	}))
}

// TokenMiddleware sets data.token on every outbound envelope.
func (u *Unit) TokenMiddleware() capability.Middleware {
	return capability.MiddlewareFunc{
		On: pipeline.StageSend,
		Fn: func(ctx context.Context, env *envelope.Envelope) error {
			env.Set("token", u.Token())
			return nil
		},
	}
}
