package policy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/servantops/servant-agent/pkg/capability"
	"github.com/servantops/servant-agent/pkg/config"
	"github.com/servantops/servant-agent/pkg/envelope"
	"github.com/servantops/servant-agent/pkg/pipeline"
)

// MiddlewareName is the name the policy middleware is registered under.
const MiddlewareName = "policy"

// ErrDenied is returned for envelopes rejected by a blocking violation.
var ErrDenied = errors.New("denied by policy")

// Settings configure the policy middleware.
type Settings struct {
	// Paths are .rego or .json files and directories to load.
	Paths []string `mapstructure:"paths"`
	// Watch reloads Paths when they change. Defaults to true.
	Watch *bool `mapstructure:"watch"`
	// Disabled lists policy names to switch off, built-ins included.
	Disabled []string `mapstructure:"disabled"`
	// BlockedModules are module names rejected outright.
	BlockedModules []string `mapstructure:"blockedModules"`
	// ReloadDelay debounces file events.
	ReloadDelay time.Duration `mapstructure:"reloadDelay"`
}

// Middleware evaluates every received envelope against the loaded
// policies. It implements capability.Middleware and io.Closer.
type Middleware struct {
	engine   *Engine
	loader   *Loader
	host     capability.Host
	settings Settings
	logger   zerolog.Logger
	hostname string
	cancel   context.CancelFunc
}

// Factory builds the policy middleware from its configuration.
func Factory(deps capability.Deps, cfg config.MiddlewareConfig) (capability.Middleware, error) {
	var settings Settings
	if err := cfg.DecodeSettings(&settings); err != nil {
		return nil, err
	}
	return NewMiddleware(deps, settings)
}

// NewMiddleware loads the built-in policies and the configured files and
// starts watching them when requested.
func NewMiddleware(deps capability.Deps, settings Settings) (*Middleware, error) {
	logger := *deps.Logger(MiddlewareName).Zerolog()

	engine, err := NewEngine(logger)
	if err != nil {
		return nil, err
	}

	loader := NewLoader(logger)
	if settings.ReloadDelay > 0 {
		loader.ReloadDelay = settings.ReloadDelay
	}

	ctx := context.Background()
	if len(settings.Paths) > 0 {
		if err := engine.LoadPolicies(ctx, loader, settings.Paths); err != nil {
			return nil, err
		}
	}

	m := &Middleware{
		engine:   engine,
		loader:   loader,
		host:     deps.Host,
		settings: settings,
		logger:   logger,
	}
	m.hostname, _ = os.Hostname()

	if err := m.applyDisabled(); err != nil {
		return nil, err
	}

	if (settings.Watch == nil || *settings.Watch) && len(settings.Paths) > 0 {
		watchCtx, cancel := context.WithCancel(ctx)
		if err := loader.Watch(watchCtx, settings.Paths, m.reload); err != nil {
			cancel()
			return nil, err
		}
		m.cancel = cancel
	}
	return m, nil
}

func (m *Middleware) applyDisabled() error {
	for _, name := range m.settings.Disabled {
		if err := m.engine.SetEnabled(name, false); err != nil {
			return err
		}
	}
	return nil
}

func (m *Middleware) reload(policies []Policy) error {
	if err := m.engine.ReplacePolicies(context.Background(), policies); err != nil {
		return err
	}
	for _, name := range m.settings.Disabled {
		if err := m.engine.SetEnabled(name, false); err != nil {
			m.logger.Warn().Err(err).Str("policy", name).Msg("Failed to keep policy disabled after reload")
		}
	}
	return nil
}

// Engine returns the policy engine.
func (m *Middleware) Engine() *Engine {
	return m.engine
}

// Stage places the middleware on the received lane.
func (m *Middleware) Stage() pipeline.Stage {
	return pipeline.StageReceived
}

// Handle rejects env when any enabled policy reports a blocking violation.
// Non-blocking violations are logged.
func (m *Middleware) Handle(ctx context.Context, env *envelope.Envelope) error {
	var units []string
	if m.host != nil {
		units = m.host.Units()
	}
	if units == nil {
		units = []string{}
	}
	blocked := m.settings.BlockedModules
	if blocked == nil {
		blocked = []string{}
	}

	input := &Input{
		Envelope: EnvelopeInput{
			Module:  env.Module,
			Version: env.Version,
			Event:   env.Event,
			Error:   env.Error,
			Data:    env.Data,
		},
		Context: &Context{
			Stage:          string(pipeline.StageReceived),
			Hostname:       m.hostname,
			Units:          units,
			BlockedModules: blocked,
			Timestamp:      time.Now(),
		},
	}

	result, err := m.engine.Evaluate(ctx, input)
	if err != nil {
		return err
	}

	for _, v := range result.Violations {
		if !v.Severity.Blocking() {
			m.logger.Warn().
				Str("policy", v.Policy).
				Str("module", env.Module).
				Str("event", env.Event).
				Msg(v.Message)
		}
	}

	if result.Allowed {
		return nil
	}

	blocking := result.Blocking()
	messages := make([]string, 0, len(blocking))
	for _, v := range blocking {
		messages = append(messages, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	denied := fmt.Errorf("%w: %s", ErrDenied, strings.Join(messages, "; "))

	// The controller waits for an answer to every request it sends.
	if m.host != nil && !strings.EqualFold(env.Module, envelope.AnyModule) {
		capability.ReplyError(ctx, m.host, env, denied)
	}
	return denied
}

// Close stops watching policy files.
func (m *Middleware) Close() error {
	if m.cancel != nil {
		m.cancel()
	}
	return m.loader.StopWatching()
}
