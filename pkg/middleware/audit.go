// Package middleware holds agent-level middlewares that are not tied to a
// unit.
package middleware

import (
	"context"
	"sort"

	"github.com/rs/zerolog"

	"github.com/servantops/servant-agent/pkg/capability"
	"github.com/servantops/servant-agent/pkg/config"
	"github.com/servantops/servant-agent/pkg/envelope"
	"github.com/servantops/servant-agent/pkg/pipeline"
)

// AuditName is the name the audit middleware is registered under.
const AuditName = "audit"

// AuditSettings configure the audit middleware.
type AuditSettings struct {
	// Level is the log level of audit lines. Defaults to info.
	Level string `mapstructure:"level"`
	// Stage is the lane to audit. Defaults to message-received.
	Stage string `mapstructure:"stage"`
	// IncludeData adds the payload keys to each line.
	IncludeData bool `mapstructure:"includeData"`
}

// Audit logs every envelope passing through its stage.
type Audit struct {
	stage       pipeline.Stage
	level       zerolog.Level
	includeData bool
	logger      zerolog.Logger
}

// AuditFactory builds the audit middleware from its configuration.
func AuditFactory(deps capability.Deps, cfg config.MiddlewareConfig) (capability.Middleware, error) {
	var settings AuditSettings
	if err := cfg.DecodeSettings(&settings); err != nil {
		return nil, err
	}
	return NewAudit(*deps.Logger(AuditName).Zerolog(), settings)
}

// NewAudit creates the audit middleware.
func NewAudit(logger zerolog.Logger, settings AuditSettings) (*Audit, error) {
	stage := pipeline.StageReceived
	if settings.Stage != "" {
		s, err := pipeline.ParseStage(settings.Stage)
		if err != nil {
			return nil, err
		}
		stage = s
	}

	level := zerolog.InfoLevel
	if settings.Level != "" {
		l, err := zerolog.ParseLevel(settings.Level)
		if err != nil {
			return nil, err
		}
		level = l
	}

	return &Audit{
		stage:       stage,
		level:       level,
		includeData: settings.IncludeData,
		logger:      logger,
	}, nil
}

// Stage returns the configured lane.
func (a *Audit) Stage() pipeline.Stage {
	return a.stage
}

// Handle logs env and never rejects it.
func (a *Audit) Handle(ctx context.Context, env *envelope.Envelope) error {
	ev := a.logger.WithLevel(a.level).
		Str("stage", string(a.stage)).
		Str("module", env.Module).
		Str("version", env.Version).
		Str("event", env.Event)

	if env.Failed() {
		ev = ev.Str("remote_error", env.ErrorText())
	}
	if a.includeData {
		keys := make([]string, 0, len(env.Data))
		for k := range env.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ev = ev.Strs("data_keys", keys)
	}
	ev.Msg("Envelope")
	return nil
}
