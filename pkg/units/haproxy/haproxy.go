// Package haproxy rewrites the whole HAProxy configuration on every
// request, validating it before reload and restoring the previous file on
// failure.
package haproxy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/servantops/servant-agent/pkg/capability"
	"github.com/servantops/servant-agent/pkg/config"
	"github.com/servantops/servant-agent/pkg/envelope"
	"github.com/servantops/servant-agent/pkg/telemetry"
	"github.com/servantops/servant-agent/pkg/transaction"
)

// Unit identity.
const (
	Name    = "haproxy"
	Version = "1.0"
)

// Events lists the requests the unit accepts. All of them rewrite the
// configuration.
var Events = []string{"Create", "Pause", "Resume", "Update", "Remove"}

// ReadFailedLine is the report of a request whose current configuration
// could not be read.
const ReadFailedLine = "Read file - Error"

var validate = validator.New()

// Settings configure the unit.
type Settings struct {
	ConfigPath string `mapstructure:"configPath" validate:"required"`
	CheckCmd   string `mapstructure:"checkCmd"`
	ReloadCmd  string `mapstructure:"reloadCmd"`
	StopCmd    string `mapstructure:"stopCmd"`
	// BackupDir holds the copy of the previous configuration while a
	// request runs. Defaults to the system temp directory.
	BackupDir string `mapstructure:"backupDir"`
}

// Payload is the data of every haproxy request.
type Payload struct {
	TaskKey interface{} `mapstructure:"taskKey"`
	Config  string      `mapstructure:"config" validate:"required_unless=Dispose true"`
	// Dispose stops the service and empties the configuration.
	Dispose bool `mapstructure:"dispose"`
}

// Unit handles haproxy requests.
type Unit struct {
	deps     capability.Deps
	settings Settings
	log      *telemetry.Logger
}

// Factory builds the unit from its configuration.
func Factory(deps capability.Deps, cfg config.UnitConfig) (*capability.Loaded, error) {
	var settings Settings
	if err := cfg.DecodeSettings(&settings); err != nil {
		return nil, err
	}
	u, err := New(deps, settings)
	if err != nil {
		return nil, err
	}
	return &capability.Loaded{Unit: u}, nil
}

// New validates settings and creates the unit.
func New(deps capability.Deps, settings Settings) (*Unit, error) {
	if err := validate.Struct(settings); err != nil {
		return nil, fmt.Errorf("invalid haproxy settings: %w", err)
	}
	if settings.CheckCmd == "" {
		settings.CheckCmd = fmt.Sprintf(`haproxy -c -f "%s"`, settings.ConfigPath)
	}
	if settings.ReloadCmd == "" {
		settings.ReloadCmd = "service haproxy reload"
	}
	if settings.StopCmd == "" {
		settings.StopCmd = "service haproxy stop"
	}
	if settings.BackupDir == "" {
		settings.BackupDir = os.TempDir()
	}
	return &Unit{deps: deps, settings: settings, log: deps.Logger(Name)}, nil
}

func (u *Unit) Name() string    { return Name }
func (u *Unit) Version() string { return Version }

func supported(event string) bool {
	for _, e := range Events {
		if e == event {
			return true
		}
	}
	return false
}

// Handle rewrites the configuration and replies with the step report.
func (u *Unit) Handle(ctx context.Context, env *envelope.Envelope) error {
	if !supported(env.Event) {
		u.log.Warnf("Unsupported event type: %q", env.Event)
		return nil
	}

	var p Payload
	if err := capability.DecodePayload(env, &p); err != nil {
		u.log.WithError(err).Error("Invalid payload")
		capability.ReplyFailure(ctx, u.deps, u, env.Event, env, err)
		return nil
	}

	current, err := os.ReadFile(u.settings.ConfigPath)
	if err != nil {
		u.log.WithError(err).Error("Failed to read current configuration")
		capability.ReplyFailure(ctx, u.deps, u, env.Event, env, err, ReadFailedLine)
		return nil
	}

	backup := filepath.Join(u.settings.BackupDir, uuid.NewString()+".conf")
	seq, rollback := u.sequences(p, string(current), backup)
	capability.CommonEventHandler(ctx, u.deps, u, env.Event, env, seq, rollback)
	return nil
}

func (u *Unit) sequences(p Payload, current, backup string) (transaction.Sequence, transaction.Sequence) {
	path := u.settings.ConfigPath

	var seq transaction.Sequence
	if p.Dispose {
		seq = transaction.Sequence{
			transaction.Exec(u.settings.StopCmd),
			transaction.WriteFile(path, ""),
		}
	} else {
		seq = transaction.Sequence{
			transaction.WriteFile(backup, current),
			transaction.WriteFile(path, p.Config),
			transaction.Exec(u.settings.CheckCmd),
			transaction.RemoveFile(backup),
			transaction.Exec(u.settings.ReloadCmd),
		}
	}

	rollback := transaction.Sequence{
		transaction.WriteFile(path, current),
		transaction.Exec(u.settings.ReloadCmd),
		transaction.RemoveFile(backup),
	}
	return seq, rollback
}
