// Package nginx manages nginx site configurations. A site lives in a
// source directory and is enabled by a symbolic link in the sibling
// links directory.
package nginx

import (
	"context"
	"path/filepath"

	"github.com/servantops/servant-agent/pkg/capability"
	"github.com/servantops/servant-agent/pkg/config"
	"github.com/servantops/servant-agent/pkg/envelope"
	"github.com/servantops/servant-agent/pkg/telemetry"
	"github.com/servantops/servant-agent/pkg/transaction"
)

// Unit identity.
const (
	Name    = "nginx"
	Version = "1.0"
)

// Events handled by the unit.
const (
	EventCreate       = "Create"
	EventRemove       = "Remove"
	EventUpdate       = "Update"
	EventChangeStatus = "ChangeStatus"
)

// Default commands.
const (
	DefaultReloadCmd = "service nginx reload"
	DefaultTestCmd   = "nginx -t"
)

// Settings configure the unit.
type Settings struct {
	ReloadCmd string `mapstructure:"reloadCmd"`
	TestCmd   string `mapstructure:"testCmd"`
}

// Payload is the data of every nginx request.
type Payload struct {
	TaskKey    interface{} `mapstructure:"taskKey"`
	SourceDir  string      `mapstructure:"sourceDir" validate:"required"`
	Name       string      `mapstructure:"name" validate:"required"`
	OldName    string      `mapstructure:"oldName"`
	Content    string      `mapstructure:"content"`
	OldContent string      `mapstructure:"oldContent"`
	// Kind 0 means the site has no link.
	Kind     int  `mapstructure:"kind"`
	IsPaused bool `mapstructure:"isPaused"`
	// Status true pauses the site.
	Status bool `mapstructure:"status"`
}

func (p Payload) linked() bool {
	return p.Kind != 0
}

func (p Payload) sourcePath(name string) string {
	return filepath.Join(p.SourceDir, name)
}

func (p Payload) linkPath(name string) string {
	return filepath.Join(p.SourceDir, "..", "links", name)
}

// Unit handles nginx requests.
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
	return &capability.Loaded{Unit: New(deps, settings)}, nil
}

// New creates the unit, filling in default commands.
func New(deps capability.Deps, settings Settings) *Unit {
	if settings.ReloadCmd == "" {
		settings.ReloadCmd = DefaultReloadCmd
	}
	if settings.TestCmd == "" {
		settings.TestCmd = DefaultTestCmd
	}
	return &Unit{
		deps:     deps,
		settings: settings,
		log:      deps.Logger(Name),
	}
}

func (u *Unit) Name() string    { return Name }
func (u *Unit) Version() string { return Version }

// Handle runs the request and replies with the step report.
func (u *Unit) Handle(ctx context.Context, env *envelope.Envelope) error {
	var build func(Payload) (transaction.Sequence, transaction.Sequence)

	switch env.Event {
	case EventCreate:
		build = u.createSequences
	case EventRemove:
		build = u.removeSequences
	case EventUpdate:
		build = u.updateSequences
	case EventChangeStatus:
		build = u.changeStatusSequences
	default:
		u.log.Warnf("Unsupported event type: %q", env.Event)
		return nil
	}

	var p Payload
	if err := capability.DecodePayload(env, &p); err != nil {
		u.log.WithError(err).Error("Invalid payload")
		capability.ReplyFailure(ctx, u.deps, u, env.Event, env, err)
		return nil
	}

	seq, rollback := build(p)
	capability.CommonEventHandler(ctx, u.deps, u, env.Event, env, seq, rollback)
	return nil
}

func (u *Unit) reload() transaction.Step {
	return transaction.Exec(u.settings.ReloadCmd)
}

func (u *Unit) createSequences(p Payload) (transaction.Sequence, transaction.Sequence) {
	source, link := p.sourcePath(p.Name), p.linkPath(p.Name)

	seq := transaction.Sequence{transaction.WriteFile(source, p.Content)}
	rollback := transaction.Sequence{transaction.RemoveFile(source)}
	if p.linked() {
		seq = append(seq, transaction.CreateLink(source, link))
		rollback = append(rollback, transaction.RemoveLink(link))
	}
	return append(seq, u.reload()), append(rollback, u.reload())
}

func (u *Unit) removeSequences(p Payload) (transaction.Sequence, transaction.Sequence) {
	source, link := p.sourcePath(p.Name), p.linkPath(p.Name)
	enabled := p.linked() && !p.IsPaused

	var seq, rollback transaction.Sequence
	if enabled {
		seq = append(seq, transaction.RemoveLink(link), transaction.Exec(u.settings.TestCmd))
		rollback = append(rollback, transaction.CreateLink(source, link))
	}
	seq = append(seq, transaction.RemoveFile(source), u.reload())
	rollback = append(rollback, transaction.WriteFile(source, p.Content), u.reload())
	return seq, rollback
}

func (u *Unit) updateSequences(p Payload) (transaction.Sequence, transaction.Sequence) {
	source := p.sourcePath(p.Name)

	if p.OldName == "" || p.OldName == p.Name {
		return transaction.Sequence{transaction.WriteFile(source, p.Content), u.reload()},
			transaction.Sequence{transaction.WriteFile(source, p.OldContent), u.reload()}
	}

	link := p.linkPath(p.Name)
	oldSource, oldLink := p.sourcePath(p.OldName), p.linkPath(p.OldName)

	seq := transaction.Sequence{transaction.RemoveFile(oldSource)}
	if p.linked() {
		seq = append(seq, transaction.RemoveLink(oldLink))
	}
	seq = append(seq, transaction.WriteFile(source, p.Content))
	if p.linked() {
		seq = append(seq, transaction.CreateLink(source, link))
	}

	rollback := transaction.Sequence{transaction.RemoveFile(source)}
	if p.linked() {
		rollback = append(rollback, transaction.RemoveLink(link))
	}
	rollback = append(rollback, transaction.WriteFile(oldSource, p.OldContent))
	if p.linked() {
		rollback = append(rollback, transaction.CreateLink(oldSource, oldLink))
	}

	return append(seq, u.reload()), append(rollback, u.reload())
}

func (u *Unit) changeStatusSequences(p Payload) (transaction.Sequence, transaction.Sequence) {
	source, link := p.sourcePath(p.Name), p.linkPath(p.Name)

	enable, disable := transaction.CreateLink(source, link), transaction.RemoveLink(link)
	if p.Status {
		enable, disable = disable, enable
	}
	return transaction.Sequence{enable, u.reload()}, transaction.Sequence{disable, u.reload()}
}
