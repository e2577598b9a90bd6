package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/servantops/servant-agent/pkg/telemetry"
)

// Reconnect strategies.
const (
	StrategyConstant    = "constant"
	StrategyExponential = "exponential"
)

// Config is the agent bootstrap configuration.
type Config struct {
	// URL of the controller socket (ws:// or wss://).
	URL string `yaml:"url" json:"url" validate:"required,url"`

	// AutoReconnect re-dials the controller after a close or an error.
	AutoReconnect bool `yaml:"autoReconnect" json:"autoReconnect"`

	// ReconnectInterval is the delay before re-dialing, in seconds. Zero
	// means DefaultReconnectInterval.
	ReconnectInterval int `yaml:"reconnectInterval" json:"reconnectInterval" validate:"gte=0"`

	Reconnect ReconnectConfig `yaml:"reconnect" json:"reconnect"`

	// HandshakeTimeout bounds the websocket handshake, in seconds.
	HandshakeTimeout int `yaml:"handshakeTimeout" json:"handshakeTimeout" validate:"gte=0"`

	// InsecureSkipVerify accepts any controller certificate on wss://.
	InsecureSkipVerify bool `yaml:"insecureSkipVerify" json:"insecureSkipVerify"`

	// Debug turns exec steps into dry runs.
	Debug bool `yaml:"debug" json:"debug"`

	Telemetry telemetry.Config `yaml:"telemetry" json:"telemetry"`

	// Middlewares are agent-level middlewares, in registration order.
	Middlewares []MiddlewareConfig `yaml:"middlewares" json:"middlewares" validate:"dive"`

	// Units are the capability units to load, in registration order.
	Units []UnitConfig `yaml:"units" json:"units" validate:"dive"`
}

// ReconnectConfig tunes the reconnect delay.
type ReconnectConfig struct {
	// Strategy is constant or exponential.
	Strategy string `yaml:"strategy" json:"strategy" validate:"omitempty,oneof=constant exponential"`

	// MaxInterval caps exponential delays, in seconds.
	MaxInterval int `yaml:"maxInterval" json:"maxInterval" validate:"gte=0"`
}

// ReconnectDelay returns the configured reconnect interval.
func (c *Config) ReconnectDelay() time.Duration {
	if c.ReconnectInterval <= 0 {
		return DefaultReconnectInterval * time.Second
	}
	return time.Duration(c.ReconnectInterval) * time.Second
}

// MaxReconnectDelay returns the cap for exponential reconnects.
func (c *Config) MaxReconnectDelay() time.Duration {
	return time.Duration(c.Reconnect.MaxInterval) * time.Second
}

// HandshakeDeadline returns the websocket handshake timeout.
func (c *Config) HandshakeDeadline() time.Duration {
	return time.Duration(c.HandshakeTimeout) * time.Second
}

// MiddlewareNames returns the configured middleware names in order.
func (c *Config) MiddlewareNames() []string {
	names := make([]string, 0, len(c.Middlewares))
	for _, m := range c.Middlewares {
		names = append(names, m.Name)
	}
	return names
}

// UnitConfig configures one capability unit.
type UnitConfig struct {
	Name string `yaml:"name" json:"name" validate:"required"`

	// Enabled defaults to true; only an explicit false skips the unit.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	Depends Depends `yaml:"depends" json:"depends"`

	// Settings are passed to the unit factory.
	Settings map[string]interface{} `yaml:"settings" json:"settings"`
}

// Depends lists what a unit needs from the rest of the configuration.
type Depends struct {
	// Middlewares must all appear in the agent-level middleware list.
	Middlewares []string `yaml:"middlewares" json:"middlewares"`
}

// IsEnabled reports whether the unit should be loaded.
func (u UnitConfig) IsEnabled() bool {
	return u.Enabled == nil || *u.Enabled
}

// DecodeSettings decodes the unit settings into target.
func (u UnitConfig) DecodeSettings(target interface{}) error {
	return decodeSettings(u.Name, u.Settings, target)
}

// MiddlewareConfig configures one agent-level middleware. In files it can
// be written as a bare name or as {name, settings}.
type MiddlewareConfig struct {
	Name     string                 `yaml:"name" json:"name" validate:"required"`
	Settings map[string]interface{} `yaml:"settings" json:"settings"`
}

// DecodeSettings decodes the middleware settings into target.
func (m MiddlewareConfig) DecodeSettings(target interface{}) error {
	return decodeSettings(m.Name, m.Settings, target)
}

type middlewareConfigFields MiddlewareConfig

// UnmarshalYAML accepts a scalar name or a mapping.
func (m *MiddlewareConfig) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		m.Name = strings.TrimSpace(value.Value)
		return nil
	}
	var fields middlewareConfigFields
	if err := value.Decode(&fields); err != nil {
		return err
	}
	*m = MiddlewareConfig(fields)
	return nil
}

// UnmarshalJSON accepts a string name or an object.
func (m *MiddlewareConfig) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		m.Name = strings.TrimSpace(name)
		return nil
	}
	var fields middlewareConfigFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*m = MiddlewareConfig(fields)
	return nil
}

func decodeSettings(owner string, settings map[string]interface{}, target interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		Result:           target,
		TagName:          "mapstructure",
	})
	if err != nil {
		return fmt.Errorf("failed to create settings decoder: %w", err)
	}
	if err := dec.Decode(settings); err != nil {
		return fmt.Errorf("invalid settings for %s: %w", owner, err)
	}
	return nil
}

// ValidationError describes one problem found while loading a file.
type ValidationError struct {
	File    string `json:"file"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	}
	if e.File != "" {
		return fmt.Sprintf("%s: %s", e.File, e.Message)
	}
	return e.Message
}

// LoadError groups the problems found in a configuration.
type LoadError struct {
	Errors []ValidationError
}

func (e *LoadError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, ve := range e.Errors {
		msgs = append(msgs, ve.String())
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}
