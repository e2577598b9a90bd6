package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/servantops/servant-agent/pkg/telemetry"
)

// Environment overrides applied after a file is loaded.
const (
	EnvURL      = "SERVANT_URL"
	EnvLogLevel = "SERVANT_LOG_LEVEL"
)

// DefaultURL is the controller address used when none is configured.
const DefaultURL = "ws://127.0.0.1:8010"

// DefaultReconnectInterval is the reconnect delay, in seconds, used when
// reconnectInterval is unset or zero.
const DefaultReconnectInterval = 10

var validate = validator.New()

// Default returns the configuration used for keys a file leaves out.
func Default() *Config {
	return &Config{
		URL:               DefaultURL,
		AutoReconnect:     false,
		ReconnectInterval: DefaultReconnectInterval,
		Reconnect: ReconnectConfig{
			Strategy:    StrategyConstant,
			MaxInterval: 300,
		},
		HandshakeTimeout:   30,
		InsecureSkipVerify: true,
		Telemetry:          *telemetry.DefaultConfig(),
	}
}

// Load reads, decodes and validates the configuration at path. The format
// is chosen by extension: .yaml, .yml, .json or .cue.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(filepath.Base(path), content)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes content, applies environment overrides and validates the
// result. The filename extension selects the format.
func Parse(filename string, content []byte) (*Config, error) {
	cfg := Default()

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(content))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to decode %s: %w", filename, err)
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(content))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", filename, err)
		}
	case ".cue":
		if err := NewCUEParser().Parse(filename, content, cfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(filename))
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvURL); v != "" {
		cfg.URL = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Telemetry.Logging.Level = strings.ToLower(v)
	}
}

// Validate checks struct constraints and the cross-field rules of the
// configuration.
func (c *Config) Validate() error {
	var problems []ValidationError

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("failed to validate config: %w", err)
		}
		for _, fe := range verrs {
			problems = append(problems, ValidationError{
				Message: fmt.Sprintf("%s failed on %q", fe.Namespace(), fe.Tag()),
			})
		}
	}

	if u, err := url.Parse(c.URL); err == nil && c.URL != "" {
		if u.Scheme != "ws" && u.Scheme != "wss" {
			problems = append(problems, ValidationError{
				Message: fmt.Sprintf("url scheme must be ws or wss, got %q", u.Scheme),
			})
		}
	}

	seen := make(map[string]bool, len(c.Units))
	for _, u := range c.Units {
		key := strings.ToLower(u.Name)
		if seen[key] {
			problems = append(problems, ValidationError{
				Message: fmt.Sprintf("unit %q is configured more than once", u.Name),
			})
		}
		seen[key] = true
	}

	if err := c.Telemetry.Validate(); err != nil {
		problems = append(problems, ValidationError{Message: "telemetry: " + err.Error()})
	}

	if len(problems) > 0 {
		return &LoadError{Errors: problems}
	}
	return nil
}
