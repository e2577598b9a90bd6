package commands

import (
	"errors"
	"io/fs"

	"github.com/rs/zerolog/log"

	"github.com/servantops/servant-agent/pkg/config"
)

// loadConfig reads the file named by --config. A missing file at the
// default location falls back to built-in defaults plus environment
// overrides.
func loadConfig(explicit bool) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		if cfg, err = config.Parse("defaults.yaml", nil); err != nil {
			return nil, err
		}
	}

	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	if jsonOutput {
		cfg.Telemetry.Logging.Format = "json"
	}
	return cfg, nil
}
