package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/servantops/servant-agent/pkg/agent"
	"github.com/servantops/servant-agent/pkg/config"
	"github.com/servantops/servant-agent/pkg/transports/websocket"
)

type validateResult struct {
	Path   string   `json:"path"`
	Valid  bool     `json:"valid"`
	Units  []string `json:"units,omitempty"`
	Errors []string `json:"errors,omitempty"`
}

func newValidateCommand() *cobra.Command {
	var skipUnits bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the agent configuration",
		Long: `Validate the agent configuration file.

This command checks:
  - YAML, JSON or CUE syntax
  - Field constraints (controller URL, reconnect settings, unit names)
  - That every configured unit and middleware can be loaded`,
		Example: `  # Validate the default config
  servant-agent validate

  # Validate a CUE config without loading units
  servant-agent validate -c ./agent.cue --skip-units`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().Str("path", configPath).Msg("Validating configuration")

			res := validateResult{Path: configPath}
			units, err := validateConfig(cmd, skipUnits)
			if err != nil {
				var lerr *config.LoadError
				if errors.As(err, &lerr) {
					for _, ve := range lerr.Errors {
						res.Errors = append(res.Errors, ve.String())
					}
				} else {
					res.Errors = []string{err.Error()}
				}
			} else {
				res.Valid = true
				res.Units = units
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(res); err != nil {
					return err
				}
			} else if res.Valid {
				fmt.Printf("%s: OK\n", res.Path)
				for _, u := range res.Units {
					fmt.Printf("  unit %s\n", u)
				}
			} else {
				fmt.Printf("%s: invalid\n", res.Path)
				for _, msg := range res.Errors {
					fmt.Printf("  - %s\n", msg)
				}
			}

			if !res.Valid {
				return fmt.Errorf("configuration %s is invalid", configPath)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&skipUnits, "skip-units", false, "only check the file, do not load units")

	return cmd
}

// validateConfig loads the config and, unless skipUnits is set, builds
// every unit and middleware it names without connecting.
func validateConfig(cmd *cobra.Command, skipUnits bool) ([]string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if skipUnits {
		return nil, nil
	}

	registry, err := newRegistry()
	if err != nil {
		return nil, err
	}

	m := agent.New(agent.OptionsFromConfig(cfg), registry, &websocket.Dialer{})
	defer m.Close()

	if err := m.Init(cmd.Context()); err != nil {
		return nil, err
	}
	return m.Units(), nil
}
