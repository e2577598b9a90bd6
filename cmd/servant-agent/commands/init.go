package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/servantops/servant-agent/pkg/config"
)

func newInitCommand() *cobra.Command {
	var (
		output string
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a sample agent configuration",
		Long: `Write a commented sample configuration enabling the security, monitoring
and nginx units. Existing files are kept unless --force is given.`,
		Example: `  # Write the default config
  servant-agent init

  # Write to a custom location, replacing any existing file
  servant-agent init --output ./agent.yaml --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := output
			if path == "" {
				path = configPath
			}

			log.Info().Str("path", path).Bool("force", force).Msg("Writing sample configuration")

			if err := config.WriteSample(path, force); err != nil {
				return err
			}

			fmt.Printf("Wrote %s\n", path)
			fmt.Println("Edit the controller url and unit settings, then run:")
			fmt.Printf("  servant-agent run -c %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "file to write (defaults to --config)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	return cmd
}
