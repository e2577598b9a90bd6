package commands

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/servantops/servant-agent/pkg/agent"
	"github.com/servantops/servant-agent/pkg/telemetry"
	"github.com/servantops/servant-agent/pkg/transaction"
	"github.com/servantops/servant-agent/pkg/transports/websocket"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the controller and serve requests",
		Long: `Load the configured units and middlewares, connect to the controller and
serve its requests until interrupted.

The agent re-dials the controller after a disconnect when autoReconnect is
set. With debug enabled, command steps are logged instead of executed.`,
		Example: `  # Run with the default config
  servant-agent run

  # Run with a specific config and debug logging
  servant-agent run -c ./agent.yaml -v`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), cmd.Flags().Changed("config"))
		},
	}

	return cmd
}

func runAgent(ctx context.Context, explicitConfig bool) error {
	cfg, err := loadConfig(explicitConfig)
	if err != nil {
		return err
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to flush traces")
		}
	}()

	registry, err := newRegistry()
	if err != nil {
		return err
	}

	host := transaction.NewLocalHost(tel.Logger.NewComponentLogger("host"), cfg.Debug)
	executor := transaction.NewExecutor(host, transaction.WithTelemetry(tel))
	dialer := &websocket.Dialer{
		HandshakeTimeout:   cfg.HandshakeDeadline(),
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	m := agent.New(agent.OptionsFromConfig(cfg), registry, dialer,
		agent.WithTelemetry(tel),
		agent.WithExecutor(executor),
	)
	defer func() {
		if err := m.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to release units")
		}
	}()

	if err := m.Init(ctx); err != nil {
		return err
	}

	log.Info().
		Str("url", cfg.URL).
		Strs("units", m.Units()).
		Bool("debug", cfg.Debug).
		Msg("Starting agent")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return tel.Metrics.ServeMetrics(gctx)
	})
	g.Go(func() error {
		return m.Serve(gctx)
	})

	return g.Wait()
}
