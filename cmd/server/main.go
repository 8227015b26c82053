package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lexiqai/livecaption/internal/config"
	"github.com/lexiqai/livecaption/internal/engine"
	"github.com/lexiqai/livecaption/internal/observability"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		verbose   bool
		noConsole bool
		startPort int
	)

	cmd := &cobra.Command{
		Use:   "livecaption",
		Short: "Live caption and interpretation relay",
		Long: `livecaption transcribes a live audio feed, translates finished sentences
into every language somebody is listening to, and streams the results to
playback devices (one TCP port per language) and websocket caption clients.

Configuration comes from the environment and an optional .env file.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if verbose {
				cfg.LogLevel = "debug"
			}
			if cmd.Flags().Changed("start-port") {
				cfg.BasePort = startPort
			}
			if noConsole {
				cfg.ControlInput = "none"
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
			logger := observability.GetLogger()
			logger.Info().
				Str("log_level", cfg.LogLevel).
				Int("base_port", cfg.BasePort).
				Str("control_input", cfg.ControlInput).
				Msg("livecaption starting")

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			eng, err := engine.New(cfg, engine.Deps{})
			if err != nil {
				return fmt.Errorf("failed to start: %w", err)
			}
			return eng.Run(ctx)
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	cmd.Flags().IntVar(&startPort, "start-port", 9000, "First device port; languages use consecutive ports from here")
	cmd.Flags().BoolVar(&noConsole, "no-console", false, "Run without operator input (for supervised deployments)")
	return cmd
}
