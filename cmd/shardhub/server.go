package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/shardhub/shardhub/internal/metrics"
	"github.com/shardhub/shardhub/internal/server"
	"github.com/spf13/cobra"
)

func newServerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Run the host-agent role (supervises cluster worker subprocesses)",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()

			cfg, err := server.LoadFromEnv()
			if err != nil {
				log.Fatal().Err(err).Msg("failed to load configuration")
			}

			m := metrics.New()
			s := server.New(cfg, log, m)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Info().Str("hub_host", cfg.HubHost).Int("hub_port", cfg.HubPort).Msg("shardhub server starting")
			return s.Run(ctx)
		},
	}
}
