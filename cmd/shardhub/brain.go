package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/shardhub/shardhub/internal/brain"
	"github.com/spf13/cobra"
)

func newBrainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "brain",
		Short: "Run the coordinator role (hub host + placement controller)",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()

			cfg, err := brain.LoadFromEnv()
			if err != nil {
				log.Fatal().Err(err).Msg("failed to load configuration")
			}

			b := brain.New(cfg, log)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Info().Str("host", cfg.Host).Int("port", cfg.Port).Msg("shardhub brain starting")
			return b.Run(ctx)
		},
	}
}

func newLogger() zerolog.Logger {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	switch os.Getenv("SHARDHUB_LOG_LEVEL") {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	return log
}
