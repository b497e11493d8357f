package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Kocoro-lab/riskcase/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the case API until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return server.Run(ctx, cfg, logger)
	},
}
