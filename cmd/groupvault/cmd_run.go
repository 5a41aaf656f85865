package main

import (
	"context"

	"groupvault/internal/app"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// runCmd starts the session and blocks until shutdown.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the session and archive incoming group messages",
	Long: `Acquires the single-instance session lock, launches (or attaches to) the
browser and keeps the session alive until SIGINT or SIGTERM.

When pairing is required the code is logged and written to qr.txt in the
session directory.`,
	Args: cobra.NoArgs,
	RunE: runSession,
}

func runSession(cmd *cobra.Command, args []string) error {
	a, err := app.New(cfg, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	logger.Info("Starting session",
		zap.String("endpoint", cfg.Session.EndpointURL),
		zap.String("session_dir", cfg.Session.Dir),
		zap.String("database", cfg.Storage.DatabasePath))

	err = a.Run(context.Background())
	status := a.Controller().Status()
	pstats := a.Pipeline().Stats()
	logger.Info("Session stopped",
		zap.String("state", string(status.State)),
		zap.Int64("processed", pstats.Processed),
		zap.Int64("filtered", pstats.Filtered),
		zap.Int64("dropped_messages", a.Controller().Dropped()),
		zap.Uint64("published", a.Hub().Published()))
	return err
}
