package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"sitechecker/internal/app"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		a, err := app.New(cfgPath)
		if err != nil {
			return err
		}
		if err := a.Start(ctx); err != nil {
			return fmt.Errorf("start: %w", err)
		}

		reason := app.StopSignal
		select {
		case <-ctx.Done():
		case <-a.Done():
			if a.Err() != nil {
				reason = app.StopFatalError
			}
		}

		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, reason)
		if reason == app.StopFatalError {
			return a.Err()
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringP("config", "c", "./config.yaml", "path to the config file (JSON or YAML)")
	rootCmd.AddCommand(runCmd)
}
