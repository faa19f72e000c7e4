package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"sitechecker/internal/admin"
	"sitechecker/internal/boot"
)

var broadcastCmd = &cobra.Command{
	Use:   "broadcast [action]",
	Short: "Deliver a broadcast to a running daemon",
	Long: `Sends a broadcast to the daemon's admin server. The action defaults to
` + boot.ActionBootCompleted + `, which submits the initialize task.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		token, _ := cmd.Flags().GetString("token")
		rawExtras, _ := cmd.Flags().GetStringArray("extra")

		action := boot.ActionBootCompleted
		if len(args) == 1 {
			action = args[0]
		}
		extras, err := parseExtras(rawExtras)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 20*time.Second)
		defer cancel()
		c := admin.NewClient(addr, token)
		if err := c.Broadcast(ctx, admin.BroadcastRequest{Action: action, Source: "cli", Extras: extras}); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "delivered %s\n", action)
		return nil
	},
}

func parseExtras(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(raw))
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("--extra %q: want key=value", kv)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

func init() {
	broadcastCmd.Flags().String("addr", admin.DefaultAddr, "admin server address")
	broadcastCmd.Flags().String("token", "", "admin bearer token")
	broadcastCmd.Flags().StringArray("extra", nil, "extra key=value (repeatable)")
	rootCmd.AddCommand(broadcastCmd)
}
