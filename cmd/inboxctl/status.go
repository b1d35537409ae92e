package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/inboxsync/internal/api"
)

func init() {
	rootCmd.AddCommand(statusCmd, onlineCmd, watchCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show transport, network and queue status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			info, err := c.GetStatus(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(info)
				return nil
			}
			fmt.Printf("Session:   %s\n", info.Session)
			fmt.Printf("Uptime:    %s\n", time.Since(info.StartedAt).Round(time.Second))
			fmt.Printf("Transport: %s\n", info.Transport)
			fmt.Printf("Network:   %s\n", onlineLabel(info.Online))
			fmt.Printf("Syncing:   %v\n", info.Syncing)
			fmt.Printf("Queue:     %d queued, %d syncing, %d failed\n", info.Queue.Queued, info.Queue.Syncing, info.Queue.Failed)
			if !info.LastSyncAt.IsZero() {
				r := info.LastResult
				fmt.Printf("Last sync: %s (%d/%d sent, %d failed)\n", info.LastSyncAt.Local().Format(time.DateTime), r.Success, r.Total, r.Failed)
			}
			if info.ActiveConversation != 0 {
				fmt.Printf("Active:    conversation %d\n", info.ActiveConversation)
			}
			return nil
		})
	},
}

var onlineCmd = &cobra.Command{
	Use:   "online <true|false>",
	Short: "Override the daemon's network state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		online, err := strconv.ParseBool(args[0])
		if err != nil {
			return fmt.Errorf("invalid value %q: want true or false", args[0])
		}
		return withClient(func(ctx context.Context, c *api.Client) error {
			res, err := c.SetOnline(ctx, online)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(res)
				return nil
			}
			if !res.Changed {
				fmt.Printf("Network already %s\n", onlineLabel(res.Online))
				return nil
			}
			fmt.Printf("Network now %s\n", onlineLabel(res.Online))
			return nil
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [prefix]",
	Short: "Stream daemon events, optionally filtered by kind prefix",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix := ""
		if len(args) == 1 {
			prefix = args[0]
		}
		// Streams run until interrupted.
		return withClientContext(cmd.Context(), func(ctx context.Context, c *api.Client) error {
			err := c.WatchEvents(ctx, prefix, func(env api.EventEnvelope) error {
				if jsonOutput {
					outputJSON(env)
					return nil
				}
				fmt.Printf("%s %-28s %s\n", env.OccurredAt.Local().Format(time.TimeOnly), env.Kind, string(env.Payload))
				return nil
			})
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
	},
}

func onlineLabel(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}
