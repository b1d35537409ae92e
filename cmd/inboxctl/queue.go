package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/inboxsync/internal/api"
)

func init() {
	rootCmd.AddCommand(queueCmd, syncCmd, retryCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List offline messages waiting to be sent",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			items, err := c.ListQueue(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(items)
				return nil
			}
			if len(items) == 0 {
				fmt.Println("Queue is empty.")
				return nil
			}
			for _, m := range items {
				fmt.Printf("%-36s conv=%-6d %-8s retries=%d %s  %s\n",
					m.ID, m.ConversationID, m.Status, m.RetryCount,
					m.CreatedAt.Local().Format(time.DateTime), preview(m.Content))
				if m.LastError != "" {
					fmt.Printf("%36s last error: %s\n", "", m.LastError)
				}
			}
			return nil
		})
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain the offline queue now and wait for the result",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			res, err := c.RequestSync(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(res)
				return nil
			}
			fmt.Printf("Synced %d of %d (%d failed)\n", res.Success, res.Total, res.Failed)
			return nil
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <message-id>",
	Short: "Requeue a failed message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			m, err := c.RetryMessage(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(m)
				return nil
			}
			fmt.Printf("Requeued %s (%s)\n", args[0], m.Status)
			return nil
		})
	},
}

func preview(s string) string {
	const limit = 48
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-1]) + "…"
}
