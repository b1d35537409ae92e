package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/inboxsync/internal/api"
	"github.com/matheus3301/inboxsync/internal/message"
)

var (
	sendInternal bool
	sendReplyTo  int64
)

func init() {
	sendCmd.Flags().BoolVar(&sendInternal, "internal", false, "send as an internal note")
	sendCmd.Flags().Int64Var(&sendReplyTo, "reply-to", 0, "server id of the message being replied to")
	rootCmd.AddCommand(sendCmd, messagesCmd, joinCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text...>",
	Short: "Send a message, queueing it while offline",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID, err := parseConversationID(args[0])
		if err != nil {
			return err
		}
		req := api.SendRequest{
			ConversationID: convID,
			Content:        strings.Join(args[1:], " "),
			IsInternal:     sendInternal,
		}
		if sendReplyTo > 0 {
			req.ReplyToID = &sendReplyTo
		}
		return withClient(func(ctx context.Context, c *api.Client) error {
			m, err := c.SendMessage(ctx, req)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(m)
				return nil
			}
			fmt.Printf("%s %s\n", m.Identity(), m.Status)
			return nil
		})
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show a conversation's timeline, grouped by sender",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID, err := parseConversationID(args[0])
		if err != nil {
			return err
		}
		return withClient(func(ctx context.Context, c *api.Client) error {
			list, err := c.ListMessages(ctx, convID)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(list)
				return nil
			}
			if len(list.Groups) == 0 {
				fmt.Println("No messages.")
				return nil
			}
			for _, g := range list.Groups {
				note := ""
				if g.IsInternal {
					note = " (internal)"
				}
				fmt.Printf("%s %d%s  %s\n", g.SenderType, g.SenderID, note, g.StartedAt.Local().Format(time.DateTime))
				for _, m := range g.Messages {
					fmt.Printf("  %-9s %s\n", statusMark(m), m.Content)
				}
			}
			return nil
		})
	},
}

var joinCmd = &cobra.Command{
	Use:   "join <conversation-id>",
	Short: "Make a conversation active (0 leaves the current room)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || convID < 0 {
			return fmt.Errorf("invalid conversation id %q", args[0])
		}
		return withClient(func(ctx context.Context, c *api.Client) error {
			if err := c.SetActiveConversation(ctx, convID); err != nil {
				return err
			}
			if convID == 0 {
				fmt.Println("Left active conversation")
			} else {
				fmt.Printf("Active conversation: %d\n", convID)
			}
			return nil
		})
	},
}

func parseConversationID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid conversation id %q", s)
	}
	return id, nil
}

func statusMark(m message.InboxMessage) string {
	if m.Status == message.StatusError && m.Error != "" {
		return "[error: " + m.Error + "]"
	}
	return "[" + string(m.Status) + "]"
}
