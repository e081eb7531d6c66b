package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	openstall "github.com/openstall/openstall-go"
	"github.com/spf13/cobra"
)

var (
	conversationsUnread bool
	conversationsJSON   bool

	messagesLimit int
	messagesJSON  bool
)

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List your conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		viewerID := getViewerID()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		conversations, err := client.ListConversations(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if conversationsUnread {
			filtered := conversations[:0]
			for _, c := range conversations {
				if c.UnreadCount > 0 {
					filtered = append(filtered, c)
				}
			}
			conversations = filtered
		}

		if conversationsJSON {
			b, _ := json.MarshalIndent(conversations, "", "  ")
			fmt.Println(string(b))
			return nil
		}

		if len(conversations) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		for _, c := range conversations {
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			other := c.Other(viewerID)
			name := other.DisplayName
			if name == "" {
				name = other.ID
			}
			fmt.Printf("  %s: %s%s\n", c.ID, name, unread)
		}
		return nil
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show message history for a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		messages, err := client.GetMessages(ctx, conversationID)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if messagesLimit > 0 && len(messages) > messagesLimit {
			messages = messages[len(messages)-messagesLimit:]
		}

		if messagesJSON {
			b, _ := json.MarshalIndent(messages, "", "  ")
			fmt.Println(string(b))
			return nil
		}

		if len(messages) == 0 {
			fmt.Println("No messages found.")
			return nil
		}

		for _, msg := range messages {
			printMessage(msg)
		}
		return nil
	},
}

// printMessage renders one message line for terminal output.
func printMessage(msg openstall.Message) {
	read := ""
	if msg.IsRead {
		read = " ✓"
	}
	fmt.Printf("[%s] %s: %s%s\n", msg.CreatedAt.Format(time.RFC3339), msg.SenderID, msg.Content, read)
}

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Show only unread conversations")
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")

	messagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", 0, "Maximum number of messages to show")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(messagesCmd)
}
