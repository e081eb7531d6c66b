package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	openstall "github.com/openstall/openstall-go"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch <conversation-id>",
	Short: "Follow a conversation live",
	Long: "Open a live session on a conversation: new messages stream in as they arrive, " +
		"read receipts are sent automatically, and lines typed on stdin are sent as messages. " +
		"Press Ctrl+C to leave.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		client := getClient()
		viewerID := getViewerID()

		session := openstall.NewSession(client, conversationID, viewerID, nil)
		if err := session.Open(context.Background()); err != nil {
			return fmt.Errorf("failed to open session: %w", err)
		}
		defer session.Close()

		fmt.Printf("Watching conversation %s (Ctrl+C to leave)\n", conversationID)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

		// Stdin lines become outgoing messages.
		lines := make(chan string)
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line != "" {
					lines <- line
				}
			}
			close(lines)
		}()

		var lastState openstall.ConnState
		seen := make(map[string]openstall.DeliveryState)

		for {
			select {
			case <-sig:
				fmt.Println("\nLeaving conversation.")
				return nil

			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if _, err := session.Send(line); err != nil {
					fmt.Printf("! send failed: %v\n", err)
				}

			case snap, ok := <-session.Updates():
				if !ok {
					return nil
				}
				if snap.State != lastState {
					fmt.Printf("-- connection: %s\n", snap.State)
					lastState = snap.State
				}
				if snap.Notice != "" {
					fmt.Printf("-- %s\n", snap.Notice)
				}
				for _, msg := range snap.Messages {
					key := msg.ID
					if key == "" {
						key = msg.ClientID
					}
					prev, printed := seen[key]
					if printed && prev == msg.Delivery {
						continue
					}
					seen[key] = msg.Delivery
					switch msg.Delivery {
					case openstall.DeliveryPending:
						fmt.Printf("… %s: %s\n", msg.SenderID, msg.Content)
					case openstall.DeliveryFailed:
						fmt.Printf("✗ %s: %s (failed)\n", msg.SenderID, msg.Content)
					default:
						if !printed {
							printMessage(msg)
						}
					}
				}
			}
		}
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message to a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, content := args[0], args[1]
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msg, err := client.PostMessage(ctx, conversationID, content, "")
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		fmt.Printf("Message sent to conversation %s\n", conversationID)
		fmt.Printf("  Message ID: %s\n", msg.ID)
		fmt.Printf("  Content:    %s\n", msg.Content)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(sendCmd)
}
