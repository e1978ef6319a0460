package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	tessera "github.com/tessera-im/tessera-go"
)

var sendReplyTo string

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "message id to quote")
}

var sendCmd = &cobra.Command{
	Use:   "send <chat-id> <message>",
	Short: "Send a message to a chat",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, content := args[0], args[1]
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		var opts *tessera.SendOptions
		if sendReplyTo != "" {
			opts = &tessera.SendOptions{ReplyToID: sendReplyTo}
		}

		msg, err := client.SendMessage(ctx, chatID, content, opts)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		fmt.Printf("Message sent to chat %s\n", chatID)
		fmt.Printf("  Message ID: %s\n", msg.ID)
		return nil
	},
}
