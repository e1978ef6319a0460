package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	tessera "github.com/tessera-im/tessera-go"
)

var (
	historyLimit     int
	historyCursor    string
	historyDirection string
	historyAround    string
	historyJSON      bool
)

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVar(&historyLimit, "limit", 0, "page size")
	historyCmd.Flags().StringVar(&historyCursor, "cursor", "", "pagination cursor from a previous page")
	historyCmd.Flags().StringVar(&historyDirection, "direction", "", "cursor direction: older or newer")
	historyCmd.Flags().StringVar(&historyAround, "around", "", "fetch a page centered on this message id")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "print raw JSON")
}

var historyCmd = &cobra.Command{
	Use:   "history <chat-id>",
	Short: "Page through a chat's message history",
	Long:  "Fetch one page of a chat's message history.\nWithout flags the newest page is returned; next_cursor walks older, prev_cursor walks newer.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID := args[0]
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		limit := historyLimit
		if limit <= 0 {
			limit = pageLimit(tessera.DefaultPageLimit)
		}
		opts := tessera.FetchOptions{
			Limit:           limit,
			Cursor:          historyCursor,
			AroundMessageID: historyAround,
		}
		switch historyDirection {
		case "":
		case "older":
			opts.Direction = tessera.DirectionOlder
		case "newer":
			opts.Direction = tessera.DirectionNewer
		default:
			return fmt.Errorf("invalid direction %q (valid: older, newer)", historyDirection)
		}

		page, err := client.FetchMessages(ctx, chatID, opts)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if historyJSON {
			data, err := json.MarshalIndent(page, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(page.Data) == 0 {
			fmt.Println("No messages found.")
			return nil
		}

		for _, msg := range page.Data {
			if msg.ReplyTo != nil {
				quoted := "(deleted)"
				if !msg.ReplyTo.Deleted && msg.ReplyTo.Content != nil {
					quoted = *msg.ReplyTo.Content
				}
				fmt.Printf("  > %s: %s\n", msg.ReplyTo.SenderID, quoted)
			}
			fmt.Println(messageLine(msg))
		}
		if page.Meta.HasNext {
			fmt.Printf("\nOlder messages: --cursor %s --direction older\n", page.Meta.NextCursor)
		}
		if page.Meta.HasPrev {
			fmt.Printf("Newer messages: --cursor %s --direction newer\n", page.Meta.PrevCursor)
		}
		return nil
	},
}
