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
	chatsLimit  int
	chatsCursor string
	chatsJSON   bool
)

func init() {
	rootCmd.AddCommand(chatsCmd)
	chatsCmd.Flags().IntVar(&chatsLimit, "limit", 0, "page size")
	chatsCmd.Flags().StringVar(&chatsCursor, "cursor", "", "pagination cursor from a previous page")
	chatsCmd.Flags().BoolVar(&chatsJSON, "json", false, "print raw JSON")
}

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List chats, most recently active first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		limit := chatsLimit
		if limit <= 0 {
			limit = pageLimit(tessera.DefaultPageLimit)
		}
		page, err := client.FetchChats(ctx, tessera.FetchOptions{
			Limit:  limit,
			Cursor: chatsCursor,
		})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if chatsJSON {
			data, err := json.MarshalIndent(page, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(page.Data) == 0 {
			fmt.Println("No chats found.")
			return nil
		}

		for _, c := range page.Data {
			presence := " "
			if c.IsOnline {
				presence = "*"
			}
			last := ""
			if c.LastMessage != nil {
				if c.LastMessage.Deleted() {
					last = "(deleted)"
				} else if c.LastMessage.Content != nil {
					last = *c.LastMessage.Content
				}
			}
			fmt.Printf("%s %-24s %-20s unread=%-3d %s\n", presence, c.ID, c.CounterpartName, c.UnreadCount, last)
		}
		if page.Meta.HasNext {
			fmt.Printf("\nMore chats available: --cursor %s\n", page.Meta.NextCursor)
		}
		return nil
	},
}
