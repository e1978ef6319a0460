package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	tessera "github.com/tessera-im/tessera-go"
)

var tailChat string

func init() {
	rootCmd.AddCommand(tailCmd)
	tailCmd.Flags().StringVar(&tailChat, "chat", "", "only show events for this chat id")
}

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Tail the live event stream",
	Long:  "Connect to the event channel and print events as they are reconciled into the local cache.\nReconnects with backoff on drops; interrupt to stop.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, userID := getClient()
		session := tessera.NewSession(client, userID, nil)

		session.OnError(func(err error) {
			fmt.Fprintf(os.Stderr, "! %v\n", err)
		})
		session.Channel().OnStateChange(func(s tessera.ChannelState) {
			fmt.Fprintf(os.Stderr, "-- channel %s\n", s)
		})
		session.OnEvent(func(ev tessera.Event) {
			if tailChat != "" && ev.Meta.ChatID != tailChat {
				return
			}
			printEvent(session, ev)
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := session.Start(ctx); err != nil {
			return err
		}
		defer session.Stop()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		fmt.Fprintln(os.Stderr, "-- stopping")
		return nil
	},
}

func printEvent(session *tessera.Session, ev tessera.Event) {
	switch ev.Type {
	case tessera.EventTyping:
		users := session.Typing.TypingUsers(ev.Meta.ChatID)
		if len(users) > 0 {
			fmt.Printf("%s typing: %s\n", ev.Meta.ChatID, strings.Join(users, ", "))
		}
	case tessera.EventMessageCreated, tessera.EventMessageEdited, tessera.EventMessageDeleted:
		fmt.Printf("%s %s\n", ev.Meta.ChatID, ev.Type)
		for _, c := range session.Cache.Chats.Entries(tessera.ChatsKey) {
			if c.ID == ev.Meta.ChatID && c.LastMessage != nil {
				fmt.Printf("  %s\n", messageLine(*c.LastMessage))
				break
			}
		}
	default:
		fmt.Printf("%s %s\n", ev.Meta.ChatID, ev.Type)
	}
}
