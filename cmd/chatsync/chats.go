package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	chatsPages int
	chatsJSON  bool
)

func init() {
	chatsCmd.Flags().IntVarP(&chatsPages, "pages", "p", 1, "Number of pages to load")
	chatsCmd.Flags().BoolVar(&chatsJSON, "json", false, "Output JSON")
	chatsNewCmd.Flags().BoolVar(&chatsJSON, "json", false, "Output JSON")
	chatsCmd.AddCommand(chatsNewCmd)
	rootCmd.AddCommand(chatsCmd)
}

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List your chats, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := openBackend()
		if err != nil {
			return err
		}
		defer b.close()

		s := b.session()
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := loadPages(ctx, s.Chats, s.UserID(), chatsPages); err != nil {
			return errors.Wrap(err, "failed to load chats")
		}

		snap := s.Chats.Snapshot()
		if chatsJSON {
			return printJSON(snap)
		}
		if len(snap.Entries) == 0 {
			fmt.Println("No chats.")
			return nil
		}
		for _, e := range snap.Entries {
			printEntry(e)
		}
		fmt.Printf("\npage %d of %d (%d chats)\n", snap.Page.Page, snap.Page.TotalPages, snap.Page.TotalItems)
		return nil
	},
}

var chatsNewCmd = &cobra.Command{
	Use:   "new [title]",
	Short: "Create a chat, reusing an empty one if it exists",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		title := "New chat"
		if len(args) == 1 {
			title = args[0]
		}

		b, err := openBackend()
		if err != nil {
			return err
		}
		defer b.close()

		s := b.session()
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.LoadChats(ctx); err != nil {
			return errors.Wrap(err, "failed to load chats")
		}

		if empty, ok := s.EmptyChat(); ok {
			if chatsJSON {
				return printJSON(empty)
			}
			fmt.Printf("Reusing empty chat %s\n", empty.ID)
			return nil
		}

		chat, err := s.CreateChat(ctx, title)
		if err != nil {
			return errors.Wrap(err, "failed to create chat")
		}
		if chatsJSON {
			return printJSON(chat)
		}
		fmt.Printf("Created chat %s\n", chat.ID)
		return nil
	},
}
