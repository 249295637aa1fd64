package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	messagesPages int
	messagesJSON  bool
)

func init() {
	messagesCmd.Flags().IntVarP(&messagesPages, "pages", "p", 1, "Number of pages of history to load")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output JSON")
	rootCmd.AddCommand(messagesCmd)
}

var messagesCmd = &cobra.Command{
	Use:   "messages <chat-id>",
	Short: "Show a chat's messages, oldest first",
	Args:  cobra.ExactArgs(1),
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
		if err := loadPages(ctx, s.Messages, args[0], messagesPages); err != nil {
			return errors.Wrap(err, "failed to load messages")
		}

		snap := s.Messages.Snapshot()
		if messagesJSON {
			return printJSON(snap)
		}
		if snap.Page.HasMore() {
			fmt.Printf("(%d older messages not loaded)\n", snap.Page.TotalItems-len(snap.Entries))
		}
		for _, e := range snap.Entries {
			printEntry(e)
		}
		return nil
	},
}
