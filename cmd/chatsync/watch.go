package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Prismer-AI/chatsync"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch [chat-id]",
	Short: "Print live changes to your chats, or to one chat's messages",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := openBackend()
		if err != nil {
			return err
		}
		defer b.close()

		s := b.session()
		defer s.Close()

		ctx, cancel := signalContext()
		defer cancel()

		list := s.Chats
		owner := s.UserID()
		if len(args) == 1 {
			list = s.Messages
			owner = args[0]
		}

		known := map[string]chatsync.Entry{}
		stop := list.Observe(func(snap chatsync.Snapshot) {
			seen := make(map[string]struct{}, len(snap.Entries))
			for _, e := range snap.Entries {
				seen[e.ID] = struct{}{}
				prev, ok := known[e.ID]
				switch {
				case !ok:
					fmt.Print("+ ")
					printEntry(e)
				case prev.Content != e.Content || prev.Status != e.Status:
					fmt.Print("~ ")
					printEntry(e)
				}
				known[e.ID] = e
			}
			for id, e := range known {
				if _, ok := seen[id]; !ok {
					fmt.Print("- ")
					printEntry(e)
					delete(known, id)
				}
			}
		})
		defer stop()

		if err := list.Load(ctx, owner); err != nil {
			return errors.Wrap(err, "failed to load")
		}
		fmt.Printf("watching %s for %s, ctrl-c to stop\n", list.Cache().Collection().Name, owner)
		<-ctx.Done()
		return nil
	},
}
