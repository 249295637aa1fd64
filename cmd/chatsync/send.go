package main

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Prismer-AI/chatsync"
)

var (
	sendSources  string
	sendNoStream bool
	sendTimeout  time.Duration
)

func init() {
	sendCmd.Flags().StringVar(&sendSources, "sources", "", "Comma-separated source ids to ground the reply on")
	sendCmd.Flags().BoolVar(&sendNoStream, "no-stream", false, "Only store the message, do not request a reply")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 2*time.Minute, "How long to wait for the reply")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <chat-id> <message>",
	Short: "Send a message and print the streamed reply",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID := args[0]
		content := strings.Join(args[1:], " ")

		b, err := openBackend()
		if err != nil {
			return err
		}
		defer b.close()

		s := b.session()
		defer s.Close()

		ctx, cancel := signalContext()
		defer cancel()

		if err := s.OpenChat(ctx, chatID); err != nil {
			return errors.Wrap(err, "failed to open chat")
		}

		draft := chatsync.Draft{ParentID: chatID, Content: content}
		if sendNoStream || b.streamer == nil {
			e, err := s.Send(ctx, draft)
			if err != nil {
				return err
			}
			fmt.Printf("Sent %s\n", e.ID)
			return nil
		}

		done := make(chan struct{})
		var once sync.Once
		printed := map[string]int{}
		streamed := map[string]bool{}
		// Observers run one at a time, so the maps need no lock.
		stop := s.Messages.Observe(func(snap chatsync.Snapshot) {
			for _, e := range snap.Entries {
				if e.Status == chatsync.StatusStreaming {
					streamed[e.ID] = true
				}
				if !streamed[e.ID] {
					continue
				}
				if n := printed[e.ID]; len(e.Content) > n {
					fmt.Print(e.Content[n:])
					printed[e.ID] = len(e.Content)
				}
				if e.Status.Terminal() {
					once.Do(func() { close(done) })
				}
			}
		})
		defer stop()

		var sources []string
		for _, id := range strings.Split(sendSources, ",") {
			if id = strings.TrimSpace(id); id != "" {
				sources = append(sources, id)
			}
		}
		if _, err := s.SendMessage(ctx, draft, chatsync.SendOptions{SourceIDs: sources}); err != nil {
			return err
		}

		select {
		case <-done:
			fmt.Println()
			return nil
		case <-time.After(sendTimeout):
			fmt.Println()
			return errors.Errorf("no complete reply after %s", sendTimeout)
		case <-ctx.Done():
			fmt.Println()
			return nil
		}
	},
}
