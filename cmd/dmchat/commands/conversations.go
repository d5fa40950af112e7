package commands

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/opd-ai/dmcore/conversation"
	"github.com/opd-ai/dmcore/identity"
	"github.com/opd-ai/dmcore/storage"
)

// conversations: list conversation summaries from the local store. Works
// offline; no node is started.
func conversationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conversations",
		Short: "List conversations, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			convs, err := conversation.NewManager(store).Conversations()
			if err != nil {
				return err
			}
			if len(convs) == 0 {
				fmt.Println("no conversations yet")
				return nil
			}
			for _, c := range convs {
				unread := ""
				if c.Unread > 0 {
					unread = color.GreenString(" (%d unread)", c.Unread)
				}
				fmt.Printf("%s %s%s\n", color.CyanString(c.Peer), c.LastAt.Format(time.DateTime), unread)
				fmt.Printf("  %s\n", c.LastPreview)
			}
			return nil
		},
	}
}

// history <peer>: page through a conversation.
func historyCmd() *cobra.Command {
	var (
		limit  int
		before int64
		read   bool
	)
	cmd := &cobra.Command{
		Use:   "history <peer>",
		Short: "Show messages exchanged with a peer, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer, err := identity.ParseID(args[0])
			if err != nil {
				return fmt.Errorf("invalid peer identity: %w", err)
			}

			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			convs := conversation.NewManager(store)

			msgs, err := convs.Messages(peer.String(), before, limit)
			if err != nil {
				return err
			}
			for _, msg := range msgs {
				printMessage(msg)
			}
			if len(msgs) > 0 {
				fmt.Println(color.HiBlackString("next page: --before %d", msgs[len(msgs)-1].Seq))
			}

			if read {
				return convs.MarkRead(peer.String())
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "messages per page")
	cmd.Flags().Int64Var(&before, "before", 0, "pagination cursor from the previous page")
	cmd.Flags().BoolVar(&read, "mark-read", false, "clear the unread count")
	return cmd
}

func printMessage(msg *storage.Message) {
	who := color.CyanString("them")
	if msg.Direction == storage.DirectionOutgoing {
		who = color.GreenString("me")
		if msg.Delivered {
			who += color.HiBlackString(" ✓")
		}
	}
	stamp := msg.CreatedAt.Format(time.DateTime)
	fmt.Printf("%s %s %s\n", color.HiBlackString(stamp), who, msg.Body)
}
