package commands

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/opd-ai/dmcore"
	"github.com/opd-ai/dmcore/identity"
	"github.com/opd-ai/dmcore/storage"
)

// send <peer> <message>: encrypt and deliver one message.
func sendCmd() *cobra.Command {
	var (
		listenAddr string
		replyTo    string
		wait       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send <peer> <message>",
		Short: "Encrypt and send a message to a peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer, err := identity.ParseID(args[0])
			if err != nil {
				return fmt.Errorf("invalid peer identity: %w", err)
			}

			m, err := startMessenger(listenAddr)
			if err != nil {
				return err
			}
			defer m.Close()

			delivered := make(chan struct{})
			var once sync.Once
			m.OnDeliveryStateChange(func(p identity.PublicKey, envelopeID string, state storage.DeliveryState) {
				if state == storage.StateDelivered {
					once.Do(func() { close(delivered) })
				}
			})

			ctx, cancel := context.WithTimeout(context.Background(), wait)
			defer cancel()
			msg, err := m.Compose(ctx, peer, args[1], dmcore.ComposeOptions{ReplyTo: replyTo})
			if err != nil {
				return err
			}

			select {
			case <-delivered:
				fmt.Println(color.GreenString("delivered"), msg.EnvelopeID)
			case <-ctx.Done():
				fmt.Println(color.YellowString("queued"), msg.EnvelopeID, "(will retry in the background on next run)")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:0", "local TCP address for the session")
	cmd.Flags().StringVar(&replyTo, "reply-to", "", "envelope ID this message replies to")
	cmd.Flags().DurationVar(&wait, "wait", 10*time.Second, "how long to wait for the delivery ack")
	return cmd
}
