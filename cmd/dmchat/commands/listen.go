package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/opd-ai/dmcore"
	"github.com/opd-ai/dmcore/identity"
	"github.com/opd-ai/dmcore/outbox"
	"github.com/opd-ai/dmcore/storage"
	"github.com/opd-ai/dmcore/transport"
)

// startMessenger boots a full node: identity, SQLite store, Noise-TCP
// transport, and the messenger on top.
func startMessenger(listenAddr string) (*dmcore.Messenger, error) {
	kp, err := loadIdentity()
	if err != nil {
		return nil, err
	}
	store, err := openStore()
	if err != nil {
		return nil, err
	}

	if listenAddr == "" {
		listenAddr = cfg.ListenAddr
	}
	tr, err := transport.NewTCPTransport(listenAddr, kp)
	if err != nil {
		store.Close()
		return nil, err
	}

	known, err := parsePeerFlags()
	if err != nil {
		tr.Close()
		store.Close()
		return nil, err
	}
	for key, addr := range known {
		if err := tr.AddPeer(key, addr); err != nil {
			tr.Close()
			store.Close()
			return nil, err
		}
	}

	return dmcore.New(dmcore.Options{
		Keys:      kp,
		Store:     store,
		Transport: tr,
		Outbox: outbox.Options{
			FlushInterval: cfg.FlushInterval,
			RetryCeiling:  cfg.RetryCeiling,
			BackoffBase:   cfg.BackoffBase,
			BackoffMax:    cfg.BackoffMax,
		},
	})
}

// listen: run the node until interrupted, printing inbound messages.
func listenCmd() *cobra.Command {
	var listenAddr string
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Run the node and print messages as they arrive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := startMessenger(listenAddr)
			if err != nil {
				return err
			}
			defer m.Close()

			m.OnMessage(func(peer identity.PublicKey, msg *storage.Message) {
				stamp := msg.CreatedAt.Format(time.Kitchen)
				fmt.Printf("%s %s %s\n", color.HiBlackString(stamp), color.CyanString(shortID(peer)), msg.Body)
			})
			m.OnDeliveryStateChange(func(peer identity.PublicKey, envelopeID string, state storage.DeliveryState) {
				if state == storage.StateAbandoned {
					fmt.Println(color.RedString("delivery abandoned:"), envelopeID, "to", shortID(peer))
				}
			})
			m.OnSessionStatus(func(peer identity.PublicKey, status dmcore.SessionStatus) {
				fmt.Println(color.HiBlackString("session"), shortID(peer), color.HiBlackString(status.String()))
			})

			fmt.Println("listening as", color.CyanString(m.ID().String()))

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop
			return nil
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "", "TCP listen address (default from DMCORE_LISTEN_ADDR)")
	return cmd
}

func shortID(peer identity.PublicKey) string {
	s := peer.String()
	return s[:8] + "…"
}
