// Package commands implements the dmchat command line interface: a small
// encrypted chat client over the dmcore messaging stack.
package commands

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opd-ai/dmcore/config"
	"github.com/opd-ai/dmcore/identity"
	"github.com/opd-ai/dmcore/storage"
)

var (
	home  string
	peers []string
	cfg   *config.Config
)

const identityFile = "identity"

// Execute runs the dmchat root command.
func Execute() error {
	root := &cobra.Command{
		Use:   "dmchat",
		Short: "End-to-end encrypted direct messaging CLI",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".dmchat")
			}
			if err := os.MkdirAll(home, 0o700); err != nil {
				return err
			}
			cfg = config.Load()
			return nil
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "data dir (default ~/.dmchat)")
	root.PersistentFlags().StringArrayVar(&peers, "peer", nil, "known peer as <identity>=<host:port>, repeatable")

	root.AddCommand(keygenCmd(), idCmd(), listenCmd(), sendCmd(), conversationsCmd(), historyCmd())
	return root.Execute()
}

// loadIdentity reads the local key pair from the identity file.
func loadIdentity() (*identity.KeyPair, error) {
	raw, err := os.ReadFile(filepath.Join(home, identityFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no identity found, run 'dmchat keygen' first")
		}
		return nil, err
	}

	seedBytes, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil || len(seedBytes) != identity.SeedSize {
		return nil, fmt.Errorf("identity file is corrupt")
	}
	var seed [identity.SeedSize]byte
	copy(seed[:], seedBytes)
	return identity.FromSeed(seed)
}

// openStore opens the SQLite store under the data dir, or the path from the
// environment when set.
func openStore() (storage.Store, error) {
	path := cfg.StorePath
	if path == "" {
		path = filepath.Join(home, "dmchat.db")
	}
	return storage.NewSQLiteStore(path)
}

// parsePeerFlags resolves each --peer flag into an identity and address.
func parsePeerFlags() (map[identity.PublicKey]string, error) {
	out := make(map[identity.PublicKey]string, len(peers))
	for _, entry := range peers {
		id, addr, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --peer %q, want <identity>=<host:port>", entry)
		}
		key, err := identity.ParseID(id)
		if err != nil {
			return nil, fmt.Errorf("invalid peer identity %q: %w", id, err)
		}
		out[key] = addr
	}
	return out, nil
}
