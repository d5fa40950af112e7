package commands

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/opd-ai/dmcore/identity"
)

// keygen: create the local identity key pair.
func keygenCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new identity key pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join(home, identityFile)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("identity already exists at %s (use --force to replace it)", path)
			}

			kp, err := identity.GenerateKeyPair()
			if err != nil {
				return err
			}
			seed := hex.EncodeToString(kp.Seed[:])
			if err := os.WriteFile(path, []byte(seed+"\n"), 0o600); err != nil {
				return err
			}

			fmt.Println("identity:", color.CyanString(kp.Public.String()))
			fmt.Println("share this identity with peers; the key file stays in", home)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing identity")
	return cmd
}

// id: print the local identity string.
func idCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "id",
		Short: "Print the local identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := loadIdentity()
			if err != nil {
				return err
			}
			fmt.Println(color.CyanString(kp.Public.String()))
			return nil
		},
	}
}
