package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucidity-sh/lucidity/internal/config"
	"github.com/lucidity-sh/lucidity/internal/identity"
)

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate (or show) this host's Ed25519 identity",
		Long:  "Generates an Ed25519 keypair on first run and persists it under ~/.lucidity; subsequent runs just print the existing identity.",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := config.UserConfigDir()
			if err != nil {
				return err
			}
			if err := config.EnsureUserConfigDir(dir); err != nil {
				return err
			}

			kp, err := identity.EnsureKeyPairAtPath(keypairPath(dir))
			if err != nil {
				return err
			}

			fmt.Printf("public key: %s\n", identity.EncodePublicKey(kp.Public))
			fmt.Printf("fingerprint: %s\n", identity.Fingerprint(kp.Public))
			fmt.Printf("relay id:   %s\n", identity.RelayID(kp.Public))
			return nil
		},
	}
}
