// Command lucidity-host runs the terminal host: it accepts authenticated
// connections from paired mobile devices (or other clients) and lets them
// attach to panes, exchange pairing offers, and manage trusted devices.
package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "lucidity-host",
		Short: "Lucidity terminal host",
		Long:  "Serves terminal panes to paired clients over a framed wire protocol, directly or via the relay.",
	}

	root.AddCommand(serveCmd(), keygenCmd(), pairCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// keypairPath resolves the host identity file, honoring LUCIDITY_HOST_KEYPAIR
// as an exact-path override of the default location under userConfigDir.
func keypairPath(userConfigDir string) string {
	return envOr("LUCIDITY_HOST_KEYPAIR", filepath.Join(userConfigDir, "host_identity.json"))
}

// trustDBPath resolves the trust store file, honoring LUCIDITY_DEVICE_TRUST_DB
// as an exact-path override of the default location under userConfigDir.
func trustDBPath(userConfigDir string) string {
	return envOr("LUCIDITY_DEVICE_TRUST_DB", filepath.Join(userConfigDir, "trust.db"))
}
