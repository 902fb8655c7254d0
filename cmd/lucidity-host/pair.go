package main

import (
	"fmt"
	"net"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucidity-sh/lucidity/internal/config"
	"github.com/lucidity-sh/lucidity/internal/host"
	"github.com/lucidity-sh/lucidity/internal/identity"
	"github.com/lucidity-sh/lucidity/internal/pairing"
	"github.com/lucidity-sh/lucidity/internal/trust"
)

func pairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Manage trusted devices",
	}
	cmd.AddCommand(listTrustedCmd(), revokeCmd(), showCmd())
	return cmd
}

// showCmd prints the host's pairing offer as terminal QR art, the same offer
// a running `serve` advertises, without needing a live session to ask for it.
func showCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Display this host's pairing QR code",
		RunE: func(cmd *cobra.Command, args []string) error {
			pngPath, _ := cmd.Flags().GetString("png")

			dir, err := config.UserConfigDir()
			if err != nil {
				return err
			}
			if err := config.EnsureUserConfigDir(dir); err != nil {
				return err
			}

			kp, err := identity.EnsureKeyPairAtPath(keypairPath(dir))
			if err != nil {
				return fmt.Errorf("load host identity: %w", err)
			}

			mgr := config.NewManager()
			if err := mgr.Load(dir); err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg := mgr.Get()

			listen := cfg.Listen
			if listen == "" {
				listen = host.ListenAddr()
			}
			_, port, err := net.SplitHostPort(listen)
			if err != nil {
				return fmt.Errorf("parse listen addr: %w", err)
			}
			lanAddr := ""
			if ip, err := bestLocalIP(); err == nil {
				lanAddr = net.JoinHostPort(ip, port)
			}

			payload := pairing.NewPairingPayload(kp.Public, time.Now()).
				WithConnectionInfo(lanAddr, "", envOr("LUCIDITY_RELAY_URL", cfg.RelayURL), envOr("LUCIDITY_RELAY_SECRET", cfg.RelaySecret))

			if pngPath != "" {
				png, err := pairing.QRCodePNG(payload, 256)
				if err != nil {
					return fmt.Errorf("render qr png: %w", err)
				}
				if err := os.WriteFile(pngPath, png, 0644); err != nil {
					return fmt.Errorf("write %s: %w", pngPath, err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "wrote", pngPath)
				return nil
			}

			art, err := pairing.ASCIIQRCode(payload)
			if err != nil {
				return fmt.Errorf("render qr: %w", err)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintln(w, "Lucidity")
			fmt.Fprintln(w)
			fmt.Fprintln(w, "Scan with Lucidity Mobile to pair this device.")
			fmt.Fprintln(w)
			fmt.Fprint(w, art)
			fmt.Fprintln(w, "Fingerprint:", identity.Fingerprint(kp.Public))
			if lanAddr != "" {
				fmt.Fprintln(w, "LAN address:", lanAddr)
			}
			fmt.Fprintln(w, "Valid for 5 minutes; rerun to refresh.")
			return nil
		},
	}
	cmd.Flags().String("png", "", "write the pairing QR code as a PNG to this path instead of printing ASCII art")
	return cmd
}

func openStore() (*trust.Store, error) {
	dir, err := config.UserConfigDir()
	if err != nil {
		return nil, err
	}
	if err := config.EnsureUserConfigDir(dir); err != nil {
		return nil, err
	}
	return trust.Open(trustDBPath(dir))
}

func listTrustedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List trusted devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			devices, err := store.ListDevices()
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				fmt.Println("no trusted devices")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "FINGERPRINT\tUSER\tDEVICE\tPAIRED_AT")
			for _, d := range devices {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n",
					identity.Fingerprint(d.PublicKey), d.UserEmail, d.DeviceName, d.PairedAt)
			}
			return w.Flush()
		},
	}
}

func revokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <pubkey-base64>",
		Short: "Revoke a trusted device by its encoded public key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, err := identity.DecodePublicKey(args[0])
			if err != nil {
				return fmt.Errorf("invalid public key: %w", err)
			}

			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			removed, err := store.RemoveDevice(pub)
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("device not trusted")
			}
			fmt.Println("revoked")
			return nil
		},
	}
}
