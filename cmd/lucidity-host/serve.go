package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucidity-sh/lucidity/internal/config"
	"github.com/lucidity-sh/lucidity/internal/host"
	"github.com/lucidity-sh/lucidity/internal/identity"
	"github.com/lucidity-sh/lucidity/internal/localbridge"
	"github.com/lucidity-sh/lucidity/internal/logger"
	"github.com/lucidity-sh/lucidity/internal/p2p"
	"github.com/lucidity-sh/lucidity/internal/trust"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve terminal panes to authenticated clients",
		RunE:  runServe,
	}
	cmd.Flags().String("listen", "", "override LUCIDITY_LISTEN (default 127.0.0.1:9797)")
	cmd.Flags().Bool("enable-p2p", false, "attempt UPnP+STUN direct connectivity")
	cmd.Flags().Bool("auto-approve-pairing", false, "skip the interactive pairing prompt (development only)")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	listenFlag, _ := cmd.Flags().GetString("listen")
	enableP2P, _ := cmd.Flags().GetBool("enable-p2p")
	autoApproveFlag, _ := cmd.Flags().GetBool("auto-approve-pairing")

	if host.Disabled() {
		fmt.Println("LUCIDITY_DISABLE_HOST is set; not starting the host session layer")
		return nil
	}

	userConfigDir, err := config.UserConfigDir()
	if err != nil {
		return err
	}
	if err := config.EnsureUserConfigDir(userConfigDir); err != nil {
		return err
	}

	mgr := config.NewManager()
	if err := mgr.Load(userConfigDir); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := mgr.Get()
	if cfg.DisableHost {
		fmt.Println("disable_host is set; not starting the host session layer")
		return nil
	}

	if err := logger.Init(envOr("LUCIDITY_LOG_LEVEL", cfg.LogLevel)); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	log := logger.Log

	listen := listenFlag
	if listen == "" {
		listen = cfg.Listen
	}
	if listen == "" {
		listen = host.ListenAddr()
	}

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listen, err)
	}
	warnIfUnspecified(log, listen)

	kp, err := identity.EnsureKeyPairAtPath(keypairPath(userConfigDir))
	if err != nil {
		return fmt.Errorf("load host identity: %w", err)
	}
	log.Info("host identity", slog.String("fingerprint", identity.Fingerprint(kp.Public)))

	trustStore, err := trust.Open(trustDBPath(userConfigDir))
	if err != nil {
		return fmt.Errorf("open trust store: %w", err)
	}
	defer trustStore.Close()

	bridge, err := localbridge.New()
	if err != nil {
		return fmt.Errorf("start local bridge: %w", err)
	}

	approver := host.PairingApprover(consoleApprover{})
	if autoApproveFlag || cfg.PairingAutoApprove {
		approver = autoApprover{}
	}

	srv := &host.Server{
		Bridge:      bridge,
		Trust:       trustStore,
		HostKeypair: kp,
		Approver:    approver,
		MaxClients:  cfg.MaxClients,
		Log:         log,
	}

	lanAddr := localListenAddr(listen, ln)
	srv.SetConnectionHints(host.ConnectionHints{LANAddr: lanAddr})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	directOK := false
	if enableP2P {
		sup := p2p.NewSupervisor(listenPort(listen), log)
		if info, err := sup.Initialize(); err != nil {
			log.Warn("p2p connectivity unavailable, staying LAN/relay-only", slog.String("error", err.Error()))
		} else {
			srv.SetConnectionHints(host.ConnectionHints{LANAddr: lanAddr, ExternalAddr: info.ExternalAddr()})
			directOK = true
			go sup.RunRefreshLoop(ctx)
			defer sup.Cleanup()
		}
	}

	relayURL := envOr("LUCIDITY_RELAY_URL", cfg.RelayURL)
	relaySecret := envOr("LUCIDITY_RELAY_SECRET", cfg.RelaySecret)
	if relayURL != "" && relaySecret != "" && !directOK {
		relayID := envOr("LUCIDITY_RELAY_ID", identity.RelayID(kp.Public))
		srv.SetConnectionHints(host.ConnectionHints{LANAddr: lanAddr, RelayURL: relayURL, RelaySecret: relaySecret})
		go runRelayFallbackLoop(ctx, relayURL, relayID, relaySecret, srv, log)
	}

	log.Info("lucidity-host listening", slog.String("addr", listen))
	return srv.Serve(ctx, ln)
}

// runRelayFallbackLoop keeps a relay-desktop connection alive, redialing
// with a fixed backoff whenever it drops, until ctx is canceled.
func runRelayFallbackLoop(ctx context.Context, relayURL, relayID, relaySecret string, srv *host.Server, log *slog.Logger) {
	const retryDelay = 10 * time.Second
	for {
		if err := p2p.RunRelayFallback(ctx, relayURL, relayID, relaySecret, srv, log); err != nil {
			log.Warn("relay fallback connection failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
	}
}

func warnIfUnspecified(log *slog.Logger, listen string) {
	hostPart, _, err := net.SplitHostPort(listen)
	if err != nil {
		return
	}
	ip := net.ParseIP(hostPart)
	if ip != nil && ip.IsUnspecified() {
		log.Warn("SECURITY WARNING: listening on all interfaces; anyone on your LAN can attempt to connect. Set LUCIDITY_LISTEN=127.0.0.1:9797 for localhost-only.")
	}
}

func localListenAddr(listen string, ln net.Listener) string {
	_, port, err := net.SplitHostPort(listen)
	if err != nil {
		return ln.Addr().String()
	}
	ip, err := bestLocalIP()
	if err != nil {
		return ln.Addr().String()
	}
	return net.JoinHostPort(ip, port)
}

func bestLocalIP() (string, error) {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("unexpected local addr type")
	}
	return addr.IP.String(), nil
}

func listenPort(listen string) uint16 {
	_, portStr, err := net.SplitHostPort(listen)
	if err != nil {
		return 9797
	}
	n, err := strconv.Atoi(portStr)
	if err != nil {
		return 9797
	}
	return uint16(n)
}

// consoleApprover prompts on stdin/stdout for each pairing request. Real
// deployments plug in a GUI PairingApprover instead; this is this repo's
// equivalent of the "fake in tests" approver, but interactive rather than
// pre-scripted.
type consoleApprover struct{}

func (consoleApprover) ApprovePairing(userEmail, deviceName, fingerprint string) (host.PairingApproval, error) {
	fmt.Printf("\nPairing request from %q (%s), fingerprint %s\nApprove? [y/N] ", deviceName, userEmail, fingerprint)
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	line = strings.ToLower(strings.TrimSpace(line))
	if line == "y" || line == "yes" {
		return host.PairingApproval{Approved: true}, nil
	}
	return host.PairingApproval{Approved: false, Reason: "rejected by user"}, nil
}

type autoApprover struct{}

func (autoApprover) ApprovePairing(userEmail, deviceName, fingerprint string) (host.PairingApproval, error) {
	return host.PairingApproval{Approved: true}, nil
}
