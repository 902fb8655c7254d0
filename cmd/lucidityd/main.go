// Command lucidityd runs the relay broker: the WebSocket rendezvous
// that pairs a desktop and a mobile client by session id when a direct
// path between them isn't reachable.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucidity-sh/lucidity/internal/logger"
	"github.com/lucidity-sh/lucidity/internal/relay"
)

func main() {
	root := &cobra.Command{
		Use:   "lucidityd",
		Short: "Lucidity relay broker",
		RunE:  run,
	}

	root.Flags().String("addr", envOr("LUCIDITY_RELAY_LISTEN", "0.0.0.0:9090"), "listen address")
	root.Flags().String("jwt-secret", os.Getenv("LUCIDITY_RELAY_JWT_SECRET"), "HS256 secret for mobile JWT auth")
	root.Flags().String("desktop-secret", os.Getenv("LUCIDITY_RELAY_DESKTOP_SECRET"), "shared secret for desktop bearer auth")
	root.Flags().Bool("no-auth", envBool("LUCIDITY_RELAY_NO_AUTH"), "disable auth entirely (development only)")
	root.Flags().String("log-level", envOr("LUCIDITY_LOG_LEVEL", "info"), "log level: debug, info, warn, error")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	jwtSecret, _ := cmd.Flags().GetString("jwt-secret")
	desktopSecret, _ := cmd.Flags().GetString("desktop-secret")
	noAuth, _ := cmd.Flags().GetBool("no-auth")
	logLevel, _ := cmd.Flags().GetString("log-level")

	if err := logger.Init(logLevel); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	log := logger.Log

	mode := relay.AuthRequired
	if noAuth {
		mode = relay.AuthDisabled
		log.Warn("relay auth is disabled; do not expose this listener to the internet")
	} else if jwtSecret == "" && desktopSecret == "" {
		return fmt.Errorf("at least one of jwt-secret or desktop-secret is required unless --no-auth is set")
	}

	state := relay.NewState(jwtSecret, desktopSecret, mode)
	srv := relay.NewServer(state, log)

	httpSrv := &http.Server{
		Addr:    addr,
		Handler: srv,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	go srv.RunHeartbeatChecker(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Info("lucidityd listening", slog.String("addr", addr))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true"
}
