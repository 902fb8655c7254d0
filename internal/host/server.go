package host

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lucidity-sh/lucidity/internal/frame"
	"github.com/lucidity-sh/lucidity/internal/identity"
	"github.com/lucidity-sh/lucidity/internal/pairing"
	"github.com/lucidity-sh/lucidity/internal/trust"
)

const defaultListen = "127.0.0.1:9797"
const defaultMaxClients = 4

// ConnectionHints are the addresses a pairing payload should advertise. They
// change only through SetConnectionHints; the P2P supervisor's refresh loop
// updates its own snapshot and does not push a changed public address here.
type ConnectionHints struct {
	LANAddr      string
	ExternalAddr string
	RelayURL     string
	RelaySecret  string
}

// Server accepts host-session connections and dispatches them to Session.
type Server struct {
	Bridge      PaneBridge
	Trust       *trust.Store
	HostKeypair *identity.Keypair
	Approver    PairingApprover
	MaxClients  int
	Log         *slog.Logger

	hintsMu sync.RWMutex
	hints   ConnectionHints

	// approvalMu serializes pairing prompts: only one is visible to the
	// operator at a time, regardless of how many sessions are pairing
	// concurrently.
	approvalMu sync.Mutex

	active atomic.Int64
}

// approvePairing serializes Approver.ApprovePairing across all sessions.
func (s *Server) approvePairing(userEmail, deviceName, fingerprint string) (PairingApproval, error) {
	s.approvalMu.Lock()
	defer s.approvalMu.Unlock()
	return s.Approver.ApprovePairing(userEmail, deviceName, fingerprint)
}

// SetConnectionHints updates the addresses advertised in pairing payloads.
// Safe to call concurrently with Serve.
func (s *Server) SetConnectionHints(h ConnectionHints) {
	s.hintsMu.Lock()
	defer s.hintsMu.Unlock()
	s.hints = h
}

func (s *Server) composePairingPayload() *pairing.PairingPayload {
	s.hintsMu.RLock()
	h := s.hints
	s.hintsMu.RUnlock()

	return pairing.NewPairingPayload(s.HostKeypair.Public, time.Now()).
		WithConnectionInfo(h.LANAddr, h.ExternalAddr, h.RelayURL, h.RelaySecret)
}

// maxClients resolves LUCIDITY_MAX_CLIENTS, defaulting to 4.
func maxClients() int {
	if v := os.Getenv("LUCIDITY_MAX_CLIENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultMaxClients
}

// ListenAddr resolves LUCIDITY_LISTEN, defaulting to loopback-only.
func ListenAddr() string {
	if v := os.Getenv("LUCIDITY_LISTEN"); v != "" {
		return v
	}
	return defaultListen
}

// Disabled reports whether LUCIDITY_DISABLE_HOST opts the host session
// layer out entirely (used by embedders that only want the relay path).
func Disabled() bool {
	v := strings.ToLower(os.Getenv("LUCIDITY_DISABLE_HOST"))
	return v == "1" || v == "true"
}

// tryAcquire implements the same compare-and-swap admission guard as the
// teacher's ActiveClientGuard: a client is admitted only while the active
// count is strictly below max, and release always fires exactly once per
// successful acquire.
func (s *Server) tryAcquire(max int) bool {
	for {
		cur := s.active.Load()
		if cur >= int64(max) {
			return false
		}
		if s.active.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (s *Server) release() {
	s.active.Add(-1)
}

// Serve accepts connections on listener until it returns an error or ctx is
// canceled. Each connection is served on its own goroutine, gated by the
// MAX_CLIENTS admission guard.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	max := s.MaxClients
	if max <= 0 {
		max = maxClients()
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		go s.serveOne(ctx, conn, max)
	}
}

// ServeConn runs the session state machine over a single already-open
// connection, subject to the same MAX_CLIENTS admission guard as accepted
// TCP connections. The relay-fallback transport uses this to hand a
// WebSocket-backed net.Conn to the same session logic a direct listener
// would use.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	max := s.MaxClients
	if max <= 0 {
		max = maxClients()
	}
	s.serveOne(ctx, conn, max)
}

func (s *Server) serveOne(ctx context.Context, conn net.Conn, max int) {
	if !s.tryAcquire(max) {
		peer := conn.RemoteAddr().String()
		s.Log.Warn("rejecting client: max clients reached", slog.String("peer", peer), slog.Int("max", max))
		s.rejectBusy(conn, max)
		return
	}

	peer := conn.RemoteAddr().String()
	s.Log.Info("client connected", slog.String("peer", peer), slog.Int("max", max))

	defer s.release()
	defer s.Log.Info("client disconnected", slog.String("peer", peer))

	sess := newSession(conn, s, s.Log)
	sess.Serve(ctx)
}

func (s *Server) rejectBusy(conn net.Conn, max int) {
	defer conn.Close()
	payload := errorResponse(fmt.Sprintf("server busy: max clients (%d) reached", max))
	data, err := marshalResponse(payload)
	if err != nil {
		return
	}
	enc, err := frame.Encode(frame.TypeJSON, data)
	if err != nil {
		return
	}
	conn.Write(enc)
}
