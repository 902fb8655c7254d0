// Package p2p discovers how a host can be reached from outside its LAN —
// via UPnP port mapping plus STUN/HTTP public-address discovery — and
// falls back to dialing out to a relay as a last resort when neither
// works. It hands the resulting transport to the host session layer
// unchanged: the session state machine doesn't know or care whether its
// net.Conn is a raw TCP accept or a WebSocket wrapped by this package.
package p2p

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/lucidity-sh/lucidity/internal/relay"
)

// refreshInterval is how often the supervisor re-checks its UPnP mapping
// and public IP once established.
const refreshInterval = 30 * time.Minute

// ExternalConnectionInfo is what the pairing payload composer consumes to
// advertise a directly reachable address.
type ExternalConnectionInfo struct {
	LocalIP      net.IP
	PublicIP     net.IP
	ExternalPort uint16
	LocalPort    uint16
	UPnPActive   bool
}

func (e ExternalConnectionInfo) LANAddr() string {
	return fmt.Sprintf("%s:%d", e.LocalIP, e.LocalPort)
}

func (e ExternalConnectionInfo) ExternalAddr() string {
	return fmt.Sprintf("%s:%d", e.PublicIP, e.ExternalPort)
}

// ConnServer is the subset of host.Server the relay-fallback transport
// needs; declared locally so this package doesn't import host just for a
// type it uses narrowly (and to keep the dependency direction pointing
// from host's embedder down into p2p, not the reverse).
type ConnServer interface {
	ServeConn(ctx context.Context, conn net.Conn)
}

// Supervisor owns the UPnP gateway handle and the current external
// connectivity snapshot, refreshing both on a timer.
type Supervisor struct {
	localPort uint16
	log       *slog.Logger

	gateway *gateway
	current ExternalConnectionInfo
	haveUPnP bool
}

func NewSupervisor(localPort uint16, log *slog.Logger) *Supervisor {
	return &Supervisor{localPort: localPort, log: log}
}

// Initialize runs the UPnP discovery + port mapping + public address
// sequence once. Callers should treat a returned error as "no direct path
// available" and fall back to the relay, not as fatal.
func (s *Supervisor) Initialize() (ExternalConnectionInfo, error) {
	if upnpDisabled() {
		return ExternalConnectionInfo{}, fmt.Errorf("p2p: upnp disabled via LUCIDITY_UPNP_DISABLE")
	}

	s.log.Info("initializing p2p connectivity")

	gw, err := discoverGateway()
	if err != nil {
		return ExternalConnectionInfo{}, err
	}
	s.gateway = gw

	localIP, err := localIPv4()
	if err != nil {
		return ExternalConnectionInfo{}, err
	}

	externalPort, err := gw.addPortMapping(localIP, s.localPort)
	if err != nil {
		return ExternalConnectionInfo{}, err
	}

	publicIP, resolvedPort := s.resolvePublicAddr(externalPort)

	info := ExternalConnectionInfo{
		LocalIP:      localIP,
		PublicIP:     publicIP,
		ExternalPort: resolvedPort,
		LocalPort:    s.localPort,
		UPnPActive:   true,
	}
	s.current = info
	s.haveUPnP = true

	s.log.Info("p2p connectivity ready",
		slog.String("public", info.ExternalAddr()),
		slog.String("local", info.LANAddr()))
	return info, nil
}

// resolvePublicAddr prefers STUN (it yields the NAT-observed port, which
// can differ from the UPnP-requested one under symmetric NAT) and falls
// back to an HTTP IP lookup, keeping the UPnP-granted port in that case.
func (s *Supervisor) resolvePublicAddr(upnpPort uint16) (net.IP, uint16) {
	if addr, err := discoverPublicAddrViaSTUN(); err == nil {
		return addr.IP, uint16(addr.Port)
	} else {
		s.log.Debug("stun discovery failed, falling back to http ip lookup", slog.String("error", err.Error()))
	}

	ip, err := discoverPublicIP()
	if err != nil {
		s.log.Warn("public ip discovery failed", slog.String("error", err.Error()))
		return net.IPv4zero, upnpPort
	}
	return ip, upnpPort
}

// GetExternalInfo returns the most recently established connectivity
// snapshot and whether UPnP is currently believed active.
func (s *Supervisor) GetExternalInfo() (ExternalConnectionInfo, bool) {
	return s.current, s.haveUPnP
}

// RunRefreshLoop periodically re-resolves the public IP and re-asserts the
// port mapping (routers expire leases; ISPs rotate addresses) until ctx is
// canceled.
func (s *Supervisor) RunRefreshLoop(ctx context.Context) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh()
		}
	}
}

func (s *Supervisor) refresh() {
	if s.gateway == nil || !s.haveUPnP {
		return
	}

	ip, err := discoverPublicIP()
	if err != nil {
		s.log.Warn("failed to check public ip during refresh", slog.String("error", err.Error()))
	} else if !ip.Equal(s.current.PublicIP) {
		s.log.Info("public ip changed", slog.String("old", s.current.PublicIP.String()), slog.String("new", ip.String()))
		s.current.PublicIP = ip
	}

	localIP, err := localIPv4()
	if err != nil {
		s.log.Warn("failed to refresh local ip", slog.String("error", err.Error()))
		return
	}
	if _, err := s.gateway.addPortMapping(localIP, s.localPort); err != nil {
		s.log.Warn("failed to refresh upnp mapping", slog.String("error", err.Error()))
		return
	}
	s.log.Debug("refreshed upnp mapping")
}

// Cleanup removes the UPnP port mapping on shutdown, best effort.
func (s *Supervisor) Cleanup() {
	if s.gateway == nil || !s.haveUPnP {
		return
	}
	if err := s.gateway.deletePortMapping(s.current.ExternalPort); err != nil {
		s.log.Warn("failed to remove upnp mapping", slog.String("error", err.Error()))
		return
	}
	s.log.Info("removed upnp port mapping")
}

// RunRelayFallback dials relayURL as the desktop half of the relay
// protocol and hands the resulting connection to srv as if it were an
// accepted TCP connection. It blocks until ctx is canceled or the relay
// connection drops, and the caller is expected to retry with backoff.
func RunRelayFallback(ctx context.Context, relayURL, relayID, relaySecret string, srv ConnServer, log *slog.Logger) error {
	wsURL, err := toWebSocketURL(relayURL, relayID)
	if err != nil {
		return err
	}

	header := map[string][]string{
		"Authorization": {relay.DesktopBearerToken(relayID, relaySecret, time.Now())},
	}
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("p2p: dial relay: %w", err)
	}
	defer conn.CloseNow()

	log.Info("connected to relay as desktop fallback transport", slog.String("relay_id", relayID))

	netConn := websocket.NetConn(ctx, conn, websocket.MessageBinary)
	srv.ServeConn(ctx, netConn)
	return nil
}

func upnpDisabled() bool {
	v := strings.ToLower(os.Getenv("LUCIDITY_UPNP_DISABLE"))
	return v == "1" || v == "true"
}

func toWebSocketURL(relayURL, relayID string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", fmt.Errorf("p2p: invalid relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/desktop/" + relayID
	return u.String(), nil
}
