package host

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lucidity-sh/lucidity/internal/frame"
	"github.com/lucidity-sh/lucidity/internal/identity"
	"github.com/lucidity-sh/lucidity/internal/pairing"
	"github.com/lucidity-sh/lucidity/internal/trust"
)

// readTimeout bounds how long a session's read loop waits for the next
// chunk of bytes before treating the connection as dead.
const readTimeout = 30 * time.Second

// outputPollInterval is how long the output pump waits on a pane
// subscription before checking whether it should shut down.
const outputPollInterval = 250 * time.Millisecond

// Session serves one client connection: framing, the auth/pairing state
// machine, and request dispatch.
type Session struct {
	conn   net.Conn
	server *Server
	log    *slog.Logger

	decoder *frame.Decoder
	writeMu sync.Mutex

	authed      atomic.Bool
	nonce       string
	attachedID  atomic.Int64 // -1 means unattached
	dead        atomic.Bool
}

func newSession(conn net.Conn, server *Server, log *slog.Logger) *Session {
	s := &Session{
		conn:    conn,
		server:  server,
		log:     log,
		decoder: frame.NewDecoder(),
	}
	s.attachedID.Store(-1)
	return s
}

// Serve runs the session to completion: it returns once the connection is
// closed, cleanly or otherwise.
func (s *Session) Serve(ctx context.Context) {
	defer s.dead.Store(true)
	defer s.conn.Close()

	if isLoopback(s.conn.RemoteAddr()) {
		s.authed.Store(true)
	} else {
		s.nonce = uuid.NewString()
		s.writeResponse(&response{Op: "auth_challenge", Message: s.nonce})
	}

	buf := make([]byte, 64*1024)
	for {
		s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, err := s.conn.Read(buf)
		if err != nil {
			return
		}
		s.decoder.Push(buf[:n])

		for {
			f, ok, err := s.decoder.Next()
			if err != nil {
				s.log.Info("closing session: framing error", slog.String("error", err.Error()))
				return
			}
			if !ok {
				break
			}
			if !s.handleFrame(f) {
				return
			}
		}
	}
}

// handleFrame processes one decoded frame. It returns false when the
// session must be torn down.
func (s *Session) handleFrame(f frame.Frame) bool {
	switch f.Type {
	case frame.TypeJSON:
		return s.handleJSON(f.Payload)
	case frame.TypePaneInput:
		return s.handlePaneInput(f.Payload)
	default:
		s.writeResponse(errorResponse(fmt.Sprintf("unsupported frame type: %d", f.Type)))
		return false
	}
}

func (s *Session) handlePaneInput(payload []byte) bool {
	paneID := s.attachedID.Load()
	if paneID < 0 {
		s.writeResponse(errorResponse("received input before attach"))
		return true
	}
	if err := s.server.Bridge.SendInput(int(paneID), payload); err != nil {
		s.writeResponse(errorResponse(err.Error()))
	}
	return true
}

// preAuthWhitelist lists ops servable before AUTHED: pairing is how a
// mobile becomes trustable and cannot itself require prior trust.
var preAuthWhitelist = map[string]bool{
	"pairing_payload": true,
	"pairing_submit":  true,
	"auth_response":   true,
}

func (s *Session) handleJSON(payload []byte) bool {
	req, err := parseRequest(payload)
	if err != nil {
		s.writeResponse(errorResponse(err.Error()))
		return true
	}

	if !s.authed.Load() && !preAuthWhitelist[req.Op] {
		s.writeResponse(errorResponse("authentication required"))
		return true
	}

	switch req.Op {
	case "list_panes":
		s.handleListPanes()
	case "attach":
		s.handleAttach(req.PaneID)
	case "paste":
		if err := s.server.Bridge.SendPaste(req.PaneID, req.Text); err != nil {
			s.writeResponse(errorResponse(err.Error()))
		}
	case "resize":
		if err := s.server.Bridge.Resize(req.PaneID, req.Rows, req.Cols); err != nil {
			s.writeResponse(errorResponse(err.Error()))
		}
	case "pairing_payload":
		s.handlePairingPayload()
	case "pairing_submit":
		s.handlePairingSubmit(req.Request)
	case "pairing_list_trusted_devices":
		s.handleListTrustedDevices()
	case "auth_response":
		return s.handleAuthResponse(req)
	case "revoke_device":
		s.handleRevokeDevice(req.PublicKey)
	default:
		s.writeResponse(errorResponse(fmt.Sprintf("unknown op: %s", req.Op)))
	}
	return true
}

func (s *Session) handleListPanes() {
	panes, err := s.server.Bridge.ListPanes()
	if err != nil {
		s.writeResponse(errorResponse(err.Error()))
		return
	}
	s.writeResponse(&response{Op: "list_panes", Panes: panes})
}

func (s *Session) handleAttach(paneID int) {
	if s.attachedID.Load() >= 0 {
		s.writeResponse(errorResponse("already attached"))
		return
	}

	sub, err := s.server.Bridge.SubscribeOutput(paneID)
	if err != nil {
		s.writeResponse(errorResponse(fmt.Sprintf("no such pane: %d", paneID)))
		return
	}
	s.attachedID.Store(int64(paneID))

	go s.pumpOutput(paneID, sub)
	if ch, ok := s.server.Bridge.ClipboardWrites(paneID); ok {
		go s.pumpClipboard(ch)
	}

	s.writeResponse(&response{Op: "attach_ok", PaneID: paneID})
}

func (s *Session) pumpOutput(paneID int, sub OutputSubscription) {
	defer sub.Close()
	for !s.dead.Load() {
		chunk, ok, err := sub.RecvTimeout(outputPollInterval)
		if err != nil {
			return
		}
		if !ok {
			continue
		}
		enc, err := frame.Encode(frame.TypePaneOutput, chunk)
		if err != nil {
			continue
		}
		if !s.writeRaw(enc) {
			return
		}
	}
}

func (s *Session) pumpClipboard(ch <-chan string) {
	for !s.dead.Load() {
		select {
		case text, ok := <-ch:
			if !ok {
				return
			}
			s.writeResponse(&response{Op: "clipboard_push", Text: text})
		case <-time.After(outputPollInterval):
		}
	}
}

func (s *Session) handlePairingPayload() {
	payload := s.server.composePairingPayload()
	s.writeResponse(&response{Op: "pairing_payload", Payload: payload})
}

func (s *Session) handlePairingSubmit(req *pairing.PairingRequest) {
	if req == nil {
		s.writeResponse(errorResponse("missing pairing request"))
		return
	}

	now := time.Now()
	if err := req.Verify(s.server.HostKeypair.Public, now); err != nil {
		s.writeResponse(errorResponse(err.Error()))
		return
	}

	if s.server.Approver == nil {
		s.writeResponse(&response{Op: "pairing_response", Response: pairing.Rejected("pairing approval UI not available")})
		return
	}

	mobilePub, err := req.MobilePublicKeyBytes()
	if err != nil {
		s.writeResponse(&response{Op: "pairing_response", Response: pairing.Rejected(err.Error())})
		return
	}
	fingerprint := identity.Fingerprint(mobilePub)

	approval, err := s.server.approvePairing(req.UserEmail, req.DeviceName, fingerprint)
	if err != nil {
		s.writeResponse(&response{Op: "pairing_response", Response: pairing.Rejected(err.Error())})
		return
	}
	if !approval.Approved {
		reason := approval.Reason
		if reason == "" {
			reason = "rejected by user"
		}
		s.writeResponse(&response{Op: "pairing_response", Response: pairing.Rejected(reason)})
		return
	}

	pairedAt := now.Unix()
	if err := s.server.Trust.UpsertDevice(&trust.Device{
		PublicKey:  mobilePub,
		UserEmail:  req.UserEmail,
		DeviceName: req.DeviceName,
		PairedAt:   pairedAt,
		LastSeen:   &pairedAt,
	}); err != nil {
		s.writeResponse(&response{Op: "pairing_response", Response: pairing.Rejected(err.Error())})
		return
	}

	s.writeResponse(&response{Op: "pairing_response", Response: pairing.Approved()})
}

func (s *Session) handleListTrustedDevices() {
	devices, err := s.server.Trust.ListDevices()
	if err != nil {
		s.writeResponse(errorResponse(err.Error()))
		return
	}
	views := make([]trustedDeviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, deviceView(d))
	}
	s.writeResponse(&response{Op: "pairing_trusted_devices", Devices: views})
}

func (s *Session) handleRevokeDevice(pubkeyB64 string) {
	pub, err := identity.DecodePublicKey(pubkeyB64)
	if err != nil {
		s.writeResponse(errorResponse(err.Error()))
		return
	}
	removed, err := s.server.Trust.RemoveDevice(pub)
	if err != nil {
		s.writeResponse(errorResponse(err.Error()))
		return
	}
	if !removed {
		s.writeResponse(errorResponse("device not trusted (pair first)"))
		return
	}
	s.writeResponse(errorResponse("device revoked"))
}

func (s *Session) handleAuthResponse(req *request) bool {
	pub, err := identity.DecodePublicKey(req.PublicKey)
	if err != nil {
		s.writeResponse(errorResponse("invalid credentials"))
		return false
	}

	trusted, err := s.server.Trust.IsTrusted(pub)
	if err != nil || !trusted {
		s.writeResponse(errorResponse("device not trusted (pair first)"))
		return false
	}

	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil || !ed25519.Verify(pub, []byte(s.nonce), sig) {
		s.writeResponse(errorResponse("invalid signature"))
		return false
	}

	if err := s.server.Trust.UpdateLastSeen(pub, time.Now().Unix()); err != nil {
		s.log.Warn("failed to update last_seen", slog.String("error", err.Error()))
	}

	var signature *string
	if req.ClientNonce != "" {
		sig := ed25519.Sign(s.server.HostKeypair.Private, []byte(req.ClientNonce))
		enc := base64.StdEncoding.EncodeToString(sig)
		signature = &enc
	}

	s.authed.Store(true)
	s.writeResponse(&response{Op: "auth_success", Signature: signature})
	return true
}

func (s *Session) writeResponse(r *response) {
	payload, err := json.Marshal(r)
	if err != nil {
		return
	}
	enc, err := frame.Encode(frame.TypeJSON, payload)
	if err != nil {
		return
	}
	s.writeRaw(enc)
}

func (s *Session) writeRaw(data []byte) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(data)
	return err == nil
}

func isLoopback(addr net.Addr) bool {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return false
	}
	return tcpAddr.IP.IsLoopback()
}
