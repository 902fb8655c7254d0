package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Server is the relay broker's HTTP/WebSocket front end. It owns no
// persistent state beyond the in-memory State registry: a restart drops all
// desktops and sessions, which is an accepted tradeoff for a rendezvous
// service whose clients already reconnect and re-register on failure.
type Server struct {
	state *State
	log   *slog.Logger
	mux   *http.ServeMux
}

// NewServer builds a broker ready to serve.
func NewServer(state *State, log *slog.Logger) *Server {
	s := &Server{state: state, log: log, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /ws/desktop/{relay_id}", s.handleDesktopControl)
	s.mux.HandleFunc("GET /ws/mobile/{relay_id}", s.handleMobileControl)
	s.mux.HandleFunc("GET /ws/session/{session_id}", s.handleSessionTunnel)
	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// RunHeartbeatChecker runs until ctx is cancelled, periodically sweeping for
// desktops that have gone silent past HeartbeatTimeout and closing them.
func (s *Server) RunHeartbeatChecker(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, relayID := range s.state.deadDesktops() {
				s.log.Warn("desktop heartbeat timeout", slog.String("relay_id", relayID))
				if dc, ok := s.state.getDesktop(relayID); ok && dc.conn != nil {
					dc.conn.Close(websocket.StatusPolicyViolation, "heartbeat_timeout")
				}
			}
		}
	}
}

func acceptWS(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
}

func writePump(ctx context.Context, conn *websocket.Conn, send <-chan outMessage) {
	for msg := range send {
		if err := conn.Write(ctx, msg.kind, msg.data); err != nil {
			return
		}
	}
}

func trySend(ch chan outMessage, msg outMessage) bool {
	select {
	case ch <- msg:
		return true
	default:
		return false
	}
}

// --- desktop control ---

func (s *Server) handleDesktopControl(w http.ResponseWriter, r *http.Request) {
	relayID := r.PathValue("relay_id")
	log := s.log.With(slog.String("relay_id", relayID), slog.String("endpoint", "desktop"))

	var fingerprint string
	if s.state.AuthMode == AuthRequired {
		if s.state.DesktopSecret == "" {
			log.Warn("desktop connection rejected: no desktop secret configured")
			s.rejectBeforeAccept(w, r, 4401, "auth_not_configured")
			return
		}
		fp, err := authorizeDesktop(s.state.DesktopSecret, r.Header.Get("Authorization"))
		if err != nil {
			log.Warn("desktop auth failed", slog.String("error", err.Error()))
			s.rejectBeforeAccept(w, r, 4401, "unauthorized")
			return
		}
		fingerprint = fp
	}

	conn, err := acceptWS(w, r)
	if err != nil {
		return
	}
	ctx := context.Background()

	dc := &desktopControl{
		send:          make(chan outMessage, ChannelBufferSize),
		fingerprint:   fingerprint,
		conn:          conn,
		lastHeartbeat: time.Now(),
	}

	if !s.state.registerDesktop(relayID, dc) {
		log.Warn("desktop connection rejected: relay_id already in use")
		conn.Write(ctx, websocket.MessageText, controlMessage(409, "relay_id_in_use"))
		conn.Close(websocket.StatusNormalClosure, "")
		return
	}

	go writePump(ctx, conn, dc.send)
	trySend(dc.send, outMessage{kind: websocket.MessageText, data: controlMessage(200, "registered")})
	log.Info("desktop registered", slog.String("fingerprint", fingerprint))

	pingCtx, cancelPing := context.WithCancel(ctx)
	go desktopPingLoop(pingCtx, conn, dc)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		dc.touch()
		if typ != websocket.MessageText {
			continue
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case msgSessionAccept:
			s.handleSessionAccept(log, relayID, dc, msg.SessionID)
		case msgClose:
			s.handleDesktopCloseSession(msg.SessionID, msg.Reason)
		}
	}

	cancelPing()
	s.cleanupDesktop(relayID, log)
	close(dc.send)
	conn.CloseNow()
}

func (s *Server) handleSessionAccept(log *slog.Logger, relayID string, dc *desktopControl, sessionID string) {
	s.state.mu.Lock()
	pending, ok := s.state.pending[sessionID]
	if ok && pending.relayID == relayID {
		delete(s.state.pending, sessionID)
	} else {
		ok = false
	}
	s.state.mu.Unlock()
	if !ok {
		return
	}

	s.state.addSession(sessionID, &activeSession{
		relayID:            relayID,
		slots:              &sessionSlots{},
		desktopFingerprint: dc.fingerprint,
		mobileFingerprint:  pending.mobileFingerprint,
		mobileSend:         pending.mobileSend,
	})

	trySend(pending.mobileSend, outMessage{kind: websocket.MessageText, data: controlMessage(200, "session_accepted:"+sessionID)})
	trySend(dc.send, outMessage{kind: websocket.MessageText, data: controlMessage(200, "open_session:"+sessionID)})
	log.Info("session accepted", slog.String("session_id", sessionID))
}

func (s *Server) handleDesktopCloseSession(sessionID, reason string) {
	if session, ok := s.state.getSession(sessionID); ok {
		s.state.removeSession(sessionID)
		trySend(session.mobileSend, outMessage{kind: websocket.MessageText, data: closeMessage(sessionID, reason)})
		return
	}
	if pending, ok := s.state.takePending(sessionID); ok {
		trySend(pending.mobileSend, outMessage{kind: websocket.MessageText, data: closeMessage(sessionID, reason)})
	}
}

func (s *Server) cleanupDesktop(relayID string, log *slog.Logger) {
	s.state.removeDesktop(relayID)

	for _, sid := range s.state.pendingIDsForRelay(relayID) {
		if pending, ok := s.state.takePending(sid); ok {
			trySend(pending.mobileSend, outMessage{kind: websocket.MessageText, data: closeMessage(sid, "desktop_disconnected")})
		}
	}
	for _, sid := range s.state.sessionIDsForRelay(relayID) {
		if session, ok := s.state.getSession(sid); ok {
			trySend(session.mobileSend, outMessage{kind: websocket.MessageText, data: closeMessage(sid, "desktop_disconnected")})
		}
		s.state.removeSession(sid)
	}
	log.Info("desktop disconnected")
}

func desktopPingLoop(ctx context.Context, conn *websocket.Conn, dc *desktopControl) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
			dc.touch()
		}
	}
}

// --- mobile control ---

func (s *Server) handleMobileControl(w http.ResponseWriter, r *http.Request) {
	relayID := r.PathValue("relay_id")
	log := s.log.With(slog.String("relay_id", relayID), slog.String("endpoint", "mobile"))

	var mobileFingerprint string
	if s.state.AuthMode == AuthRequired {
		if s.state.JWTSecret == "" {
			log.Warn("mobile connection rejected: no jwt secret configured")
			s.rejectBeforeAccept(w, r, 4401, "auth_not_configured")
			return
		}
		claims, err := authorizeMobile(s.state.JWTSecret, r.Header.Get("Authorization"))
		if err != nil {
			s.rejectBeforeAccept(w, r, 4401, "unauthorized")
			return
		}
		if !claims.Subscription {
			s.rejectBeforeAccept(w, r, 4403, "subscription_required")
			return
		}
		mobileFingerprint = claims.DeviceFingerprint
	}

	conn, err := acceptWS(w, r)
	if err != nil {
		return
	}
	ctx := context.Background()

	send := make(chan outMessage, ChannelBufferSize)
	go writePump(ctx, conn, send)

	typ, data, err := conn.Read(ctx)
	if err != nil {
		close(send)
		conn.CloseNow()
		return
	}
	var first Message
	if typ != websocket.MessageText || json.Unmarshal(data, &first) != nil || first.Type != msgConnect || first.RelayID != relayID {
		trySend(send, outMessage{kind: websocket.MessageText, data: controlMessage(400, "expected connect")})
		conn.Close(websocket.StatusNormalClosure, "")
		close(send)
		return
	}
	clientID := first.PairingClientID

	desktop, ok := s.state.getDesktop(relayID)
	if !ok {
		trySend(send, outMessage{kind: websocket.MessageText, data: controlMessage(404, "desktop_offline")})
		conn.Close(websocket.StatusNormalClosure, "")
		close(send)
		return
	}

	sessionID := uuid.NewString()
	s.state.addPending(sessionID, &pendingSession{
		relayID:           relayID,
		clientID:          clientID,
		mobileSend:        send,
		mobileFingerprint: mobileFingerprint,
	})

	trySend(desktop.send, outMessage{kind: websocket.MessageText, data: sessionRequestMessage(sessionID, clientID)})
	trySend(send, outMessage{kind: websocket.MessageText, data: controlMessage(200, "session_created:"+sessionID)})
	log.Info("mobile connected", slog.String("client_id", clientID), slog.String("session_id", sessionID))

	for {
		_, _, err := conn.Read(ctx)
		if err != nil {
			break
		}
		// The control socket carries nothing further from the mobile side
		// once Connect has been sent; only the tunnel socket carries data.
	}

	if pending, ok := s.state.takePending(sessionID); ok {
		_ = pending
		if desktop, ok := s.state.getDesktop(relayID); ok {
			trySend(desktop.send, outMessage{kind: websocket.MessageText, data: closeMessage(sessionID, "mobile_disconnected")})
		}
	}

	close(send)
	conn.CloseNow()
	log.Info("mobile control disconnected", slog.String("session_id", sessionID))
}

// --- session tunnel ---

func (s *Server) handleSessionTunnel(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	roleParam := r.URL.Query().Get("role")
	role, ok := parseSessionRole(roleParam)
	if !ok {
		role = roleMobile
	}
	providedFingerprint := r.URL.Query().Get("fingerprint")

	session, ok := s.state.getSession(sessionID)
	if !ok {
		s.rejectBeforeAccept(w, r, 4404, "unknown_session")
		return
	}

	if s.state.AuthMode == AuthRequired {
		expected := session.mobileFingerprint
		if role == roleDesktop {
			expected = session.desktopFingerprint
		}
		if expected != "" {
			if providedFingerprint == "" {
				s.rejectBeforeAccept(w, r, 4401, "fingerprint_required")
				return
			}
			if providedFingerprint != expected {
				s.rejectBeforeAccept(w, r, 4403, "fingerprint_mismatch")
				return
			}
		}
	}

	conn, err := acceptWS(w, r)
	if err != nil {
		return
	}
	ctx := context.Background()

	send := make(chan outMessage, ChannelBufferSize)
	session.slots.set(role, send)
	go writePump(ctx, conn, send)

	s.log.Info("session tunnel connected", slog.String("session_id", sessionID), slog.Int("role", int(role)))

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		if peer := session.slots.peer(role); peer != nil {
			if !trySend(peer, outMessage{kind: typ, data: data}) {
				s.log.Warn("dropping message: channel full", slog.String("session_id", sessionID))
			}
		}
	}

	session.slots.clear(role)
	close(send)
	conn.CloseNow()
	s.log.Info("session tunnel disconnected", slog.String("session_id", sessionID), slog.Int("role", int(role)))
}

// rejectBeforeAccept completes the WebSocket handshake just far enough to
// send a close frame with a custom status code, matching close codes the
// client is expected to branch on (4401/4403/4404).
func (s *Server) rejectBeforeAccept(w http.ResponseWriter, r *http.Request, code websocket.StatusCode, reason string) {
	conn, err := acceptWS(w, r)
	if err != nil {
		return
	}
	conn.Close(code, reason)
}
