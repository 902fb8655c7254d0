package relay

import (
	"sync"
	"time"

	"github.com/coder/websocket"
)

// ChannelBufferSize bounds every outbound per-socket channel. It is the
// entire DoS bound on per-connection memory: a saturated channel drops
// messages rather than blocking the reader that would otherwise feed it.
const ChannelBufferSize = 1024

// HeartbeatInterval is how often the broker pings desktops and sweeps for
// dead connections.
const HeartbeatInterval = 30 * time.Second

// HeartbeatTimeout is how long a desktop may go without a heartbeat before
// the broker considers it dead.
const HeartbeatTimeout = 90 * time.Second

// outMessage is one queued frame: either JSON control text or an opaque
// binary tunnel payload.
type outMessage struct {
	kind websocket.MessageType
	data []byte
}

// desktopControl tracks one registered desktop's control socket.
type desktopControl struct {
	send        chan outMessage
	fingerprint string
	conn        *websocket.Conn

	mu            sync.Mutex
	lastHeartbeat time.Time
}

func (d *desktopControl) touch() {
	d.mu.Lock()
	d.lastHeartbeat = time.Now()
	d.mu.Unlock()
}

func (d *desktopControl) idleFor() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return time.Since(d.lastHeartbeat)
}

// pendingSession tracks a mobile that has connected but whose desktop has
// not yet accepted.
type pendingSession struct {
	relayID           string
	clientID          string
	mobileSend        chan outMessage
	mobileFingerprint string
}

// sessionSlots holds the two tunnel-socket senders for an accepted session;
// either may be nil until that half connects.
type sessionSlots struct {
	mu         sync.Mutex
	desktopTx  chan outMessage
	mobileTx   chan outMessage
}

func (s *sessionSlots) set(role sessionRole, tx chan outMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if role == roleDesktop {
		s.desktopTx = tx
	} else {
		s.mobileTx = tx
	}
}

func (s *sessionSlots) clear(role sessionRole) {
	s.set(role, nil)
}

func (s *sessionSlots) peer(role sessionRole) chan outMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if role == roleDesktop {
		return s.mobileTx
	}
	return s.desktopTx
}

// activeSession is a session the desktop has accepted.
type activeSession struct {
	relayID            string
	slots              *sessionSlots
	desktopFingerprint string
	mobileFingerprint  string

	// mobileSend is the mobile's control-plane socket, carried forward from
	// the pendingSession it was accepted from. It is distinct from
	// slots.mobileTx (the tunnel-socket sender): this is used to deliver
	// control-plane notifications like a desktop-disconnect Close, which
	// the mobile's control socket — not its tunnel socket — must receive.
	mobileSend chan outMessage
}

// sessionRole identifies which half of a tunnel a socket represents.
type sessionRole int

const (
	roleMobile sessionRole = iota
	roleDesktop
)

func parseSessionRole(s string) (sessionRole, bool) {
	switch s {
	case "desktop":
		return roleDesktop, true
	case "mobile":
		return roleMobile, true
	default:
		return roleMobile, false
	}
}

// AuthMode controls whether the broker requires authentication.
type AuthMode int

const (
	// AuthRequired is the production default: desktops must present a valid
	// HMAC bearer token, mobiles a valid HS256 JWT.
	AuthRequired AuthMode = iota
	// AuthDisabled allows unauthenticated connections; only for local
	// development, never the default.
	AuthDisabled
)

// State is the broker's entire in-memory, process-wide registry. It is
// intentionally not persisted: a broker restart drops all sessions and
// desktops reconnect and re-register.
type State struct {
	mu       sync.RWMutex
	desktops map[string]*desktopControl
	pending  map[string]*pendingSession
	sessions map[string]*activeSession

	JWTSecret     string
	DesktopSecret string
	AuthMode      AuthMode
}

// NewState builds an empty broker registry.
func NewState(jwtSecret, desktopSecret string, mode AuthMode) *State {
	return &State{
		desktops: make(map[string]*desktopControl),
		pending:  make(map[string]*pendingSession),
		sessions: make(map[string]*activeSession),

		JWTSecret:     jwtSecret,
		DesktopSecret: desktopSecret,
		AuthMode:      mode,
	}
}

func (st *State) registerDesktop(relayID string, dc *desktopControl) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, exists := st.desktops[relayID]; exists {
		return false
	}
	st.desktops[relayID] = dc
	return true
}

func (st *State) getDesktop(relayID string) (*desktopControl, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	dc, ok := st.desktops[relayID]
	return dc, ok
}

func (st *State) removeDesktop(relayID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.desktops, relayID)
}

func (st *State) addPending(sessionID string, p *pendingSession) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.pending[sessionID] = p
}

func (st *State) takePending(sessionID string) (*pendingSession, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	p, ok := st.pending[sessionID]
	if ok {
		delete(st.pending, sessionID)
	}
	return p, ok
}

// pendingIDsForRelay returns the ids of every pending session belonging to
// relayID, used when a desktop disconnects.
func (st *State) pendingIDsForRelay(relayID string) []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	var ids []string
	for sid, p := range st.pending {
		if p.relayID == relayID {
			ids = append(ids, sid)
		}
	}
	return ids
}

func (st *State) addSession(sessionID string, s *activeSession) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sessions[sessionID] = s
}

func (st *State) getSession(sessionID string) (*activeSession, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[sessionID]
	return s, ok
}

func (st *State) removeSession(sessionID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, sessionID)
}

// sessionIDsForRelay returns the ids of every active session belonging to
// relayID, used when a desktop disconnects.
func (st *State) sessionIDsForRelay(relayID string) []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	var ids []string
	for sid, s := range st.sessions {
		if s.relayID == relayID {
			ids = append(ids, sid)
		}
	}
	return ids
}

// deadDesktops returns relay ids whose last heartbeat exceeds HeartbeatTimeout.
func (st *State) deadDesktops() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	var dead []string
	for relayID, dc := range st.desktops {
		if dc.idleFor() > HeartbeatTimeout {
			dead = append(dead, relayID)
		}
	}
	return dead
}
