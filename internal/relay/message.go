// Package relay implements the WebSocket rendezvous broker: a stateless
// relay that pairs one desktop control socket with one mobile control
// socket per session id and forwards opaque binary frames between their
// tunnel sockets.
package relay

import "encoding/json"

// Message is the tagged union carried as JSON text on the desktop and
// mobile control sockets. The "data" variant is reserved: session tunnels
// carry raw binary WebSocket messages, never a JSON Data envelope — it is
// defined here only so the wire schema names every tag a reimplementation
// might reach for.
type Message struct {
	Type string `json:"type"`

	// register (desktop -> relay)
	RelayID   string `json:"relay_id,omitempty"`
	Signature string `json:"signature,omitempty"`

	// connect (mobile -> relay)
	PairingClientID string `json:"pairing_client_id,omitempty"`

	// session_request (relay -> desktop), session_accept (desktop -> relay)
	SessionID string `json:"session_id,omitempty"`
	ClientID  string `json:"client_id,omitempty"`

	// data (reserved, unused on the wire)
	Payload []byte `json:"payload,omitempty"`

	// close (relay -> either side)
	Reason string `json:"reason,omitempty"`

	// control (relay -> client)
	Code    uint16 `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

const (
	msgRegister       = "register"
	msgConnect        = "connect"
	msgSessionRequest = "session_request"
	msgSessionAccept  = "session_accept"
	msgData           = "data"
	msgClose          = "close"
	msgControl        = "control"
)

func controlMessage(code uint16, message string) []byte {
	b, _ := json.Marshal(Message{Type: msgControl, Code: code, Message: message})
	return b
}

func sessionRequestMessage(sessionID, clientID string) []byte {
	b, _ := json.Marshal(Message{Type: msgSessionRequest, SessionID: sessionID, ClientID: clientID})
	return b
}

func closeMessage(sessionID, reason string) []byte {
	b, _ := json.Marshal(Message{Type: msgClose, SessionID: sessionID, Reason: reason})
	return b
}
