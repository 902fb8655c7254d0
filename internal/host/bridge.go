// Package host implements the session layer that serves terminal panes to
// authenticated clients over the framed wire protocol: connection
// acceptance, the auth/pairing state machine, request dispatch, and the
// output pump that streams pane data back.
package host

import "time"

// PaneInfo describes one pane the bridge is willing to advertise.
type PaneInfo struct {
	PaneID int    `json:"pane_id"`
	Title  string `json:"title"`
}

// OutputSubscription streams a pane's output to an attached session.
type OutputSubscription interface {
	// RecvTimeout waits up to d for a chunk of output. ok is false on
	// timeout (not an error); the session layer loops and tries again.
	RecvTimeout(d time.Duration) (chunk []byte, ok bool, err error)
	Close()
}

// PaneBridge is the capability by which the session layer talks to the
// terminal multiplexer without importing it.
type PaneBridge interface {
	ListPanes() ([]PaneInfo, error)
	SubscribeOutput(paneID int) (OutputSubscription, error)
	SendInput(paneID int, data []byte) error
	SendPaste(paneID int, text string) error
	Resize(paneID int, rows, cols int) error

	// ClipboardWrites optionally streams OSC-52-detected clipboard writes
	// for a pane. Bridges that don't support clipboard detection return
	// ok=false; the session layer then never emits clipboard_push for that
	// pane.
	ClipboardWrites(paneID int) (ch <-chan string, ok bool)
}

// PairingApproval is a PairingApprover's verdict.
type PairingApproval struct {
	Approved bool
	Reason   string
}

// PairingApprover is the capability by which the session layer asks the UI
// for a yes/no on an incoming pairing request. Approval prompts are
// serialized process-wide: only one is visible at a time.
type PairingApprover interface {
	ApprovePairing(userEmail, deviceName, fingerprint string) (PairingApproval, error)
}
