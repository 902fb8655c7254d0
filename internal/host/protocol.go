package host

import (
	"encoding/json"
	"fmt"

	"github.com/lucidity-sh/lucidity/internal/identity"
	"github.com/lucidity-sh/lucidity/internal/pairing"
	"github.com/lucidity-sh/lucidity/internal/trust"
)

// request is the JSON control message a client sends, tagged by op. Only
// the fields relevant to a given op are populated.
type request struct {
	Op string `json:"op"`

	PaneID int    `json:"pane_id,omitempty"`
	Text   string `json:"text,omitempty"`
	Rows   int    `json:"rows,omitempty"`
	Cols   int    `json:"cols,omitempty"`

	Request *pairing.PairingRequest `json:"request,omitempty"`

	PublicKey   string `json:"pubkey,omitempty"`
	Signature   string `json:"sig,omitempty"`
	ClientNonce string `json:"client_nonce,omitempty"`
}

// response is the JSON control message the host sends back, also tagged by
// op so a single stream can carry many response shapes.
type response struct {
	Op string `json:"op"`

	Panes   []PaneInfo `json:"panes,omitempty"`
	PaneID  int        `json:"pane_id,omitempty"`
	Message string     `json:"message,omitempty"`
	Text    string     `json:"text,omitempty"`

	Payload  *pairing.PairingPayload  `json:"payload,omitempty"`
	Response *pairing.PairingResponse `json:"response,omitempty"`
	Devices  []trustedDeviceView      `json:"devices,omitempty"`

	Signature *string `json:"signature,omitempty"`
}

type trustedDeviceView struct {
	PublicKey  string `json:"public_key"`
	UserEmail  string `json:"user_email"`
	DeviceName string `json:"device_name"`
	PairedAt   int64  `json:"paired_at"`
	LastSeen   *int64 `json:"last_seen,omitempty"`
}

func deviceView(d *trust.Device) trustedDeviceView {
	return trustedDeviceView{
		PublicKey:  identity.EncodePublicKey(d.PublicKey),
		UserEmail:  d.UserEmail,
		DeviceName: d.DeviceName,
		PairedAt:   d.PairedAt,
		LastSeen:   d.LastSeen,
	}
}

func parseRequest(payload []byte) (*request, error) {
	var r request
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("invalid json request: %w", err)
	}
	return &r, nil
}

func errorResponse(message string) *response {
	return &response{Op: "error", Message: message}
}

func marshalResponse(r *response) ([]byte, error) {
	return json.Marshal(r)
}
