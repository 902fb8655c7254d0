// Package pairing implements the QR-offer / signed-request pairing flow
// that lets a mobile device establish trust with a host: the host publishes
// a PairingPayload, the mobile signs it into a PairingRequest, and the host
// verifies that request before consulting a PairingApprover.
package pairing

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lucidity-sh/lucidity/internal/identity"
)

const (
	currentVersion = 2

	// payloadValidity is how long a QR-embedded PairingPayload remains
	// acceptable after it was generated.
	payloadValidity = 5 * time.Minute

	// requestValidity is how far a mobile's signed PairingRequest timestamp
	// may be from the host's clock, in either direction.
	requestValidity = 60 * time.Second
)

// PairingPayload is the offer a host publishes, normally embedded as
// lucidity://pair?data=<base64> inside a QR code.
type PairingPayload struct {
	DesktopPublicKey string   `json:"desktop_public_key"`
	RelayID          string   `json:"relay_id"`
	Timestamp        int64    `json:"timestamp"`
	Version          int      `json:"version"`
	LANAddr          *string  `json:"lan_addr,omitempty"`
	ExternalAddr     *string  `json:"external_addr,omitempty"`
	Capabilities     []string `json:"capabilities"`
	RelayURL         *string  `json:"relay_url,omitempty"`
	RelaySecret      *string  `json:"relay_secret,omitempty"`
}

// NewPairingPayload builds a bare payload advertising only the desktop's
// identity, valid starting now.
func NewPairingPayload(desktopPub ed25519.PublicKey, now time.Time) *PairingPayload {
	enc := identity.EncodePublicKey(desktopPub)
	return &PairingPayload{
		DesktopPublicKey: enc,
		RelayID:          identity.RelayID(desktopPub),
		Timestamp:        now.Unix(),
		Version:          currentVersion,
		Capabilities:     []string{},
	}
}

// WithConnectionInfo attaches whichever connection hints are available and
// derives the advertised capability list from them. Any of lan, external,
// relayURL, relaySecret may be empty, meaning "not advertised".
func (p *PairingPayload) WithConnectionInfo(lan, external, relayURL, relaySecret string) *PairingPayload {
	caps := []string{}
	if lan != "" {
		p.LANAddr = &lan
		caps = append(caps, "lan")
	}
	if external != "" {
		p.ExternalAddr = &external
		caps = append(caps, "upnp")
	}
	if relayURL != "" {
		p.RelayURL = &relayURL
		caps = append(caps, "relay")
		if relaySecret != "" {
			p.RelaySecret = &relaySecret
		}
	}
	p.Capabilities = caps
	return p
}

// IsValid reports whether the payload is still inside its 5-minute window.
func (p *PairingPayload) IsValid(now time.Time) bool {
	age := now.Unix() - p.Timestamp
	return age >= 0 && age < int64(payloadValidity.Seconds())
}

// SupportsP2P reports whether the payload advertises a directly reachable
// external address.
func (p *PairingPayload) SupportsP2P() bool {
	return p.ExternalAddr != nil
}

// ToJSON serializes the payload for QR embedding.
func (p *PairingPayload) ToJSON() (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("pairing: encode payload: %w", err)
	}
	return string(b), nil
}

// PairingPayloadFromJSON parses a payload previously produced by ToJSON.
func PairingPayloadFromJSON(data string) (*PairingPayload, error) {
	var p PairingPayload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("pairing: decode payload: %w", err)
	}
	return &p, nil
}

// EncodeURL renders the payload as a lucidity://pair URL.
func (p *PairingPayload) EncodeURL() (string, error) {
	j, err := p.ToJSON()
	if err != nil {
		return "", err
	}
	enc := base64.RawURLEncoding.EncodeToString([]byte(j))
	return "lucidity://pair?data=" + enc, nil
}

// DecodePublicKey parses the payload's advertised desktop public key.
func (p *PairingPayload) DecodePublicKey() (ed25519.PublicKey, error) {
	return identity.DecodePublicKey(p.DesktopPublicKey)
}

// PairingRequest is what a mobile sends after scanning a host's QR, proving
// it holds the private key for MobilePublicKey and that it actually saw
// this host's offer (by signing over the desktop's public key).
type PairingRequest struct {
	MobilePublicKey string `json:"mobile_public_key"`
	Signature       string `json:"signature"`
	UserEmail       string `json:"user_email"`
	DeviceName      string `json:"device_name"`
	Timestamp       int64  `json:"timestamp"`
}

func signedMessage(desktopPub ed25519.PublicKey, timestamp int64) []byte {
	msg := make([]byte, len(desktopPub)+8)
	copy(msg, desktopPub)
	binary.LittleEndian.PutUint64(msg[len(desktopPub):], uint64(timestamp))
	return msg
}

// NewPairingRequest signs a fresh request proving mobileKP scanned the QR
// advertising desktopPub.
func NewPairingRequest(mobileKP *identity.Keypair, desktopPub ed25519.PublicKey, userEmail, deviceName string, now time.Time) *PairingRequest {
	timestamp := now.Unix()
	msg := signedMessage(desktopPub, timestamp)
	sig := ed25519.Sign(mobileKP.Private, msg)
	return &PairingRequest{
		MobilePublicKey: identity.EncodePublicKey(mobileKP.Public),
		Signature:       base64.StdEncoding.EncodeToString(sig),
		UserEmail:       userEmail,
		DeviceName:      deviceName,
		Timestamp:       timestamp,
	}
}

// Verify checks the request's signature against desktopPub and that its
// timestamp is still fresh. It does not consult a trust store or approver.
func (r *PairingRequest) Verify(desktopPub ed25519.PublicKey, now time.Time) error {
	mobilePub, err := identity.DecodePublicKey(r.MobilePublicKey)
	if err != nil {
		return err
	}
	sig, err := base64.StdEncoding.DecodeString(r.Signature)
	if err != nil {
		return fmt.Errorf("pairing: decode signature: %w", err)
	}

	msg := signedMessage(desktopPub, r.Timestamp)
	if !ed25519.Verify(mobilePub, msg, sig) {
		return fmt.Errorf("invalid signature")
	}

	age := now.Unix() - r.Timestamp
	if age < 0 {
		age = -age
	}
	if age > int64(requestValidity.Seconds()) {
		return fmt.Errorf("pairing request timestamp is invalid or expired")
	}
	return nil
}

// MobilePublicKeyBytes decodes the request's mobile public key.
func (r *PairingRequest) MobilePublicKeyBytes() (ed25519.PublicKey, error) {
	return identity.DecodePublicKey(r.MobilePublicKey)
}

// PairingResponse is the host's verdict, returned to the mobile side.
type PairingResponse struct {
	Approved bool    `json:"approved"`
	Reason   *string `json:"reason,omitempty"`
}

// Approved builds an affirmative response.
func Approved() *PairingResponse {
	return &PairingResponse{Approved: true}
}

// Rejected builds a negative response carrying a reason.
func Rejected(reason string) *PairingResponse {
	return &PairingResponse{Approved: false, Reason: &reason}
}
