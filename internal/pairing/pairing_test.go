package pairing

import (
	"testing"
	"time"

	"github.com/lucidity-sh/lucidity/internal/identity"
)

func TestPairingPayloadRoundTrip(t *testing.T) {
	kp, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	payload := NewPairingPayload(kp.Public, time.Now())

	j, err := payload.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}
	decoded, err := PairingPayloadFromJSON(j)
	if err != nil {
		t.Fatalf("PairingPayloadFromJSON: %v", err)
	}

	if decoded.DesktopPublicKey != payload.DesktopPublicKey {
		t.Fatalf("public key mismatch")
	}
	if decoded.RelayID != payload.RelayID {
		t.Fatalf("relay id mismatch")
	}
	if decoded.Version != payload.Version {
		t.Fatalf("version mismatch")
	}
}

func TestPairingURLRoundTrip(t *testing.T) {
	kp, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	payload := NewPairingPayload(kp.Public, time.Now())

	url, err := payload.EncodeURL()
	if err != nil {
		t.Fatalf("EncodeURL: %v", err)
	}
	decoded, err := ParsePairingURL(url)
	if err != nil {
		t.Fatalf("ParsePairingURL: %v", err)
	}
	if decoded.DesktopPublicKey != payload.DesktopPublicKey {
		t.Fatalf("public key mismatch")
	}
}

func TestParsePairingURLRejectsBadScheme(t *testing.T) {
	if _, err := ParsePairingURL("http://example.com"); err == nil {
		t.Fatalf("expected error for wrong scheme")
	}
	if _, err := ParsePairingURL("lucidity://pair?data="); err == nil {
		t.Fatalf("expected error for missing data")
	}
}

func TestPairingRequestVerify(t *testing.T) {
	desktopKP, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	mobileKP, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	now := time.Now()
	req := NewPairingRequest(mobileKP, desktopKP.Public, "user@example.com", "Test Device", now)

	if err := req.Verify(desktopKP.Public, now); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	wrongKP, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := req.Verify(wrongKP.Public, now); err == nil {
		t.Fatalf("expected verify failure against wrong desktop key")
	}
}

func TestPairingRequestExpiry(t *testing.T) {
	desktopKP, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	mobileKP, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	past := time.Now().Add(-90 * time.Second)
	req := NewPairingRequest(mobileKP, desktopKP.Public, "user@example.com", "Test Device", past)

	if err := req.Verify(desktopKP.Public, time.Now()); err == nil {
		t.Fatalf("expected expiry error")
	}
}

func TestPairingPayloadExpiry(t *testing.T) {
	kp, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	now := time.Now()
	payload := NewPairingPayload(kp.Public, now)

	if !payload.IsValid(now) {
		t.Fatalf("fresh payload should be valid")
	}
	if payload.IsValid(now.Add(400 * time.Second)) {
		t.Fatalf("expired payload should be invalid")
	}
	if payload.IsValid(now.Add(-100 * time.Second)) {
		t.Fatalf("future-timestamped payload should be invalid")
	}
}

func TestWithConnectionInfoCapabilities(t *testing.T) {
	kp, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	payload := NewPairingPayload(kp.Public, time.Now()).
		WithConnectionInfo("192.168.1.5:9797", "", "wss://relay.example.com", "")

	if len(payload.Capabilities) != 2 {
		t.Fatalf("capabilities = %v, want [lan relay]", payload.Capabilities)
	}
	if payload.SupportsP2P() {
		t.Fatalf("payload without external addr should not support p2p")
	}
}
