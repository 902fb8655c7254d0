package pairing

import (
	"strings"
	"testing"
	"time"

	"github.com/lucidity-sh/lucidity/internal/identity"
)

func TestASCIIQRCodeEncodesPairingURL(t *testing.T) {
	kp, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	payload := NewPairingPayload(kp.Public, time.Now())

	art, err := ASCIIQRCode(payload)
	if err != nil {
		t.Fatalf("ASCIIQRCode: %v", err)
	}
	if art == "" {
		t.Fatalf("expected non-empty QR art")
	}
	if !strings.Contains(art, "\n") {
		t.Fatalf("expected multi-line QR art")
	}
}

func TestQRCodePNGProducesValidPNG(t *testing.T) {
	kp, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	payload := NewPairingPayload(kp.Public, time.Now())

	png, err := QRCodePNG(payload, 256)
	if err != nil {
		t.Fatalf("QRCodePNG: %v", err)
	}

	pngMagic := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	if len(png) < len(pngMagic) {
		t.Fatalf("png too short: %d bytes", len(png))
	}
	for i, b := range pngMagic {
		if png[i] != b {
			t.Fatalf("missing PNG signature at byte %d", i)
		}
	}
}
