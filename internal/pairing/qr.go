package pairing

import (
	"encoding/base64"
	"fmt"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

const pairingURLPrefix = "lucidity://pair?data="

// ParsePairingURL parses a lucidity://pair?data=<base64> URL back into a
// payload.
func ParsePairingURL(url string) (*PairingPayload, error) {
	data, ok := strings.CutPrefix(url, pairingURLPrefix)
	if !ok {
		return nil, fmt.Errorf("pairing: invalid pairing URL scheme")
	}
	if data == "" {
		return nil, fmt.Errorf("pairing: missing data parameter")
	}

	decoded, err := base64.RawURLEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("pairing: decode url data: %w", err)
	}
	return PairingPayloadFromJSON(string(decoded))
}

// QRCodePNG renders the payload's pairing URL as a PNG-encoded QR code for a
// mobile camera to scan.
func QRCodePNG(p *PairingPayload, size int) ([]byte, error) {
	url, err := p.EncodeURL()
	if err != nil {
		return nil, err
	}
	png, err := qrcode.Encode(url, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("pairing: render qr png: %w", err)
	}
	return png, nil
}

// ASCIIQRCode renders the payload's pairing URL as block-character ASCII art
// for terminal-only overlays that can't display an image.
func ASCIIQRCode(p *PairingPayload) (string, error) {
	url, err := p.EncodeURL()
	if err != nil {
		return "", err
	}
	code, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("pairing: render qr ascii: %w", err)
	}
	return code.ToSmallString(false), nil
}
