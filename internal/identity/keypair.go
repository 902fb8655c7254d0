// Package identity manages the host's long-lived Ed25519 signing identity:
// load-or-generate persistence, base64 public-key encoding, and the short
// display forms (fingerprint, relay id) derived from it.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const keyFileName = "host_identity.json"

const currentVersion = 1

type keyFile struct {
	Version     int    `json:"version"`
	SecretKeyB64 string `json:"secret_key_b64"`
}

// Keypair is a host or device Ed25519 identity.
type Keypair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// Generate creates a fresh random Ed25519 keypair.
func Generate() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate keypair: %w", err)
	}
	return &Keypair{Public: pub, Private: priv}, nil
}

// EnsureKeyPair loads the keypair persisted at dir/host_identity.json, or
// generates and persists a new one if none exists yet. It is idempotent:
// repeated calls against the same dir return the same public key.
func EnsureKeyPair(dir string) (*Keypair, error) {
	return EnsureKeyPairAtPath(filepath.Join(dir, keyFileName))
}

// EnsureKeyPairAtPath is EnsureKeyPair against an exact file path rather
// than a directory, for callers honoring an explicit path override.
func EnsureKeyPairAtPath(path string) (*Keypair, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return loadKeyFile(data)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("identity: read %s: %w", path, err)
	}

	kp, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("identity: create dir: %w", err)
	}
	if err := persist(path, kp); err != nil {
		return nil, err
	}
	return kp, nil
}

func loadKeyFile(data []byte) (*Keypair, error) {
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("identity: decode key file: %w", err)
	}
	if kf.Version != currentVersion {
		return nil, fmt.Errorf("identity: unsupported key file version %d", kf.Version)
	}
	seed, err := base64.StdEncoding.DecodeString(kf.SecretKeyB64)
	if err != nil {
		return nil, fmt.Errorf("identity: decode secret key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity: secret key has wrong length %d", len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Keypair{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
}

func persist(path string, kp *Keypair) error {
	seed := kp.Private.Seed()
	kf := keyFile{
		Version:      currentVersion,
		SecretKeyB64: base64.StdEncoding.EncodeToString(seed),
	}
	data, err := json.Marshal(kf)
	if err != nil {
		return fmt.Errorf("identity: encode key file: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("identity: write key file: %w", err)
	}
	return nil
}

// EncodePublicKey returns the URL-safe, unpadded base64 form of a public key,
// the canonical wire representation used throughout pairing and trust.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return base64.RawURLEncoding.EncodeToString(pub)
}

// DecodePublicKey parses the URL-safe, unpadded base64 form of a public key.
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("identity: decode public key: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("identity: public key has wrong length %d", len(b))
	}
	return ed25519.PublicKey(b), nil
}

// Fingerprint renders a public key as a short display form: the first 8 and
// last 6 characters of its base64 encoding, joined by an ellipsis.
func Fingerprint(pub ed25519.PublicKey) string {
	enc := EncodePublicKey(pub)
	if len(enc) <= 14 {
		return enc
	}
	return enc[:8] + "…" + enc[len(enc)-6:]
}

// RelayID derives the broker rendezvous id for a public key: the first 16
// characters of its base64 encoding.
func RelayID(pub ed25519.PublicKey) string {
	enc := EncodePublicKey(pub)
	if len(enc) <= 16 {
		return enc
	}
	return enc[:16]
}
