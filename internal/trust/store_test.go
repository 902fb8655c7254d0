package trust

import (
	"crypto/ed25519"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testKey(t *testing.T) ed25519.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pub
}

func TestUpsertAndIsTrusted(t *testing.T) {
	s := openTestStore(t)
	pub := testKey(t)

	trusted, err := s.IsTrusted(pub)
	if err != nil {
		t.Fatalf("is trusted: %v", err)
	}
	if trusted {
		t.Fatal("expected untrusted before upsert")
	}

	err = s.UpsertDevice(&Device{
		PublicKey:  pub,
		UserEmail:  "user@example.com",
		DeviceName: "test-phone",
		PairedAt:   1000,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	trusted, err = s.IsTrusted(pub)
	if err != nil {
		t.Fatalf("is trusted: %v", err)
	}
	if !trusted {
		t.Fatal("expected trusted after upsert")
	}
}

func TestUpsertDeviceIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	pub := testKey(t)

	for _, name := range []string{"first-name", "renamed-phone"} {
		if err := s.UpsertDevice(&Device{
			PublicKey:  pub,
			UserEmail:  "user@example.com",
			DeviceName: name,
			PairedAt:   1000,
		}); err != nil {
			t.Fatalf("upsert %q: %v", name, err)
		}
	}

	devices, err := s.ListDevices()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("expected exactly one row after re-pairing, got %d", len(devices))
	}
	if devices[0].DeviceName != "renamed-phone" {
		t.Errorf("device name = %q, want %q", devices[0].DeviceName, "renamed-phone")
	}
}

func TestGetDeviceNotFound(t *testing.T) {
	s := openTestStore(t)
	d, err := s.GetDevice(testKey(t))
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if d != nil {
		t.Fatalf("expected nil, got %+v", d)
	}
}

func TestUpdateLastSeen(t *testing.T) {
	s := openTestStore(t)
	pub := testKey(t)

	if err := s.UpsertDevice(&Device{PublicKey: pub, UserEmail: "a@b.com", DeviceName: "d", PairedAt: 1}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpdateLastSeen(pub, 4242); err != nil {
		t.Fatalf("update last seen: %v", err)
	}

	d, err := s.GetDevice(pub)
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if d.LastSeen == nil || *d.LastSeen != 4242 {
		t.Errorf("last seen = %v, want 4242", d.LastSeen)
	}
}

func TestRemoveDevice(t *testing.T) {
	s := openTestStore(t)
	pub := testKey(t)

	removed, err := s.RemoveDevice(pub)
	if err != nil {
		t.Fatalf("remove (absent): %v", err)
	}
	if removed {
		t.Fatal("expected no-op removal to report false")
	}

	if err := s.UpsertDevice(&Device{PublicKey: pub, UserEmail: "a@b.com", DeviceName: "d", PairedAt: 1}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	removed, err = s.RemoveDevice(pub)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !removed {
		t.Fatal("expected removal to report true")
	}

	trusted, err := s.IsTrusted(pub)
	if err != nil {
		t.Fatalf("is trusted: %v", err)
	}
	if trusted {
		t.Fatal("expected untrusted after removal")
	}
}

func TestListDevicesOrderedByMostRecentlyPaired(t *testing.T) {
	s := openTestStore(t)

	pubA, pubB := testKey(t), testKey(t)
	if err := s.UpsertDevice(&Device{PublicKey: pubA, UserEmail: "a@b.com", DeviceName: "older", PairedAt: 100}); err != nil {
		t.Fatalf("upsert a: %v", err)
	}
	if err := s.UpsertDevice(&Device{PublicKey: pubB, UserEmail: "b@b.com", DeviceName: "newer", PairedAt: 200}); err != nil {
		t.Fatalf("upsert b: %v", err)
	}

	devices, err := s.ListDevices()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(devices))
	}
	if devices[0].DeviceName != "newer" {
		t.Errorf("first device = %q, want %q (most recently paired first)", devices[0].DeviceName, "newer")
	}
}
