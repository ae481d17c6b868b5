package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"omemo/internal/crypto"
	"omemo/internal/domain"
	"omemo/internal/store"
)

func openBolt(t *testing.T, passphrase string) *store.BoltStore {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "omemo.db"), passphrase)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBoltStore_OwnDeviceRoundTrip(t *testing.T) {
	s := openBolt(t, "passphrase")
	ctx := context.Background()

	if dev, err := s.OwnDevice(ctx); err != nil || dev != nil {
		t.Fatalf("empty store OwnDevice: %v %v", dev, err)
	}

	id, err := crypto.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	want := &domain.OwnDevice{ID: 42, Label: "laptop", Identity: id, LatestSignedPreKeyID: 1, LatestPreKeyID: 100}
	if err := s.SetOwnDevice(ctx, want); err != nil {
		t.Fatalf("SetOwnDevice: %v", err)
	}

	got, err := s.OwnDevice(ctx)
	if err != nil {
		t.Fatalf("OwnDevice: %v", err)
	}
	if got == nil || got.ID != 42 || got.Label != "laptop" || got.Identity != id {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestBoltStore_WrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "omemo.db")

	s, err := store.Open(path, "right")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	if err := s.SetOwnDevice(ctx, &domain.OwnDevice{ID: 1}); err != nil {
		t.Fatalf("SetOwnDevice: %v", err)
	}
	s.Close()

	s, err = store.Open(path, "wrong")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if _, err := s.OwnDevice(ctx); !errors.Is(err, store.ErrWrongPassphrase) {
		t.Fatalf("got %v, want ErrWrongPassphrase", err)
	}
}

func TestBoltStore_PreKeys(t *testing.T) {
	s := openBolt(t, "pw")
	ctx := context.Background()

	if err := s.AddPreKeyPairs(ctx, []domain.PreKeyPair{{ID: 1}, {ID: 2}, {ID: 3}}); err != nil {
		t.Fatalf("AddPreKeyPairs: %v", err)
	}
	if err := s.RemovePreKeyPair(ctx, 2); err != nil {
		t.Fatalf("RemovePreKeyPair: %v", err)
	}
	pairs, err := s.PreKeyPairs(ctx)
	if err != nil {
		t.Fatalf("PreKeyPairs: %v", err)
	}
	if len(pairs) != 2 {
		t.Fatalf("got %d pre-keys, want 2", len(pairs))
	}
	for _, p := range pairs {
		if p.ID == 2 {
			t.Fatal("removed pre-key still present")
		}
	}
}

func TestBoltStore_SignedPreKeys(t *testing.T) {
	s := openBolt(t, "pw")
	ctx := context.Background()

	if err := s.AddSignedPreKeyPair(ctx, domain.SignedPreKeyPair{ID: 7, CreatedAt: 1234}); err != nil {
		t.Fatalf("AddSignedPreKeyPair: %v", err)
	}
	pairs, err := s.SignedPreKeyPairs(ctx)
	if err != nil || len(pairs) != 1 || pairs[0].ID != 7 || pairs[0].CreatedAt != 1234 {
		t.Fatalf("SignedPreKeyPairs: %+v %v", pairs, err)
	}
	if err := s.RemoveSignedPreKeyPair(ctx, 7); err != nil {
		t.Fatalf("RemoveSignedPreKeyPair: %v", err)
	}
	pairs, err = s.SignedPreKeyPairs(ctx)
	if err != nil || len(pairs) != 0 {
		t.Fatalf("after remove: %+v %v", pairs, err)
	}
}

func TestBoltStore_Devices(t *testing.T) {
	s := openBolt(t, "pw")
	ctx := context.Background()

	if err := s.AddDevice(ctx, "alice@example.org", 10, domain.RemoteDevice{Label: "phone"}); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}
	if err := s.AddDevice(ctx, "alice@example.org", 11, domain.RemoteDevice{Label: "desktop"}); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}
	if err := s.AddDevice(ctx, "bob@example.org", 20, domain.RemoteDevice{}); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}

	devices, err := s.Devices(ctx)
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}
	if len(devices["alice@example.org"]) != 2 || len(devices["bob@example.org"]) != 1 {
		t.Fatalf("unexpected device map: %+v", devices)
	}
	if devices["alice@example.org"][10].Label != "phone" {
		t.Fatalf("device 10 label = %q", devices["alice@example.org"][10].Label)
	}

	if err := s.RemoveDevice(ctx, "alice@example.org", 10); err != nil {
		t.Fatalf("RemoveDevice: %v", err)
	}
	if err := s.RemoveDevices(ctx, "bob@example.org"); err != nil {
		t.Fatalf("RemoveDevices: %v", err)
	}
	devices, err = s.Devices(ctx)
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}
	if len(devices["alice@example.org"]) != 1 {
		t.Fatalf("unexpected alice devices: %+v", devices["alice@example.org"])
	}
	if _, ok := devices["bob@example.org"]; ok {
		t.Fatal("bob still present after RemoveDevices")
	}
}

func TestBoltStore_ResetAll(t *testing.T) {
	s := openBolt(t, "pw")
	ctx := context.Background()

	if err := s.SetOwnDevice(ctx, &domain.OwnDevice{ID: 1}); err != nil {
		t.Fatalf("SetOwnDevice: %v", err)
	}
	if err := s.AddDevice(ctx, "alice@example.org", 10, domain.RemoteDevice{}); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}
	if err := s.ResetAll(ctx); err != nil {
		t.Fatalf("ResetAll: %v", err)
	}
	if dev, err := s.OwnDevice(ctx); err != nil || dev != nil {
		t.Fatalf("OwnDevice after reset: %v %v", dev, err)
	}
	devices, err := s.Devices(ctx)
	if err != nil || len(devices) != 0 {
		t.Fatalf("Devices after reset: %+v %v", devices, err)
	}
}

func TestMemoryStore_MirrorsBoltBehaviour(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	if dev, err := s.OwnDevice(ctx); err != nil || dev != nil {
		t.Fatalf("empty store OwnDevice: %v %v", dev, err)
	}
	if err := s.SetOwnDevice(ctx, &domain.OwnDevice{ID: 5}); err != nil {
		t.Fatalf("SetOwnDevice: %v", err)
	}
	if err := s.AddDevice(ctx, "alice@example.org", 1, domain.RemoteDevice{UnrespondedSent: 3}); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}

	devices, err := s.Devices(ctx)
	if err != nil || devices["alice@example.org"][1].UnrespondedSent != 3 {
		t.Fatalf("Devices: %+v %v", devices, err)
	}

	// The returned map is a copy, not a view.
	devices["alice@example.org"][1] = domain.RemoteDevice{UnrespondedSent: 99}
	devices, err = s.Devices(ctx)
	if err != nil || devices["alice@example.org"][1].UnrespondedSent != 3 {
		t.Fatalf("mutation leaked into store: %+v %v", devices, err)
	}

	if err := s.ResetAll(ctx); err != nil {
		t.Fatalf("ResetAll: %v", err)
	}
	if dev, err := s.OwnDevice(ctx); err != nil || dev != nil {
		t.Fatalf("OwnDevice after reset: %v %v", dev, err)
	}
}
