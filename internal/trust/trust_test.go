package trust_test

import (
	"context"
	"testing"

	"omemo/internal/domain"
	"omemo/internal/trust"
)

const ns = "urn:xmpp:omemo:2"

func TestManager_UnknownKeyIsUndecided(t *testing.T) {
	m := trust.NewManager()

	lvl, err := m.TrustLevel(context.Background(), ns, "alice@example.org", []byte{1})
	if err != nil {
		t.Fatalf("TrustLevel: %v", err)
	}
	if lvl != domain.TrustUndecided {
		t.Fatalf("got %v, want TrustUndecided", lvl)
	}
}

func TestManager_AddRemove(t *testing.T) {
	m := trust.NewManager()
	ctx := context.Background()
	key := []byte{0xaa, 0xbb}

	if err := m.AddKeys(ctx, ns, "alice@example.org", [][]byte{key}, domain.TrustAuthenticated); err != nil {
		t.Fatalf("AddKeys: %v", err)
	}
	lvl, err := m.TrustLevel(ctx, ns, "alice@example.org", key)
	if err != nil || lvl != domain.TrustAuthenticated {
		t.Fatalf("TrustLevel: %v %v", lvl, err)
	}

	ok, err := m.HasKey(ctx, ns, "alice@example.org", domain.TrustLevels(domain.TrustAuthenticated))
	if err != nil || !ok {
		t.Fatalf("HasKey: %v %v", ok, err)
	}

	if err := m.RemoveKeys(ctx, ns, "alice@example.org", [][]byte{key}); err != nil {
		t.Fatalf("RemoveKeys: %v", err)
	}
	lvl, err = m.TrustLevel(ctx, ns, "alice@example.org", key)
	if err != nil || lvl != domain.TrustUndecided {
		t.Fatalf("TrustLevel after remove: %v %v", lvl, err)
	}
}

func TestManager_NamespacesAreIndependent(t *testing.T) {
	m := trust.NewManager()
	ctx := context.Background()
	key := []byte{0x01}

	if err := m.AddKeys(ctx, ns, "alice@example.org", [][]byte{key}, domain.TrustManuallyTrusted); err != nil {
		t.Fatalf("AddKeys: %v", err)
	}
	lvl, err := m.TrustLevel(ctx, "eu.siacs.conversations.axolotl", "alice@example.org", key)
	if err != nil || lvl != domain.TrustUndecided {
		t.Fatalf("legacy namespace saw the key: %v %v", lvl, err)
	}
}

func TestManager_ResetAll(t *testing.T) {
	m := trust.NewManager()
	ctx := context.Background()

	if err := m.AddKeys(ctx, ns, "alice@example.org", [][]byte{{1}, {2}}, domain.TrustManuallyTrusted); err != nil {
		t.Fatalf("AddKeys: %v", err)
	}
	if err := m.ResetAll(ctx, ns); err != nil {
		t.Fatalf("ResetAll: %v", err)
	}
	ok, err := m.HasKey(ctx, ns, "alice@example.org", domain.AcceptedByDefault)
	if err != nil || ok {
		t.Fatalf("HasKey after reset: %v %v", ok, err)
	}
}

func TestTOFU_FirstKeyTrusted(t *testing.T) {
	m := trust.NewManager()
	policy := trust.NewTOFU(m)
	ctx := context.Background()

	lvl, err := policy.ResolveUndecided(ctx, ns, "bob@example.org", []byte{1})
	if err != nil {
		t.Fatalf("ResolveUndecided: %v", err)
	}
	if lvl != domain.TrustAutomaticallyTrusted {
		t.Fatalf("got %v, want TrustAutomaticallyTrusted", lvl)
	}

	// The decision must be persisted, not just returned.
	stored, err := m.TrustLevel(ctx, ns, "bob@example.org", []byte{1})
	if err != nil || stored != domain.TrustAutomaticallyTrusted {
		t.Fatalf("stored level: %v %v", stored, err)
	}
}

func TestTOFU_CompetingKeyDistrusted(t *testing.T) {
	m := trust.NewManager()
	policy := trust.NewTOFU(m)
	ctx := context.Background()

	if _, err := policy.ResolveUndecided(ctx, ns, "bob@example.org", []byte{1}); err != nil {
		t.Fatalf("ResolveUndecided: %v", err)
	}
	lvl, err := policy.ResolveUndecided(ctx, ns, "bob@example.org", []byte{2})
	if err != nil {
		t.Fatalf("ResolveUndecided: %v", err)
	}
	if lvl != domain.TrustAutomaticallyDistrusted {
		t.Fatalf("got %v, want TrustAutomaticallyDistrusted", lvl)
	}
}
