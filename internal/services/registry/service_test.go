package registry_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"omemo/internal/domain"
	"omemo/internal/services/registry"
	"omemo/internal/store"
	"omemo/internal/trust"
)

const ns = "urn:xmpp:omemo:2"

func newService(t *testing.T) (*registry.Service, *trust.Manager) {
	t.Helper()
	tm := trust.NewManager()
	return registry.New(store.NewMemoryStore(), tm, ns, slog.Default()), tm
}

func TestDevicesOf_TriggersRefreshOnce(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	var calls int
	s.Refresh = func(_ context.Context, jid string) error {
		calls++
		s.RecordDevice(ctx, jid, 5, "phone")
		return nil
	}

	devices, err := s.DevicesOf(ctx, "alice@example.org")
	if err != nil {
		t.Fatalf("DevicesOf: %v", err)
	}
	if len(devices) != 1 || devices[5].Label != "phone" {
		t.Fatalf("devices = %+v", devices)
	}

	if _, err := s.DevicesOf(ctx, "alice@example.org"); err != nil {
		t.Fatalf("DevicesOf: %v", err)
	}
	if calls != 1 {
		t.Fatalf("refresh called %d times, want 1", calls)
	}
}

func TestEligibility_StopsAtThreshold(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	s.RecordDevice(ctx, "bob@example.org", 1, "")
	for i := 0; i < 105; i++ {
		s.OnEnvelopeSent(ctx, "bob@example.org", 1)
	}
	d, _ := s.Device("bob@example.org", 1)
	if !s.EligibleForEncryption(d) {
		t.Fatal("device ineligible one send before the threshold")
	}

	s.OnEnvelopeSent(ctx, "bob@example.org", 1)
	d, _ = s.Device("bob@example.org", 1)
	if s.EligibleForEncryption(d) {
		t.Fatal("device still eligible at 106 unanswered sends")
	}

	// A received stanza revives the device.
	s.OnStanzaReceived(ctx, "bob@example.org", 1)
	d, _ = s.Device("bob@example.org", 1)
	if !s.EligibleForEncryption(d) {
		t.Fatal("device not revived by a response")
	}
}

func TestHeartbeatThreshold(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	s.RecordDevice(ctx, "bob@example.org", 1, "")
	for i := 0; i < 52; i++ {
		if s.OnStanzaReceived(ctx, "bob@example.org", 1) {
			t.Fatalf("heartbeat requested after %d stanzas", i+1)
		}
	}
	if !s.OnStanzaReceived(ctx, "bob@example.org", 1) {
		t.Fatal("no heartbeat at the 53rd unanswered stanza")
	}
	// Counter reset: the next stanza starts a fresh window.
	if s.OnStanzaReceived(ctx, "bob@example.org", 1) {
		t.Fatal("heartbeat requested immediately after reset")
	}
}

func TestRemovalLifecycle(t *testing.T) {
	s, tm := newService(t)
	ctx := context.Background()
	keyID := []byte{0xaa}

	s.RecordDevice(ctx, "bob@example.org", 1, "")
	s.SetKeyID(ctx, "bob@example.org", 1, keyID)
	if err := tm.AddKeys(ctx, ns, "bob@example.org", [][]byte{keyID}, domain.TrustAutomaticallyTrusted); err != nil {
		t.Fatalf("AddKeys: %v", err)
	}

	now := time.Now()
	s.MarkRemoved(ctx, "bob@example.org", 1, now)

	// Inside the grace period the device survives.
	s.AgeOutRemovedDevices(ctx, now.Add(11*7*24*time.Hour))
	if _, ok := s.Device("bob@example.org", 1); !ok {
		t.Fatal("device erased inside the grace period")
	}

	// Relisting clears the removal timestamp.
	s.RecordDevice(ctx, "bob@example.org", 1, "")
	s.AgeOutRemovedDevices(ctx, now.Add(13*7*24*time.Hour))
	if _, ok := s.Device("bob@example.org", 1); !ok {
		t.Fatal("relisted device was erased")
	}

	// Removed for good: erased after 12 weeks, trust dropped too.
	s.MarkRemoved(ctx, "bob@example.org", 1, now)
	s.AgeOutRemovedDevices(ctx, now.Add(12*7*24*time.Hour))
	if _, ok := s.Device("bob@example.org", 1); ok {
		t.Fatal("device survived past the retention window")
	}
	lvl, err := tm.TrustLevel(ctx, ns, "bob@example.org", keyID)
	if err != nil || lvl != domain.TrustUndecided {
		t.Fatalf("trust state survived device erasure: %v %v", lvl, err)
	}
}

func TestDeviceCapPerJID(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	for i := uint32(1); i <= 200; i++ {
		if !s.RecordDevice(ctx, "crowd@example.org", i, "") {
			t.Fatalf("device %d rejected below 200-device cap", i)
		}
	}
	if s.RecordDevice(ctx, "crowd@example.org", 201, "") {
		t.Fatal("201st device accepted past the cap")
	}
	// Updates to existing devices still work at the cap.
	if s.RecordDevice(ctx, "crowd@example.org", 1, "relabeled") {
		t.Fatal("update reported as insert")
	}
	d, _ := s.Device("crowd@example.org", 1)
	if d.Label != "relabeled" {
		t.Fatalf("label = %q", d.Label)
	}
}

func TestLoad_RestoresFromStorage(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	s1 := registry.New(st, trust.NewManager(), ns, slog.Default())
	s1.RecordDevice(ctx, "bob@example.org", 7, "tablet")
	s1.SetSession(ctx, "bob@example.org", 7, []byte("session-state"))

	s2 := registry.New(st, trust.NewManager(), ns, slog.Default())
	if err := s2.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sess, ok := s2.Session("bob@example.org", 7)
	if !ok || string(sess) != "session-state" {
		t.Fatalf("session not restored: %q %v", sess, ok)
	}
}
