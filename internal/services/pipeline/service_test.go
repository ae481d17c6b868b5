package pipeline_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"omemo/internal/domain"
	"omemo/internal/pubsub"
	"omemo/internal/services/engine"
	"omemo/internal/services/keys"
	"omemo/internal/services/pipeline"
	"omemo/internal/services/registry"
	devicesync "omemo/internal/services/sync"
	"omemo/internal/store"
	"omemo/internal/trust"
	"omemo/internal/wire"
)

const (
	aliceJID = "alice@example.org"
	bobJID   = "bob@example.org"
)

// party is one account's full stack against a shared PEP service.
type party struct {
	jid      string
	keys     *keys.Service
	registry *registry.Service
	engine   *engine.Service
	sync     *devicesync.Service
	trust    *trust.Manager
	pipeline *pipeline.Service
	sender   *deliverer
}

// deliverer records outbound stanzas and, when connected, hands them to
// the peer's decryption pipeline like a server would.
type deliverer struct {
	from string
	peer *party
	sent []*domain.MessageStanza
}

func (d *deliverer) SendMessage(ctx context.Context, st *domain.MessageStanza) error {
	d.sent = append(d.sent, st)
	if d.peer == nil {
		return nil
	}
	st.From = d.from
	return d.peer.pipeline.DecryptStanza(ctx, st)
}

func newParty(t *testing.T, ps domain.PubSub, jid, label string) *party {
	t.Helper()
	ctx := context.Background()
	log := slog.Default()

	st := store.NewMemoryStore()
	tm := trust.NewManager()
	policy := trust.NewTOFU(tm)
	k := keys.New(st, log)
	r := registry.New(st, tm, wire.Omemo2.Namespace(), log)
	sy := devicesync.New(ps, k, r, wire.Omemo2, jid, log)
	k.PublishedDeviceIDs = sy.PublishedDeviceIDs
	r.Refresh = sy.RefreshDeviceList
	eng := engine.New(k, r, tm, policy, wire.Omemo2.Namespace(), log)
	pl := pipeline.New(k, r, eng, sy, tm, policy, wire.Omemo2, jid, log)

	if err := k.Initialize(ctx, label); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := sy.PublishOmemoData(ctx); err != nil {
		t.Fatalf("PublishOmemoData: %v", err)
	}

	p := &party{jid: jid, keys: k, registry: r, engine: eng, sync: sy, trust: tm, pipeline: pl}
	p.sender = &deliverer{from: jid}
	pl.Sender = p.sender
	return p
}

// connect wires each party's sender to the other's pipeline.
func connect(a, b *party) {
	a.sender.peer = b
	b.sender.peer = a
}

func encrypt(t *testing.T, p *party, to, body string) *domain.MessageStanza {
	t.Helper()
	st := &domain.MessageStanza{To: to, Type: domain.MessageTypeChat, Body: body}
	if err := p.pipeline.EncryptForRecipients(context.Background(), st, []string{to}, domain.AcceptedByDefault); err != nil {
		t.Fatalf("EncryptForRecipients: %v", err)
	}
	return st
}

func TestPipeline_RoundTrip(t *testing.T) {
	ps := pubsub.NewMemory(pubsub.AllFeatures...)
	alice := newParty(t, ps, aliceJID, "laptop")
	bob := newParty(t, ps, bobJID, "phone")
	connect(alice, bob)
	ctx := context.Background()

	st := encrypt(t, alice, bobJID, "hello bob")
	if st.Body != "" {
		t.Fatal("cleartext body left on encrypted stanza")
	}
	if st.FallbackBody == "" {
		t.Fatal("missing fallback body")
	}
	if st.StoreHint {
		t.Fatal("content message should not ask for archiving explicitly")
	}
	bobOwn, _ := bob.keys.OwnDevice()
	env, ok := st.Encrypted.Envelope(bobJID, bobOwn.ID)
	if !ok {
		t.Fatal("no envelope for bob's device")
	}
	if !env.KeyExchange {
		t.Fatal("first envelope should carry a key exchange")
	}

	st.From = aliceJID + "/laptop"
	if err := bob.pipeline.DecryptStanza(ctx, st); err != nil {
		t.Fatalf("DecryptStanza: %v", err)
	}
	if st.Body != "hello bob" {
		t.Fatalf("decrypted body %q", st.Body)
	}
	if st.E2EE == nil || st.E2EE.Namespace != wire.Omemo2.Namespace() {
		t.Fatalf("metadata %+v", st.E2EE)
	}
	if st.E2EE.SCETimestamp.IsZero() {
		t.Fatal("missing envelope timestamp")
	}

	// Bob's reply rides the session built from the key exchange.
	reply := encrypt(t, bob, aliceJID, "hi alice")
	aliceOwn, _ := alice.keys.OwnDevice()
	env, ok = reply.Encrypted.Envelope(aliceJID, aliceOwn.ID)
	if !ok {
		t.Fatal("no envelope for alice's device")
	}
	if env.KeyExchange {
		t.Fatal("responder reply should not carry a key exchange")
	}
	reply.From = bobJID + "/phone"
	if err := alice.pipeline.DecryptStanza(ctx, reply); err != nil {
		t.Fatalf("decrypt reply: %v", err)
	}
	if reply.Body != "hi alice" {
		t.Fatalf("decrypted reply %q", reply.Body)
	}

	// After hearing back, alice stops attaching key-exchange data.
	again := encrypt(t, alice, bobJID, "second")
	env, _ = again.Encrypted.Envelope(bobJID, bobOwn.ID)
	if env.KeyExchange {
		t.Fatal("key exchange still attached after reply")
	}
}

func TestPipeline_WireElementRoundTrip(t *testing.T) {
	ps := pubsub.NewMemory(pubsub.AllFeatures...)
	alice := newParty(t, ps, aliceJID, "laptop")
	bob := newParty(t, ps, bobJID, "phone")
	ctx := context.Background()

	st := encrypt(t, alice, bobJID, "over the wire")
	data, err := wire.MarshalOmemoElement(wire.Omemo2, st.Encrypted)
	if err != nil {
		t.Fatalf("MarshalOmemoElement: %v", err)
	}
	el, err := wire.UnmarshalOmemoElement(wire.Omemo2, data)
	if err != nil {
		t.Fatalf("UnmarshalOmemoElement: %v", err)
	}

	got := &domain.MessageStanza{From: aliceJID, To: bobJID, Type: domain.MessageTypeChat, Encrypted: el}
	if err := bob.pipeline.DecryptStanza(ctx, got); err != nil {
		t.Fatalf("DecryptStanza: %v", err)
	}
	if got.Body != "over the wire" {
		t.Fatalf("decrypted body %q", got.Body)
	}
}

func TestPipeline_NoOwnEnvelope(t *testing.T) {
	ps := pubsub.NewMemory(pubsub.AllFeatures...)
	alice := newParty(t, ps, aliceJID, "laptop")
	bob := newParty(t, ps, bobJID, "phone")
	ctx := context.Background()

	st := encrypt(t, alice, bobJID, "misaddressed")
	for jid, envs := range st.Encrypted.Envelopes {
		for i := range envs {
			envs[i].RecipientDeviceID++
		}
		st.Encrypted.Envelopes[jid] = envs
	}
	st.From = aliceJID
	if err := bob.pipeline.DecryptStanza(ctx, st); err != nil {
		t.Fatalf("DecryptStanza: %v", err)
	}
	if st.Body != "" || st.E2EE != nil || st.Encrypted == nil {
		t.Fatalf("misaddressed stanza was modified: body %q, metadata %+v", st.Body, st.E2EE)
	}
}

func TestPipeline_ChatStateStoreHint(t *testing.T) {
	ps := pubsub.NewMemory(pubsub.AllFeatures...)
	alice := newParty(t, ps, aliceJID, "laptop")
	bob := newParty(t, ps, bobJID, "phone")
	_ = bob

	st := &domain.MessageStanza{To: bobJID, Type: domain.MessageTypeChat, ChatStateOnly: true}
	if err := alice.pipeline.EncryptForRecipients(context.Background(), st, []string{bobJID}, domain.AcceptedByDefault); err != nil {
		t.Fatalf("EncryptForRecipients: %v", err)
	}
	if !st.StoreHint {
		t.Fatal("envelope-only message should ask the server to archive it")
	}
	if st.FallbackBody != "" {
		t.Fatalf("unexpected fallback body %q", st.FallbackBody)
	}
	if st.Encrypted == nil || len(st.Encrypted.Payload) != 0 {
		t.Fatal("chat state should produce an envelope without a payload")
	}
}

func TestPipeline_AffixMismatchRejected(t *testing.T) {
	ps := pubsub.NewMemory(pubsub.AllFeatures...)
	alice := newParty(t, ps, aliceJID, "laptop")
	bob := newParty(t, ps, bobJID, "phone")
	ctx := context.Background()

	// Mallory forwards alice's stanza under her own name. The envelope
	// affix still says alice, so the stanza must be rejected.
	st := encrypt(t, alice, bobJID, "forwarded")
	forged := &domain.MessageStanza{
		From:      "mallory@example.org/evil",
		To:        bobJID,
		Type:      domain.MessageTypeChat,
		Encrypted: st.Encrypted,
	}
	if err := bob.pipeline.DecryptStanza(ctx, forged); !errors.Is(err, pipeline.ErrAffixMismatch) {
		t.Fatalf("got %v, want ErrAffixMismatch", err)
	}
}

func TestPipeline_DistrustedDeviceSkipped(t *testing.T) {
	ps := pubsub.NewMemory(pubsub.AllFeatures...)
	alice := newParty(t, ps, aliceJID, "laptop")
	bob := newParty(t, ps, bobJID, "phone")
	ctx := context.Background()

	bundle, err := bob.keys.Bundle()
	if err != nil {
		t.Fatalf("Bundle: %v", err)
	}
	keyID := domain.KeyID(bundle.IdentityKey.Bytes())
	if err := alice.trust.AddKeys(ctx, wire.Omemo2.Namespace(), bobJID, [][]byte{keyID}, domain.TrustManuallyDistrusted); err != nil {
		t.Fatalf("AddKeys: %v", err)
	}

	st := &domain.MessageStanza{To: bobJID, Type: domain.MessageTypeChat, Body: "secret"}
	err = alice.pipeline.EncryptForRecipients(ctx, st, []string{bobJID}, domain.AcceptedByDefault)
	if !errors.Is(err, pipeline.ErrNoUsableDevices) {
		t.Fatalf("got %v, want ErrNoUsableDevices", err)
	}
	if st.Encrypted != nil {
		t.Fatal("encrypted element attached despite failure")
	}
}

func TestPipeline_SenderDeviceRecordedAndSubscribed(t *testing.T) {
	ps := pubsub.NewMemory(pubsub.AllFeatures...)
	alice := newParty(t, ps, aliceJID, "laptop")
	bob := newParty(t, ps, bobJID, "phone")
	ctx := context.Background()

	st := encrypt(t, alice, bobJID, "first contact")
	st.From = aliceJID
	if err := bob.pipeline.DecryptStanza(ctx, st); err != nil {
		t.Fatalf("DecryptStanza: %v", err)
	}

	aliceOwn, _ := alice.keys.OwnDevice()
	d, ok := bob.registry.Device(aliceJID, aliceOwn.ID)
	if !ok {
		t.Fatal("sender device not recorded")
	}
	if len(d.KeyID) == 0 {
		t.Fatal("sender key ID not recorded from key exchange")
	}
	if n := ps.Subscribed(aliceJID, wire.Omemo2.DeviceListNode()); n != 1 {
		t.Fatalf("device list subscriptions = %d, want 1", n)
	}
}

func TestPipeline_SessionAcknowledgment(t *testing.T) {
	ps := pubsub.NewMemory(pubsub.AllFeatures...)
	alice := newParty(t, ps, aliceJID, "laptop")
	bob := newParty(t, ps, bobJID, "phone")
	connect(alice, bob)
	ctx := context.Background()

	aliceOwn, _ := alice.keys.OwnDevice()
	bundle, err := bob.sync.RequestDeviceBundle(ctx, aliceJID, aliceOwn.ID)
	if err != nil {
		t.Fatalf("RequestDeviceBundle: %v", err)
	}
	if err := bob.engine.BuildSession(ctx, aliceJID, aliceOwn.ID, *bundle); err != nil {
		t.Fatalf("BuildSession: %v", err)
	}

	// Bob's envelope-only opener reaches alice, who acknowledges so he
	// can drop the key-exchange data.
	if err := bob.pipeline.SendEmptyMessage(ctx, aliceJID, aliceOwn.ID); err != nil {
		t.Fatalf("SendEmptyMessage: %v", err)
	}
	if len(alice.sender.sent) != 1 {
		t.Fatalf("alice sent %d messages, want 1 acknowledgment", len(alice.sender.sent))
	}
	ack := alice.sender.sent[0]
	if len(ack.Encrypted.Payload) != 0 {
		t.Fatal("acknowledgment should carry no payload")
	}

	bobOwn, _ := bob.keys.OwnDevice()
	env, ok := ack.Encrypted.Envelope(bobJID, bobOwn.ID)
	if !ok {
		t.Fatal("acknowledgment misses bob's device")
	}
	if env.KeyExchange {
		t.Fatal("acknowledgment should not be a key exchange")
	}

	// With the acknowledgment received, bob's next envelope is plain.
	if err := bob.pipeline.SendEmptyMessage(ctx, aliceJID, aliceOwn.ID); err != nil {
		t.Fatalf("SendEmptyMessage: %v", err)
	}
	env, _ = bob.sender.sent[1].Encrypted.Envelope(aliceJID, aliceOwn.ID)
	if env.KeyExchange {
		t.Fatal("key exchange still attached after acknowledgment")
	}
}

func TestPipeline_HeartbeatAfterUnansweredStanzas(t *testing.T) {
	ps := pubsub.NewMemory(pubsub.AllFeatures...)
	alice := newParty(t, ps, aliceJID, "laptop")
	bob := newParty(t, ps, bobJID, "phone")
	connect(alice, bob)
	ctx := context.Background()

	aliceOwn, _ := alice.keys.OwnDevice()
	bundle, err := bob.sync.RequestDeviceBundle(ctx, aliceJID, aliceOwn.ID)
	if err != nil {
		t.Fatalf("RequestDeviceBundle: %v", err)
	}
	if err := bob.engine.BuildSession(ctx, aliceJID, aliceOwn.ID, *bundle); err != nil {
		t.Fatalf("BuildSession: %v", err)
	}

	// The first message triggers alice's acknowledgment; bob never
	// answers anything else, so her unanswered counter climbs until
	// the heartbeat threshold.
	for i := 0; i < 54; i++ {
		if err := bob.pipeline.SendEmptyMessage(ctx, aliceJID, aliceOwn.ID); err != nil {
			t.Fatalf("SendEmptyMessage %d: %v", i, err)
		}
	}
	if len(alice.sender.sent) != 2 {
		t.Fatalf("alice sent %d messages, want acknowledgment and heartbeat", len(alice.sender.sent))
	}
	hb := alice.sender.sent[1]
	if len(hb.Encrypted.Payload) != 0 {
		t.Fatal("heartbeat should carry no payload")
	}
	bobOwn, _ := bob.keys.OwnDevice()
	if _, ok := hb.Encrypted.Envelope(bobJID, bobOwn.ID); !ok {
		t.Fatal("heartbeat misses bob's device")
	}
}

func TestPipeline_DuplicateEnvelopeRejected(t *testing.T) {
	ps := pubsub.NewMemory(pubsub.AllFeatures...)
	alice := newParty(t, ps, aliceJID, "laptop")
	bob := newParty(t, ps, bobJID, "phone")
	ctx := context.Background()

	st := encrypt(t, alice, bobJID, "once only")
	copyEl := *st.Encrypted
	st.From = aliceJID
	if err := bob.pipeline.DecryptStanza(ctx, st); err != nil {
		t.Fatalf("DecryptStanza: %v", err)
	}

	replay := &domain.MessageStanza{From: aliceJID, To: bobJID, Type: domain.MessageTypeChat, Encrypted: &copyEl}
	if err := bob.pipeline.DecryptStanza(ctx, replay); err == nil {
		t.Fatal("replayed stanza decrypted")
	}
}
