package pipeline

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"omemo/internal/domain"
	"omemo/internal/protocol/payload"
	"omemo/internal/services/engine"
	"omemo/internal/services/keys"
	"omemo/internal/services/registry"
	devicesync "omemo/internal/services/sync"
	"omemo/internal/wire"
)

const (
	// maxDevicesPerStanza bounds the envelope fan-out of a single
	// stanza. Recipients beyond the cap are dropped with a warning.
	maxDevicesPerStanza = 1000

	// emptySecretSize is the length of the random plaintext carried by
	// envelope-only messages (heartbeats and session acknowledgments).
	emptySecretSize = 32
)

// fallbackBody replaces the real body on the wire for clients that do
// not understand the encrypted element.
const fallbackBody = "This message is encrypted with OMEMO, but your client does not support it."

var (
	// ErrNoUsableDevices is returned when no recipient device could
	// receive an envelope, so sending would silently drop the message.
	ErrNoUsableDevices = errors.New("pipeline: no usable recipient devices")

	// ErrAffixMismatch marks a decrypted envelope whose affix elements
	// contradict the outer stanza. The stanza must be discarded.
	ErrAffixMismatch = errors.New("pipeline: envelope affix does not match stanza")
)

// Service implements the encryption and decryption pipelines on top of
// the session engine, the device registry, and the payload cipher.
type Service struct {
	keys     *keys.Service
	registry *registry.Service
	engine   *engine.Service
	sync     *devicesync.Service
	trust    domain.TrustManager
	policy   domain.SecurityPolicy
	variant  wire.Variant
	ownJID   string
	log      *slog.Logger

	// Sender delivers heartbeat and session-acknowledgment messages.
	// Optional; without it those messages are skipped.
	Sender domain.Sender
}

// New builds a pipeline service. ownJID may be a full JID.
func New(ks *keys.Service, reg *registry.Service, eng *engine.Service, sy *devicesync.Service, trust domain.TrustManager, policy domain.SecurityPolicy, variant wire.Variant, ownJID string, log *slog.Logger) *Service {
	return &Service{
		keys:     ks,
		registry: reg,
		engine:   eng,
		sync:     sy,
		trust:    trust,
		policy:   policy,
		variant:  variant,
		ownJID:   wire.BareJID(ownJID),
		log:      log,
	}
}

type target struct {
	jid      string
	deviceID uint32
	device   domain.RemoteDevice
}

// EncryptForRecipients encrypts the stanza's content for every eligible
// device of the recipient JIDs and of the own account, and attaches the
// resulting encrypted element to the stanza. Keys whose trust level is
// not in accepted are skipped. The cleartext body is removed from the
// stanza.
func (s *Service) EncryptForRecipients(ctx context.Context, st *domain.MessageStanza, recipients []string, accepted domain.TrustLevels) error {
	own, err := s.keys.OwnDevice()
	if err != nil {
		return err
	}

	content, err := wire.SerializeStanzaContent(st)
	if err != nil {
		return err
	}

	// The envelope plaintext is either the payload decryption data or,
	// for content-less stanzas, a throwaway random secret.
	var enc payload.Encrypted
	secret := make([]byte, emptySecretSize)
	hasPayload := len(content) > 0
	if hasPayload {
		sce, err := wire.BuildSCEEnvelope(st.To, s.ownJID, content, time.Now())
		if err != nil {
			return err
		}
		if enc, err = payload.Encrypt(s.variant, sce); err != nil {
			return err
		}
		secret = enc.DecryptionData
	} else if _, err := rand.Read(secret); err != nil {
		return err
	}

	targets, err := s.collectTargets(ctx, own, recipients)
	if err != nil {
		return err
	}

	el := &domain.OmemoElement{SenderDeviceID: own.ID}
	if hasPayload {
		el.Payload = enc.Ciphertext
		el.IV = enc.IV
	}

	var (
		mu stdsync.Mutex
		wg stdsync.WaitGroup
	)
	for _, t := range targets {
		wg.Add(1)
		go func(t target) {
			defer wg.Done()
			env, ok := s.encryptForDevice(ctx, t, secret, accepted)
			if !ok {
				return
			}
			mu.Lock()
			el.AddEnvelope(t.jid, env)
			mu.Unlock()
		}(t)
	}
	wg.Wait()

	total := 0
	for _, envs := range el.Envelopes {
		total += len(envs)
	}
	if total == 0 {
		return ErrNoUsableDevices
	}

	st.Encrypted = el
	st.Body = ""
	if hasPayload {
		st.FallbackBody = fallbackBody
	} else {
		// Chat states and receipts carry no body; without the hint
		// the server would not archive the envelope-only message.
		st.StoreHint = true
	}
	return nil
}

// collectTargets resolves the device fan-out for a send: every known
// device of each recipient plus the own account's other devices,
// truncated at the per-stanza cap.
func (s *Service) collectTargets(ctx context.Context, own domain.OwnDevice, recipients []string) ([]target, error) {
	jids := make([]string, 0, len(recipients)+1)
	seen := map[string]bool{}
	for _, r := range append(recipients, s.ownJID) {
		jid := wire.BareJID(r)
		if !seen[jid] {
			seen[jid] = true
			jids = append(jids, jid)
		}
	}

	var targets []target
	for _, jid := range jids {
		devices, err := s.registry.DevicesOf(ctx, jid)
		if err != nil {
			return nil, fmt.Errorf("devices of %s: %w", jid, err)
		}
		for id, d := range devices {
			if jid == s.ownJID && id == own.ID {
				continue
			}
			if !d.RemovedAt.IsZero() {
				continue
			}
			if len(targets) == maxDevicesPerStanza {
				s.log.Warn("device fan-out truncated", "cap", maxDevicesPerStanza)
				return targets, nil
			}
			targets = append(targets, target{jid: jid, deviceID: id, device: d})
		}
	}
	return targets, nil
}

// encryptForDevice produces the envelope for one recipient device, or
// reports false when the device must be skipped.
func (s *Service) encryptForDevice(ctx context.Context, t target, secret []byte, accepted domain.TrustLevels) (domain.OmemoEnvelope, bool) {
	if !s.registry.EligibleForEncryption(t.device) {
		s.log.Debug("skipping unresponsive device", "jid", t.jid, "device", t.deviceID)
		return domain.OmemoEnvelope{}, false
	}

	keyID := t.device.KeyID
	var bundle *domain.DeviceBundle
	if len(keyID) == 0 || !s.engine.HasSession(t.jid, t.deviceID) {
		b, err := s.sync.RequestDeviceBundle(ctx, t.jid, t.deviceID)
		if err != nil {
			s.log.Warn("bundle fetch failed", "jid", t.jid, "device", t.deviceID, "err", err)
			return domain.OmemoEnvelope{}, false
		}
		bundle = b
		keyID = domain.KeyID(b.IdentityKey.Bytes())
	}

	if !s.keyAccepted(ctx, t.jid, keyID, accepted) {
		s.log.Debug("skipping distrusted device", "jid", t.jid, "device", t.deviceID)
		return domain.OmemoEnvelope{}, false
	}

	if !s.engine.HasSession(t.jid, t.deviceID) {
		if err := s.engine.BuildSession(ctx, t.jid, t.deviceID, *bundle); err != nil {
			s.log.Warn("session build failed", "jid", t.jid, "device", t.deviceID, "err", err)
			return domain.OmemoEnvelope{}, false
		}
	}

	data, isKex, err := s.engine.EncryptEnvelope(ctx, t.jid, t.deviceID, secret)
	if err != nil {
		s.log.Warn("envelope encryption failed", "jid", t.jid, "device", t.deviceID, "err", err)
		return domain.OmemoEnvelope{}, false
	}
	s.registry.OnEnvelopeSent(ctx, t.jid, t.deviceID)
	return domain.OmemoEnvelope{
		RecipientDeviceID: t.deviceID,
		KeyExchange:       isKex,
		Data:              data,
	}, true
}

// keyAccepted resolves the trust level of a key, consulting the
// security policy for undecided keys, and checks it against the
// accepted set.
func (s *Service) keyAccepted(ctx context.Context, jid string, keyID []byte, accepted domain.TrustLevels) bool {
	ns := s.variant.Namespace()
	level, err := s.trust.TrustLevel(ctx, ns, jid, keyID)
	if err != nil {
		s.log.Warn("trust lookup failed", "jid", jid, "err", err)
		return false
	}
	if level == domain.TrustUndecided {
		if level, err = s.policy.ResolveUndecided(ctx, ns, jid, keyID); err != nil {
			s.log.Warn("trust resolution failed", "jid", jid, "err", err)
			return false
		}
	}
	return accepted.Contains(level)
}

// DecryptStanza decrypts the encrypted element of an inbound stanza in
// place, restoring the protected content and attaching end-to-end
// encryption metadata. Envelope-only stanzas (heartbeats, session
// initiations) produce no content; the stanza keeps an empty body. A
// stanza that carries no envelope for this device is left untouched.
func (s *Service) DecryptStanza(ctx context.Context, st *domain.MessageStanza) error {
	el := st.Encrypted
	if el == nil {
		return nil
	}
	own, err := s.keys.OwnDevice()
	if err != nil {
		return err
	}

	env, ok := el.Envelope(s.ownJID, own.ID)
	if !ok {
		// The legacy element has no per-JID grouping; its envelopes
		// are parsed under the empty JID.
		if env, ok = el.Envelope("", own.ID); !ok {
			// Not addressed to this device. Leave the stanza as it is.
			s.log.Debug("no envelope for this device", "from", st.From, "sender", el.SenderDeviceID)
			return nil
		}
	}

	sender := wire.BareJID(st.From)
	newJID := !s.knownJID(sender)
	s.registry.RecordDevice(ctx, sender, el.SenderDeviceID, "")
	if newJID {
		if err := s.sync.SubscribeToDeviceList(ctx, sender); err != nil {
			s.log.Warn("device list subscription failed", "jid", sender, "err", err)
		}
	}

	secret, err := s.engine.DecryptEnvelope(ctx, sender, el.SenderDeviceID, env.Data, env.KeyExchange)
	if err != nil {
		return fmt.Errorf("pipeline: envelope from %s device %d: %w", sender, el.SenderDeviceID, err)
	}

	if len(el.Payload) == 0 {
		// Envelope-only message. Answer a session initiation so the
		// peer learns the session is complete and stops attaching
		// key-exchange data.
		if env.KeyExchange {
			if err := s.SendEmptyMessage(ctx, sender, el.SenderDeviceID); err != nil {
				s.log.Warn("session acknowledgment failed", "jid", sender, "err", err)
			}
		}
		s.afterReceive(ctx, sender, el.SenderDeviceID)
		st.E2EE = s.metadata(sender, el.SenderDeviceID, time.Time{})
		return nil
	}

	plaintext, err := payload.Decrypt(s.variant, secret, el.IV, el.Payload)
	if err != nil {
		return fmt.Errorf("pipeline: payload from %s: %w", sender, err)
	}
	sce, err := wire.ParseSCEEnvelope(plaintext)
	if err != nil {
		return err
	}
	if wire.BareJID(sce.From) != sender {
		return fmt.Errorf("%w: envelope from %q, stanza from %q", ErrAffixMismatch, sce.From, st.From)
	}
	if st.Type != domain.MessageTypeGroupChat && sce.To != "" && wire.BareJID(sce.To) != s.ownJID {
		return fmt.Errorf("%w: envelope addressed to %q", ErrAffixMismatch, sce.To)
	}
	if err := wire.ParseStanzaContent(sce.Content, st); err != nil {
		return err
	}

	s.afterReceive(ctx, sender, el.SenderDeviceID)
	st.E2EE = s.metadata(sender, el.SenderDeviceID, sce.Timestamp)
	return nil
}

// afterReceive updates the activity counters for the sending device
// and emits a heartbeat once too many stanzas went unanswered.
func (s *Service) afterReceive(ctx context.Context, jid string, deviceID uint32) {
	if !s.registry.OnStanzaReceived(ctx, jid, deviceID) {
		return
	}
	if err := s.SendEmptyMessage(ctx, jid, deviceID); err != nil {
		s.log.Warn("heartbeat failed", "jid", jid, "device", deviceID, "err", err)
	}
}

func (s *Service) metadata(jid string, deviceID uint32, stamp time.Time) *domain.E2EEMetadata {
	meta := &domain.E2EEMetadata{
		Namespace:    s.variant.Namespace(),
		SCETimestamp: stamp,
	}
	if d, ok := s.registry.Device(jid, deviceID); ok {
		meta.SenderKeyID = d.KeyID
	}
	return meta
}

// SendEmptyMessage sends an envelope-only message to one device. It
// keeps the ratchet session moving without transporting content and
// doubles as the session acknowledgment after an inbound key exchange.
func (s *Service) SendEmptyMessage(ctx context.Context, jid string, deviceID uint32) error {
	if s.Sender == nil {
		s.log.Debug("no sender configured, skipping empty message", "jid", jid)
		return nil
	}
	secret := make([]byte, emptySecretSize)
	if _, err := rand.Read(secret); err != nil {
		return err
	}
	data, isKex, err := s.engine.EncryptEnvelope(ctx, jid, deviceID, secret)
	if err != nil {
		return err
	}
	own, err := s.keys.OwnDevice()
	if err != nil {
		return err
	}
	el := &domain.OmemoElement{SenderDeviceID: own.ID}
	el.AddEnvelope(jid, domain.OmemoEnvelope{
		RecipientDeviceID: deviceID,
		KeyExchange:       isKex,
		Data:              data,
	})
	s.registry.OnEnvelopeSent(ctx, jid, deviceID)
	return s.Sender.SendMessage(ctx, &domain.MessageStanza{
		To:        jid,
		Type:      domain.MessageTypeChat,
		Encrypted: el,
		StoreHint: true,
	})
}

func (s *Service) knownJID(jid string) bool {
	for _, j := range s.registry.KnownJIDs() {
		if j == jid {
			return true
		}
	}
	return false
}
