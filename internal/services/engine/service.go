package engine

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"omemo/internal/domain"
	"omemo/internal/protocol/ratchet"
	"omemo/internal/protocol/x3dh"
	"omemo/internal/services/keys"
	"omemo/internal/services/registry"
)

// sessionRecord is what the registry persists per device: the ratchet
// state plus, while the initiator has not yet heard back, the X3DH
// parameters repeated in every outgoing envelope.
type sessionRecord struct {
	State ratchet.State `cbor:"1,keyasint"`
	Kex   *pendingKex   `cbor:"2,keyasint,omitempty"`

	// AD is the associated data of every envelope in this session:
	// initiator identity key followed by responder identity key, fixed
	// at session build time.
	AD []byte `cbor:"3,keyasint"`
}

type pendingKex struct {
	IdentityKey    []byte `cbor:"1,keyasint"`
	EphemeralKey   []byte `cbor:"2,keyasint"`
	SignedPreKeyID uint32 `cbor:"3,keyasint"`
	PreKeyID       uint32 `cbor:"4,keyasint"`
}

// ErrNoPreKeys is returned when a fetched bundle offers no one-time
// pre-keys. Such a bundle cannot start a session; the device has to
// replenish and republish first.
var ErrNoPreKeys = errors.New("engine: bundle offers no pre-keys")

// Service is the ratchet engine.
type Service struct {
	keys      *keys.Service
	registry  *registry.Service
	trust     domain.TrustManager
	policy    domain.SecurityPolicy
	namespace string
	log       *slog.Logger

	mu sync.Mutex
}

// New constructs the engine over the key store and device registry.
// Identity keys arriving in key-exchange messages are resolved against
// trust and policy before a session is accepted.
func New(keys *keys.Service, registry *registry.Service, trust domain.TrustManager, policy domain.SecurityPolicy, namespace string, log *slog.Logger) *Service {
	return &Service{keys: keys, registry: registry, trust: trust, policy: policy, namespace: namespace, log: log}
}

// HasSession reports whether a session exists for the address.
func (s *Service) HasSession(jid string, deviceID uint32) bool {
	_, ok := s.registry.Session(jid, deviceID)
	return ok
}

// BuildSession establishes an outbound session from a fetched device
// bundle. The bundle's signed pre-key signature is verified first; a
// one-time pre-key is picked uniformly at random from the bundle, and
// a bundle offering none fails with ErrNoPreKeys.
//
// High-level flow:
//  1. Verify the signed pre-key signature against the bundle identity.
//  2. Run X3DH as initiator with a random one-time pre-key.
//  3. Seed the sending chain and persist the session, remembering the
//     key-exchange parameters until the peer answers.
func (s *Service) BuildSession(ctx context.Context, jid string, deviceID uint32, bundle domain.DeviceBundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !x3dh.VerifySignedPreKey(bundle.IdentityKey, bundle.SignedPreKey, bundle.SignedPreKeySignature) {
		return x3dh.ErrInvalidSignature
	}
	our, err := s.keys.Identity()
	if err != nil {
		return err
	}

	opkID, opk, err := pickPreKey(bundle.PreKeys)
	if err != nil {
		return err
	}

	root, eph, err := x3dh.InitiatorRoot(our, bundle.IdentityKey, bundle.SignedPreKey, opk)
	if err != nil {
		return err
	}
	st, err := ratchet.InitAsInitiator(root, bundle.SignedPreKey)
	if err != nil {
		return err
	}

	rec := sessionRecord{
		State: st,
		Kex: &pendingKex{
			IdentityKey:    our.Public().Bytes(),
			EphemeralKey:   eph.Slice(),
			SignedPreKeyID: bundle.SignedPreKeyID,
			PreKeyID:       opkID,
		},
		AD: append(our.Public().Bytes(), bundle.IdentityKey.Bytes()...),
	}
	if err := s.saveRecord(ctx, jid, deviceID, &rec); err != nil {
		return err
	}
	s.registry.SetKeyID(ctx, jid, deviceID, domain.KeyID(bundle.IdentityKey.Bytes()))
	s.log.Debug("built outbound session", "jid", jid, "device", deviceID)
	return nil
}

// EncryptEnvelope wraps plaintext (payload decryption data) for one
// device. isKeyExchange reports whether the envelope repeats the X3DH
// parameters, which it does until the peer's first reply is decrypted.
func (s *Service) EncryptEnvelope(ctx context.Context, jid string, deviceID uint32, plaintext []byte) (data []byte, isKeyExchange bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.loadRecord(jid, deviceID)
	if err != nil {
		return nil, false, err
	}

	msg, err := rec.State.Encrypt(rec.AD, plaintext)
	if err != nil {
		return nil, false, err
	}

	if rec.Kex != nil {
		inner, err := msg.Marshal()
		if err != nil {
			return nil, false, err
		}
		kex := ratchet.KeyExchange{
			Version:        ratchet.MessageVersion,
			IdentityKey:    rec.Kex.IdentityKey,
			EphemeralKey:   rec.Kex.EphemeralKey,
			SignedPreKeyID: rec.Kex.SignedPreKeyID,
			PreKeyID:       rec.Kex.PreKeyID,
			Message:        inner,
		}
		data, err = kex.Marshal()
		if err != nil {
			return nil, false, err
		}
		isKeyExchange = true
	} else {
		data, err = msg.Marshal()
		if err != nil {
			return nil, false, err
		}
	}

	if err := s.saveRecord(ctx, jid, deviceID, rec); err != nil {
		return nil, false, err
	}
	return data, isKeyExchange, nil
}

// DecryptEnvelope unwraps one per-device envelope.
//
// Three cases:
//   - Key-exchange envelope with an existing session: tried against the
//     session first, so replayed key exchanges surface as duplicates
//     instead of corrupting established state.
//   - Key-exchange envelope without a usable session: runs X3DH as
//     responder, consuming the referenced one-time pre-key only after
//     the envelope authenticates.
//   - Plain envelope: requires an established session; reported as
//     ErrNoSession otherwise so the caller can trigger a rebuild.
func (s *Service) DecryptEnvelope(ctx context.Context, jid string, deviceID uint32, data []byte, isKeyExchange bool) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !isKeyExchange {
		rec, err := s.loadRecord(jid, deviceID)
		if err != nil {
			return nil, err
		}
		msg, err := ratchet.UnmarshalMessage(data)
		if err != nil {
			return nil, err
		}
		pt, err := rec.State.Decrypt(rec.AD, msg)
		if err != nil {
			return nil, err
		}
		// Any decrypted reply proves the peer holds the session; stop
		// repeating the key exchange.
		rec.Kex = nil
		if err := s.saveRecord(ctx, jid, deviceID, rec); err != nil {
			return nil, err
		}
		return pt, nil
	}

	kex, err := ratchet.UnmarshalKeyExchange(data)
	if err != nil {
		return nil, err
	}
	msg, err := ratchet.UnmarshalMessage(kex.Message)
	if err != nil {
		return nil, err
	}

	// Try the existing session first.
	if rec, err := s.loadRecord(jid, deviceID); err == nil {
		pt, derr := rec.State.Decrypt(rec.AD, msg)
		if derr == nil {
			rec.Kex = nil
			if err := s.saveRecord(ctx, jid, deviceID, rec); err != nil {
				return nil, err
			}
			return pt, nil
		}
		if errors.Is(derr, ratchet.ErrDuplicateMessage) {
			return nil, derr
		}
		// Fall through and treat it as a fresh session attempt.
	}

	return s.acceptKeyExchange(ctx, jid, deviceID, kex, msg)
}

func (s *Service) acceptKeyExchange(ctx context.Context, jid string, deviceID uint32, kex *ratchet.KeyExchange, msg *ratchet.Message) ([]byte, error) {
	senderIK, ok := domain.ParsePublicIdentityKey(kex.IdentityKey)
	if !ok {
		return nil, ratchet.ErrInvalidKey
	}
	if err := s.resolveSenderKey(ctx, jid, domain.KeyID(kex.IdentityKey)); err != nil {
		return nil, err
	}
	var eph domain.X25519Public
	copy(eph[:], kex.EphemeralKey)

	our, err := s.keys.Identity()
	if err != nil {
		return nil, err
	}
	spk, err := s.keys.SignedPreKey(kex.SignedPreKeyID)
	if err != nil {
		return nil, fmt.Errorf("%w: signed pre-key %d", ratchet.ErrInvalidKeyID, kex.SignedPreKeyID)
	}

	var opkPriv *domain.X25519Private
	if kex.PreKeyID != 0 {
		opk, err := s.keys.PreKey(kex.PreKeyID)
		if err != nil {
			return nil, fmt.Errorf("%w: pre-key %d", ratchet.ErrInvalidKeyID, kex.PreKeyID)
		}
		opkPriv = &opk.Priv
	}

	root, err := x3dh.ResponderRoot(our, spk.Priv, opkPriv, senderIK, eph)
	if err != nil {
		return nil, err
	}
	st := ratchet.InitAsResponder(root, spk.Priv, spk.Pub)
	rec := sessionRecord{
		State: st,
		AD:    append(append([]byte(nil), kex.IdentityKey...), our.Public().Bytes()...),
	}

	pt, err := rec.State.Decrypt(rec.AD, msg)
	if err != nil {
		return nil, err
	}

	// The envelope authenticated: the one-time pre-key is now burned.
	if kex.PreKeyID != 0 {
		if _, err := s.keys.ConsumePreKey(ctx, kex.PreKeyID); err != nil {
			s.log.Warn("could not consume pre-key", "id", kex.PreKeyID, "err", err)
		}
	}
	if err := s.saveRecord(ctx, jid, deviceID, &rec); err != nil {
		return nil, err
	}
	s.registry.SetKeyID(ctx, jid, deviceID, domain.KeyID(kex.IdentityKey))
	s.log.Debug("accepted inbound session", "jid", jid, "device", deviceID)
	return pt, nil
}

// resolveSenderKey runs trust resolution for an identity key arriving
// in a key-exchange message: an undecided key is decided (and stored)
// by the security policy, and a distrusted one refuses the session.
func (s *Service) resolveSenderKey(ctx context.Context, jid string, keyID []byte) error {
	level, err := s.trust.TrustLevel(ctx, s.namespace, jid, keyID)
	if err != nil {
		return err
	}
	if level == domain.TrustUndecided {
		if level, err = s.policy.ResolveUndecided(ctx, s.namespace, jid, keyID); err != nil {
			return err
		}
	}
	if domain.Distrusted.Contains(level) {
		return fmt.Errorf("%w: %s key %s", ratchet.ErrUntrustedIdentity, jid, domain.Fingerprint(keyID))
	}
	return nil
}

// RemoveSession drops the session state for a device, forcing a rebuild
// on the next encryption.
func (s *Service) RemoveSession(ctx context.Context, jid string, deviceID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry.SetSession(ctx, jid, deviceID, nil)
}

func (s *Service) loadRecord(jid string, deviceID uint32) (*sessionRecord, error) {
	raw, ok := s.registry.Session(jid, deviceID)
	if !ok {
		return nil, ratchet.ErrNoSession
	}
	var rec sessionRecord
	if err := cbor.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("engine: corrupt session record: %w", err)
	}
	return &rec, nil
}

func (s *Service) saveRecord(ctx context.Context, jid string, deviceID uint32, rec *sessionRecord) error {
	raw, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	s.registry.SetSession(ctx, jid, deviceID, raw)
	return nil
}

// pickPreKey selects a one-time pre-key uniformly at random. A bundle
// without pre-keys is rejected.
func pickPreKey(preKeys map[uint32]domain.X25519Public) (uint32, *domain.X25519Public, error) {
	if len(preKeys) == 0 {
		return 0, nil, ErrNoPreKeys
	}
	ids := make([]uint32, 0, len(preKeys))
	for id := range preKeys {
		ids = append(ids, id)
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(ids))))
	if err != nil {
		return 0, nil, err
	}
	id := ids[n.Int64()]
	pub := preKeys[id]
	return id, &pub, nil
}
