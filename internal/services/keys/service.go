package keys

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"omemo/internal/crypto"
	"omemo/internal/domain"
)

const (
	// Key and device IDs are drawn from [1, 2^31-1] and wrap.
	minID = 1
	maxID = 1<<31 - 1

	// Target size of the one-time pre-key pool.
	preKeyPoolTarget = 100

	// The signed pre-key is renewed after this age and old pairs are
	// kept for as long afterwards, so envelopes in flight still decrypt.
	signedPreKeyRenewAfter = 28 * 24 * time.Hour
	signedPreKeyRetention  = 28 * 24 * time.Hour
)

// ErrNotInitialized is returned when an operation needs the own device
// and Initialize has not run yet.
var ErrNotInitialized = errors.New("keys: device not initialized")

// ErrUnknownPreKey is returned when a referenced pre-key is not in the
// pool, typically because it was already consumed.
var ErrUnknownPreKey = errors.New("keys: unknown pre-key id")

// Service manages the own device record and its key material.
//
// High-level flow:
//  1. Initialize loads or creates the device and its pre-key pools.
//  2. The engine consumes one-time pre-keys as inbound sessions arrive;
//     the pool is replenished to its target size on every consumption.
//  3. A periodic tick calls RotateSignedPreKeys, which renews the
//     signed pre-key and prunes expired ones.
type Service struct {
	store domain.Storage
	log   *slog.Logger

	// PublishedDeviceIDs returns the device IDs currently visible on
	// the account's published device list. Used to avoid ID collisions
	// when allocating a fresh device ID.
	PublishedDeviceIDs func(ctx context.Context) ([]uint32, error)

	// BundleChanged is called after every mutation that changes the
	// published device bundle, so the sync protocol can republish.
	BundleChanged func(ctx context.Context)

	mu      sync.Mutex
	own     *domain.OwnDevice
	signed  map[uint32]domain.SignedPreKeyPair
	preKeys map[uint32]domain.PreKeyPair
}

// New constructs the service. Initialize must run before any other
// operation.
func New(store domain.Storage, log *slog.Logger) *Service {
	return &Service{
		store:   store,
		log:     log,
		signed:  make(map[uint32]domain.SignedPreKeyPair),
		preKeys: make(map[uint32]domain.PreKeyPair),
	}
}

// Initialize loads the stored device or creates a fresh one. It is
// idempotent: an existing identity is never regenerated, since that
// would break every established peer session.
func (s *Service) Initialize(ctx context.Context, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.own != nil {
		return nil
	}

	own, err := s.store.OwnDevice(ctx)
	if err != nil {
		return err
	}
	if own != nil {
		s.own = own
		return s.loadPools(ctx)
	}

	identity, err := crypto.GenerateIdentity()
	if err != nil {
		return fmt.Errorf("keys: generate identity: %w", err)
	}
	deviceID, err := s.allocateDeviceID(ctx)
	if err != nil {
		return err
	}

	own = &domain.OwnDevice{ID: deviceID, Label: label, Identity: identity}

	spk, err := s.newSignedPreKey(own, time.Now())
	if err != nil {
		return err
	}
	pairs, err := s.newPreKeys(own, preKeyPoolTarget)
	if err != nil {
		return err
	}

	if err := s.store.SetOwnDevice(ctx, own); err != nil {
		return err
	}
	if err := s.store.AddSignedPreKeyPair(ctx, spk); err != nil {
		return err
	}
	if err := s.store.AddPreKeyPairs(ctx, pairs); err != nil {
		return err
	}

	s.own = own
	s.signed[spk.ID] = spk
	for _, p := range pairs {
		s.preKeys[p.ID] = p
	}
	s.log.Info("created own device", "id", own.ID, "label", own.Label)
	return nil
}

func (s *Service) loadPools(ctx context.Context) error {
	signed, err := s.store.SignedPreKeyPairs(ctx)
	if err != nil {
		return err
	}
	for _, p := range signed {
		s.signed[p.ID] = p
	}
	pairs, err := s.store.PreKeyPairs(ctx)
	if err != nil {
		return err
	}
	for _, p := range pairs {
		s.preKeys[p.ID] = p
	}
	return nil
}

// allocateDeviceID draws random IDs until one does not collide with any
// currently published device.
func (s *Service) allocateDeviceID(ctx context.Context) (uint32, error) {
	published := make(map[uint32]bool)
	if s.PublishedDeviceIDs != nil {
		ids, err := s.PublishedDeviceIDs(ctx)
		if err != nil {
			// A fresh account usually has no list yet; collisions with
			// an unreachable list are resolved by reconciliation later.
			s.log.Warn("could not fetch published device ids", "err", err)
		}
		for _, id := range ids {
			published[id] = true
		}
	}
	for {
		id, err := randomID()
		if err != nil {
			return 0, err
		}
		if !published[id] {
			return id, nil
		}
	}
}

// OwnDevice returns a copy of the current own device record.
func (s *Service) OwnDevice() (domain.OwnDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.own == nil {
		return domain.OwnDevice{}, ErrNotInitialized
	}
	return *s.own, nil
}

// SetLabel updates the device label. The caller republishes the device
// list for the new label to become visible.
func (s *Service) SetLabel(ctx context.Context, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.own == nil {
		return ErrNotInitialized
	}
	s.own.Label = label
	return s.store.SetOwnDevice(ctx, s.own)
}

// Identity returns the long-term identity key pair.
func (s *Service) Identity() (domain.IdentityKeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.own == nil {
		return domain.IdentityKeyPair{}, ErrNotInitialized
	}
	return s.own.Identity, nil
}

// SignedPreKey returns the signed pre-key pair with the given ID, which
// may be a retired one still inside its retention window.
func (s *Service) SignedPreKey(id uint32) (domain.SignedPreKeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.signed[id]
	if !ok {
		return domain.SignedPreKeyPair{}, ErrUnknownPreKey
	}
	return p, nil
}

// CurrentSignedPreKey returns the signed pre-key referenced by the
// published bundle.
func (s *Service) CurrentSignedPreKey() (domain.SignedPreKeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.own == nil {
		return domain.SignedPreKeyPair{}, ErrNotInitialized
	}
	p, ok := s.signed[s.own.LatestSignedPreKeyID]
	if !ok {
		return domain.SignedPreKeyPair{}, ErrUnknownPreKey
	}
	return p, nil
}

// PreKey returns the one-time pre-key pair with the given ID without
// consuming it.
func (s *Service) PreKey(id uint32) (domain.PreKeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.preKeys[id]
	if !ok {
		return domain.PreKeyPair{}, ErrUnknownPreKey
	}
	return p, nil
}

// ConsumePreKey removes a one-time pre-key after a remote party used it
// to establish an inbound session, then replenishes the pool.
func (s *Service) ConsumePreKey(ctx context.Context, id uint32) (domain.PreKeyPair, error) {
	s.mu.Lock()
	p, ok := s.preKeys[id]
	if !ok {
		s.mu.Unlock()
		return domain.PreKeyPair{}, ErrUnknownPreKey
	}
	delete(s.preKeys, id)
	if err := s.store.RemovePreKeyPair(ctx, id); err != nil {
		s.log.Warn("could not remove consumed pre-key from storage", "id", id, "err", err)
	}

	missing := preKeyPoolTarget - len(s.preKeys)
	var replenishErr error
	if missing > 0 {
		replenishErr = s.replenishLocked(ctx, missing)
	}
	s.mu.Unlock()

	if replenishErr != nil {
		return p, replenishErr
	}
	if s.BundleChanged != nil {
		s.BundleChanged(ctx)
	}
	return p, nil
}

func (s *Service) replenishLocked(ctx context.Context, n int) error {
	pairs, err := s.newPreKeys(s.own, n)
	if err != nil {
		return err
	}
	if err := s.store.SetOwnDevice(ctx, s.own); err != nil {
		return err
	}
	if err := s.store.AddPreKeyPairs(ctx, pairs); err != nil {
		return err
	}
	for _, p := range pairs {
		s.preKeys[p.ID] = p
	}
	return nil
}

// RotateSignedPreKeys renews the signed pre-key once it is older than
// the renewal interval and prunes retired pairs past their retention.
// Intended to be called from a periodic housekeeping tick.
func (s *Service) RotateSignedPreKeys(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	if s.own == nil {
		s.mu.Unlock()
		return ErrNotInitialized
	}

	rotated := false
	current, ok := s.signed[s.own.LatestSignedPreKeyID]
	if !ok || now.Sub(time.Unix(current.CreatedAt, 0)) >= signedPreKeyRenewAfter {
		spk, err := s.newSignedPreKey(s.own, now)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		if err := s.store.SetOwnDevice(ctx, s.own); err != nil {
			s.mu.Unlock()
			return err
		}
		if err := s.store.AddSignedPreKeyPair(ctx, spk); err != nil {
			s.mu.Unlock()
			return err
		}
		s.signed[spk.ID] = spk
		rotated = true
		s.log.Info("rotated signed pre-key", "id", spk.ID)
	}

	latest := s.own.LatestSignedPreKeyID
	for id, p := range s.signed {
		if id == latest {
			continue
		}
		if now.Sub(time.Unix(p.CreatedAt, 0)) >= signedPreKeyRetention {
			delete(s.signed, id)
			if err := s.store.RemoveSignedPreKeyPair(ctx, id); err != nil {
				s.log.Warn("could not prune signed pre-key", "id", id, "err", err)
			}
		}
	}
	s.mu.Unlock()

	if rotated && s.BundleChanged != nil {
		s.BundleChanged(ctx)
	}
	return nil
}

// Bundle assembles the published public view of the device.
func (s *Service) Bundle() (domain.DeviceBundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.own == nil {
		return domain.DeviceBundle{}, ErrNotInitialized
	}
	spk, ok := s.signed[s.own.LatestSignedPreKeyID]
	if !ok {
		return domain.DeviceBundle{}, ErrUnknownPreKey
	}

	bundle := domain.DeviceBundle{
		IdentityKey:           s.own.Identity.Public(),
		SignedPreKeyID:        spk.ID,
		SignedPreKey:          spk.Pub,
		SignedPreKeySignature: append([]byte(nil), spk.Signature...),
		PreKeys:               make(map[uint32]domain.X25519Public, len(s.preKeys)),
	}
	for id, p := range s.preKeys {
		bundle.PreKeys[id] = p.Pub
	}
	return bundle, nil
}

// newSignedPreKey creates and signs a pair, advancing the device's
// latest signed pre-key ID. Caller holds the lock and persists.
func (s *Service) newSignedPreKey(own *domain.OwnDevice, now time.Time) (domain.SignedPreKeyPair, error) {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.SignedPreKeyPair{}, fmt.Errorf("keys: generate signed pre-key: %w", err)
	}
	own.LatestSignedPreKeyID = nextID(own.LatestSignedPreKeyID)
	return domain.SignedPreKeyPair{
		ID:        own.LatestSignedPreKeyID,
		Priv:      priv,
		Pub:       pub,
		Signature: crypto.SignEd25519(own.Identity.EdPriv, pub.Slice()),
		CreatedAt: now.Unix(),
	}, nil
}

// newPreKeys creates n pairs, advancing the device's latest pre-key ID.
// Caller holds the lock and persists.
func (s *Service) newPreKeys(own *domain.OwnDevice, n int) ([]domain.PreKeyPair, error) {
	pairs := make([]domain.PreKeyPair, 0, n)
	for i := 0; i < n; i++ {
		priv, pub, err := crypto.GenerateX25519()
		if err != nil {
			return nil, fmt.Errorf("keys: generate pre-key: %w", err)
		}
		own.LatestPreKeyID = nextID(own.LatestPreKeyID)
		pairs = append(pairs, domain.PreKeyPair{ID: own.LatestPreKeyID, Priv: priv, Pub: pub})
	}
	return pairs, nil
}

func nextID(id uint32) uint32 {
	if id >= maxID {
		return minID
	}
	return id + 1
}

func randomID() (uint32, error) {
	var b [4]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, err
		}
		id := binary.BigEndian.Uint32(b[:]) & maxID
		if id >= minID {
			return id, nil
		}
	}
}
