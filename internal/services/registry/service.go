package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"omemo/internal/domain"
)

const (
	// Encryption to a device stops once this many stanzas went
	// unanswered; the device is presumed dead or the session broken.
	unrespondedSentUntilIneligible = 106

	// A heartbeat is sent back once this many stanzas were received
	// from a device without responding.
	unrespondedReceivedUntilHeartbeat = 53

	// Devices absent from their owner's device list are kept this long
	// before being erased together with their trust state.
	removedDeviceRetention = 12 * 7 * 24 * time.Hour

	// Hard cap on stored devices per JID.
	maxDevicesPerJID = 200
)

// Service is the device registry.
//
// DevicesOf populates a JID's devices lazily: the first lookup triggers
// the Refresh hook, which the wiring layer points at the sync
// protocol's device-list fetch.
type Service struct {
	store     domain.Storage
	trust     domain.TrustManager
	namespace string
	log       *slog.Logger

	// Refresh fetches and reconciles the published device list of a
	// JID. Optional; without it lookups serve only local state.
	Refresh func(ctx context.Context, jid string) error

	mu        sync.Mutex
	devices   map[string]map[uint32]*domain.RemoteDevice
	refreshed map[string]bool
}

// New constructs the registry. namespace scopes trust decisions to the
// active protocol revision.
func New(store domain.Storage, trust domain.TrustManager, namespace string, log *slog.Logger) *Service {
	return &Service{
		store:     store,
		trust:     trust,
		namespace: namespace,
		log:       log,
		devices:   make(map[string]map[uint32]*domain.RemoteDevice),
		refreshed: make(map[string]bool),
	}
}

// Load primes the in-memory state from storage.
func (s *Service) Load(ctx context.Context) error {
	stored, err := s.store.Devices(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for jid, byID := range stored {
		m := make(map[uint32]*domain.RemoteDevice, len(byID))
		for id, d := range byID {
			dev := d
			m[id] = &dev
		}
		s.devices[jid] = m
	}
	return nil
}

// DevicesOf returns a copy of the JID's device set, fetching the
// published device list on first reference.
func (s *Service) DevicesOf(ctx context.Context, jid string) (map[uint32]domain.RemoteDevice, error) {
	s.mu.Lock()
	needsRefresh := !s.refreshed[jid] && s.Refresh != nil
	if needsRefresh {
		s.refreshed[jid] = true
	}
	s.mu.Unlock()

	if needsRefresh {
		if err := s.Refresh(ctx, jid); err != nil {
			s.log.Warn("device list refresh failed", "jid", jid, "err", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint32]domain.RemoteDevice, len(s.devices[jid]))
	for id, d := range s.devices[jid] {
		out[id] = *d
	}
	return out, nil
}

// Device returns one device's current state.
func (s *Service) Device(jid string, deviceID uint32) (domain.RemoteDevice, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[jid][deviceID]
	if !ok {
		return domain.RemoteDevice{}, false
	}
	return *d, true
}

// RecordDevice inserts or updates a device sighted in a device list or
// a received stanza. Inserts beyond the per-JID cap are dropped.
// It reports whether the device was newly inserted.
func (s *Service) RecordDevice(ctx context.Context, jid string, deviceID uint32, label string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID := s.devices[jid]
	if byID == nil {
		byID = make(map[uint32]*domain.RemoteDevice)
		s.devices[jid] = byID
	}
	d, ok := byID[deviceID]
	if !ok {
		if len(byID) >= maxDevicesPerJID {
			s.log.Warn("device cap reached, ignoring device", "jid", jid, "device", deviceID)
			return false
		}
		d = &domain.RemoteDevice{}
		byID[deviceID] = d
	}
	d.Label = label
	d.RemovedAt = time.Time{} // listed again
	s.persist(ctx, jid, deviceID, d)
	return !ok
}

// Update applies fn to a device under the lock and persists the result.
// The device is created if absent.
func (s *Service) Update(ctx context.Context, jid string, deviceID uint32, fn func(*domain.RemoteDevice)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.devices[jid]
	if byID == nil {
		byID = make(map[uint32]*domain.RemoteDevice)
		s.devices[jid] = byID
	}
	d, ok := byID[deviceID]
	if !ok {
		d = &domain.RemoteDevice{}
		byID[deviceID] = d
	}
	fn(d)
	s.persist(ctx, jid, deviceID, d)
}

// Session returns the serialized ratchet session of a device.
func (s *Service) Session(jid string, deviceID uint32) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[jid][deviceID]
	if !ok || len(d.Session) == 0 {
		return nil, false
	}
	return append([]byte(nil), d.Session...), true
}

// SetSession stores the serialized ratchet session of a device.
func (s *Service) SetSession(ctx context.Context, jid string, deviceID uint32, session []byte) {
	s.Update(ctx, jid, deviceID, func(d *domain.RemoteDevice) {
		d.Session = append([]byte(nil), session...)
	})
}

// SetKeyID caches the identity key ID learned from a bundle fetch or a
// key-exchange message.
func (s *Service) SetKeyID(ctx context.Context, jid string, deviceID uint32, keyID []byte) {
	s.Update(ctx, jid, deviceID, func(d *domain.RemoteDevice) {
		d.KeyID = append([]byte(nil), keyID...)
	})
}

// EligibleForEncryption reports whether the device may still be
// encrypted to.
func (s *Service) EligibleForEncryption(d domain.RemoteDevice) bool {
	return d.UnrespondedSent < unrespondedSentUntilIneligible
}

// OnEnvelopeSent records that a stanza was encrypted to the device.
func (s *Service) OnEnvelopeSent(ctx context.Context, jid string, deviceID uint32) {
	s.Update(ctx, jid, deviceID, func(d *domain.RemoteDevice) {
		d.UnrespondedSent++
		d.UnrespondedReceived = 0
	})
}

// OnStanzaReceived records a successfully decrypted stanza from the
// device and reports whether a heartbeat should be sent back.
func (s *Service) OnStanzaReceived(ctx context.Context, jid string, deviceID uint32) (heartbeat bool) {
	s.Update(ctx, jid, deviceID, func(d *domain.RemoteDevice) {
		d.UnrespondedSent = 0
		d.UnrespondedReceived++
		if d.UnrespondedReceived >= unrespondedReceivedUntilHeartbeat {
			d.UnrespondedReceived = 0
			heartbeat = true
		}
	})
	return heartbeat
}

// MarkRemoved timestamps devices that disappeared from their owner's
// device list. Already-timestamped devices keep their original time.
func (s *Service) MarkRemoved(ctx context.Context, jid string, deviceID uint32, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[jid][deviceID]
	if !ok || !d.RemovedAt.IsZero() {
		return
	}
	d.RemovedAt = now
	s.persist(ctx, jid, deviceID, d)
}

// MarkAllRemoved timestamps every device of a JID, used when the JID's
// device list node disappears entirely.
func (s *Service) MarkAllRemoved(ctx context.Context, jid string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, d := range s.devices[jid] {
		if d.RemovedAt.IsZero() {
			d.RemovedAt = now
			s.persist(ctx, jid, id, d)
		}
	}
}

// AgeOutRemovedDevices erases devices whose removal timestamp exceeds
// the retention window, dropping their trust state with them. Intended
// for a periodic housekeeping tick.
func (s *Service) AgeOutRemovedDevices(ctx context.Context, now time.Time) {
	s.mu.Lock()
	type victim struct {
		jid   string
		id    uint32
		keyID []byte
	}
	var victims []victim
	for jid, byID := range s.devices {
		for id, d := range byID {
			if !d.RemovedAt.IsZero() && now.Sub(d.RemovedAt) >= removedDeviceRetention {
				victims = append(victims, victim{jid, id, d.KeyID})
				delete(byID, id)
			}
		}
		if len(byID) == 0 {
			delete(s.devices, jid)
		}
	}
	s.mu.Unlock()

	for _, v := range victims {
		if err := s.store.RemoveDevice(ctx, v.jid, v.id); err != nil {
			s.log.Warn("could not erase device", "jid", v.jid, "device", v.id, "err", err)
		}
		if len(v.keyID) > 0 {
			if err := s.trust.RemoveKeys(ctx, s.namespace, v.jid, [][]byte{v.keyID}); err != nil {
				s.log.Warn("could not drop trust state", "jid", v.jid, "err", err)
			}
		}
		s.log.Info("erased removed device", "jid", v.jid, "device", v.id)
	}
}

// Forget erases a JID's devices immediately, as part of an explicit
// reset.
func (s *Service) Forget(ctx context.Context, jid string) error {
	s.mu.Lock()
	delete(s.devices, jid)
	delete(s.refreshed, jid)
	s.mu.Unlock()
	return s.store.RemoveDevices(ctx, jid)
}

// KnownJIDs lists every JID with at least one stored device.
func (s *Service) KnownJIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.devices))
	for jid := range s.devices {
		out = append(out, jid)
	}
	return out
}

func (s *Service) persist(ctx context.Context, jid string, deviceID uint32, d *domain.RemoteDevice) {
	if err := s.store.AddDevice(ctx, jid, deviceID, *d); err != nil {
		s.log.Warn("could not persist device", "jid", jid, "device", deviceID, "err", err)
	}
}
