package store

import (
	"context"
	"sync"

	"omemo/internal/domain"
)

// MemoryStore is a map-backed domain.Storage for tests and throwaway
// sessions. Safe for concurrent use.
type MemoryStore struct {
	mu      sync.Mutex
	own     *domain.OwnDevice
	spk     map[uint32]domain.SignedPreKeyPair
	opk     map[uint32]domain.PreKeyPair
	devices map[string]map[uint32]domain.RemoteDevice
}

var _ domain.Storage = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		spk:     make(map[uint32]domain.SignedPreKeyPair),
		opk:     make(map[uint32]domain.PreKeyPair),
		devices: make(map[string]map[uint32]domain.RemoteDevice),
	}
}

func (s *MemoryStore) OwnDevice(_ context.Context) (*domain.OwnDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.own == nil {
		return nil, nil
	}
	cp := *s.own
	return &cp, nil
}

func (s *MemoryStore) SetOwnDevice(_ context.Context, device *domain.OwnDevice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *device
	s.own = &cp
	return nil
}

func (s *MemoryStore) AddSignedPreKeyPair(_ context.Context, pair domain.SignedPreKeyPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spk[pair.ID] = pair
	return nil
}

func (s *MemoryStore) RemoveSignedPreKeyPair(_ context.Context, id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.spk, id)
	return nil
}

func (s *MemoryStore) SignedPreKeyPairs(_ context.Context) ([]domain.SignedPreKeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.SignedPreKeyPair, 0, len(s.spk))
	for _, p := range s.spk {
		out = append(out, p)
	}
	return out, nil
}

func (s *MemoryStore) AddPreKeyPairs(_ context.Context, pairs []domain.PreKeyPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range pairs {
		s.opk[p.ID] = p
	}
	return nil
}

func (s *MemoryStore) RemovePreKeyPair(_ context.Context, id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.opk, id)
	return nil
}

func (s *MemoryStore) PreKeyPairs(_ context.Context) ([]domain.PreKeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.PreKeyPair, 0, len(s.opk))
	for _, p := range s.opk {
		out = append(out, p)
	}
	return out, nil
}

func (s *MemoryStore) AddDevice(_ context.Context, jid string, deviceID uint32, device domain.RemoteDevice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.devices[jid]
	if byID == nil {
		byID = make(map[uint32]domain.RemoteDevice)
		s.devices[jid] = byID
	}
	byID[deviceID] = device
	return nil
}

func (s *MemoryStore) RemoveDevice(_ context.Context, jid string, deviceID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices[jid], deviceID)
	if len(s.devices[jid]) == 0 {
		delete(s.devices, jid)
	}
	return nil
}

func (s *MemoryStore) RemoveDevices(_ context.Context, jid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, jid)
	return nil
}

func (s *MemoryStore) Devices(_ context.Context) (map[string]map[uint32]domain.RemoteDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]map[uint32]domain.RemoteDevice, len(s.devices))
	for jid, byID := range s.devices {
		cp := make(map[uint32]domain.RemoteDevice, len(byID))
		for id, d := range byID {
			cp[id] = d
		}
		out[jid] = cp
	}
	return out, nil
}

func (s *MemoryStore) ResetAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.own = nil
	s.spk = make(map[uint32]domain.SignedPreKeyPair)
	s.opk = make(map[uint32]domain.PreKeyPair)
	s.devices = make(map[string]map[uint32]domain.RemoteDevice)
	return nil
}
