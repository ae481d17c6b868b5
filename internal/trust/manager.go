package trust

import (
	"context"
	"encoding/hex"
	"sync"

	"omemo/internal/domain"
)

// Manager is an in-memory trust store. It satisfies domain.TrustManager
// and is safe for concurrent use.
type Manager struct {
	mu sync.RWMutex
	// namespace -> jid -> hex key ID -> level
	levels map[string]map[string]map[string]domain.TrustLevel
}

var _ domain.TrustManager = (*Manager)(nil)

// NewManager returns an empty trust store.
func NewManager() *Manager {
	return &Manager{levels: make(map[string]map[string]map[string]domain.TrustLevel)}
}

// TrustLevel returns the stored level of a key, or TrustUndecided for a
// key never seen before.
func (m *Manager) TrustLevel(_ context.Context, namespace, jid string, keyID []byte) (domain.TrustLevel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if lvl, ok := m.levels[namespace][jid][hex.EncodeToString(keyID)]; ok {
		return lvl, nil
	}
	return domain.TrustUndecided, nil
}

// AddKeys stores a trust level for the given keys, overwriting any
// previous decision.
func (m *Manager) AddKeys(_ context.Context, namespace, jid string, keyIDs [][]byte, level domain.TrustLevel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byJID := m.levels[namespace]
	if byJID == nil {
		byJID = make(map[string]map[string]domain.TrustLevel)
		m.levels[namespace] = byJID
	}
	byKey := byJID[jid]
	if byKey == nil {
		byKey = make(map[string]domain.TrustLevel)
		byJID[jid] = byKey
	}
	for _, id := range keyIDs {
		byKey[hex.EncodeToString(id)] = level
	}
	return nil
}

// RemoveKeys forgets all decisions for the given keys.
func (m *Manager) RemoveKeys(_ context.Context, namespace, jid string, keyIDs [][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byKey := m.levels[namespace][jid]
	for _, id := range keyIDs {
		delete(byKey, hex.EncodeToString(id))
	}
	if len(byKey) == 0 {
		delete(m.levels[namespace], jid)
	}
	return nil
}

// HasKey reports whether the JID owns at least one key at any of the
// given levels.
func (m *Manager) HasKey(_ context.Context, namespace, jid string, levels domain.TrustLevels) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, lvl := range m.levels[namespace][jid] {
		if levels.Contains(lvl) {
			return true, nil
		}
	}
	return false, nil
}

// ResetAll drops every decision stored under the namespace.
func (m *Manager) ResetAll(_ context.Context, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.levels, namespace)
	return nil
}
