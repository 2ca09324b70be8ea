package presence

import (
	"context"
	"sync"
	"time"
)

type codeEntry struct {
	deviceID  string
	expiresAt time.Time
}

// MemoryStore is an in-process Store. It is used in tests and in
// single-instance deployments where cross-instance visibility is not
// needed.
type MemoryStore struct {
	mu       sync.Mutex
	conns    map[string]map[string]struct{}
	codes    map[string]codeEntry
	lastSeen map[string]time.Time

	now func() time.Time
}

// NewMemoryStore creates an empty in-process presence store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conns:    make(map[string]map[string]struct{}),
		codes:    make(map[string]codeEntry),
		lastSeen: make(map[string]time.Time),
		now:      time.Now,
	}
}

func (m *MemoryStore) AddConnection(_ context.Context, deviceID, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.conns[deviceID]
	if !ok {
		set = make(map[string]struct{})
		m.conns[deviceID] = set
	}
	set[connID] = struct{}{}
	return nil
}

func (m *MemoryStore) RemoveConnection(_ context.Context, deviceID, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.conns[deviceID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(m.conns, deviceID)
		}
	}
	return nil
}

func (m *MemoryStore) Connections(_ context.Context, deviceID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.conns[deviceID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out, nil
}

func (m *MemoryStore) SetPairingCode(_ context.Context, code, deviceID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes[code] = codeEntry{deviceID: deviceID, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *MemoryStore) TakePairingCode(_ context.Context, code string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.codes[code]
	if !ok {
		return "", ErrNotFound
	}
	delete(m.codes, code)
	if !m.now().Before(entry.expiresAt) {
		return "", ErrNotFound
	}
	return entry.deviceID, nil
}

func (m *MemoryStore) DeletePairingCode(_ context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.codes, code)
	return nil
}

func (m *MemoryStore) TouchLastSeen(_ context.Context, deviceID string, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSeen[deviceID] = t
	return nil
}

func (m *MemoryStore) LastSeen(_ context.Context, deviceID string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.lastSeen[deviceID]
	if !ok {
		return time.Time{}, ErrNotFound
	}
	return t, nil
}

func (m *MemoryStore) Close() error { return nil }
