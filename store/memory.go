package store

import (
	"context"
	"sync"

	"github.com/chazu/kestrel/jit"
)

// Memory keeps encoded profiles in memory. Snapshots pass through the
// wire format so a Memory store behaves like a persistent one.
type Memory struct {
	mu       sync.Mutex
	profiles map[jit.ProfileKey][]byte
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{profiles: make(map[jit.ProfileKey][]byte)}
}

// LoadProfile implements jit.ProfileStore.
func (m *Memory) LoadProfile(_ context.Context, key jit.ProfileKey) (jit.ProfileSnapshot, bool, error) {
	m.mu.Lock()
	data, ok := m.profiles[key]
	m.mu.Unlock()
	if !ok {
		return jit.ProfileSnapshot{}, false, nil
	}
	snap, err := UnmarshalProfile(data)
	if err != nil {
		return jit.ProfileSnapshot{}, false, err
	}
	return snap, true, nil
}

// SaveProfile implements jit.ProfileStore.
func (m *Memory) SaveProfile(_ context.Context, key jit.ProfileKey, snap jit.ProfileSnapshot) error {
	data, err := MarshalProfile(snap)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.profiles[key] = data
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored profiles.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.profiles)
}
