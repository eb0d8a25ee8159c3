// Package persist stores serialized connection state outside the process.
//
// Blobs are opaque to the stores: they hold a connection's CBOR snapshot or
// its skipped-key snapshot, keyed by connection id and membership id.
package persist

import (
	"context"
	"sync"
)

// Store loads and saves per-connection blobs. Load returns (nil, nil) when
// nothing is stored for the key.
type Store interface {
	Load(ctx context.Context, connectionID, membershipID string) ([]byte, error)
	Save(ctx context.Context, connectionID, membershipID string, data []byte) error
	Delete(ctx context.Context, connectionID, membershipID string) error
}

type memoryKey struct {
	connectionID string
	membershipID string
}

// MemoryStore keeps blobs in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[memoryKey][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[memoryKey][]byte)}
}

func (m *MemoryStore) Load(_ context.Context, connectionID, membershipID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[memoryKey{connectionID, membershipID}]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStore) Save(_ context.Context, connectionID, membershipID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[memoryKey{connectionID, membershipID}] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, connectionID, membershipID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, memoryKey{connectionID, membershipID})
	return nil
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
