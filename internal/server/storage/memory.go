package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// MemoryStore keeps blobs in process memory. It backs tests and the
// database-less development mode.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore creates an empty in-memory blob store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (m *MemoryStore) Put(ctx context.Context, ref string, data io.Reader) (int64, error) {
	buf, err := io.ReadAll(data)
	if err != nil {
		return 0, fmt.Errorf("failed to read blob data: %w", err)
	}

	m.mu.Lock()
	m.blobs[ref] = buf
	m.mu.Unlock()
	return int64(len(buf)), nil
}

func (m *MemoryStore) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	m.mu.RLock()
	buf, exists := m.blobs[ref]
	m.mu.RUnlock()

	if !exists {
		return nil, ErrBlobNotFound
	}
	return io.NopCloser(bytes.NewReader(buf)), nil
}

func (m *MemoryStore) Delete(ctx context.Context, ref string) error {
	m.mu.Lock()
	delete(m.blobs, ref)
	m.mu.Unlock()
	return nil
}

// Len reports the number of stored blobs, for tests.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
