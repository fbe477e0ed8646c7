package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"keep/internal/keep"
)

// MemoryStore is an in-memory implementation of keep.ArchiveStore.
// It is useful for testing and is safe for concurrent use.
type MemoryStore struct {
	mu       sync.RWMutex
	archives map[string][]byte
}

var _ keep.ArchiveStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{archives: make(map[string][]byte)}
}

func (m *MemoryStore) Put(ctx context.Context, name string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read archive: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.archives[name] = data
	return nil
}

func (m *MemoryStore) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.archives[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", keep.ErrArchiveMissing, name)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemoryStore) Stat(ctx context.Context, name string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.archives[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", keep.ErrArchiveMissing, name)
	}
	return int64(len(data)), nil
}

func (m *MemoryStore) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.archives, name)
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.archives))
	for name := range m.archives {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// ValidateSetup always succeeds for the in-memory store.
func (m *MemoryStore) ValidateSetup(ctx context.Context) error {
	return nil
}

// Bytes returns a copy of the stored archive, or nil.
func (m *MemoryStore) Bytes(name string) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.archives[name]
	if !ok {
		return nil
	}
	return bytes.Clone(data)
}

// SetBytes replaces the stored archive, for tests that tamper with archives.
func (m *MemoryStore) SetBytes(name string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archives[name] = bytes.Clone(data)
}
