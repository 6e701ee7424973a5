package blob

import (
	"context"
	"fmt"
	"sync"

	"tunnelbroker/errs"
)

//MemoryStore is an in-process Store used by tests and single-node
//development setups without an object store
type MemoryStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

//NewMemoryStore returns an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

//Put stores the fragment under its content address
func (s *MemoryStore) Put(ctx context.Context, data []byte) (string, error) {
	key := Address(data)

	cp := make([]byte, len(data))
	copy(cp, data)

	s.mu.Lock()
	s.blobs[key] = cp
	s.mu.Unlock()

	return key, nil
}

//Get returns the fragment for a content address
func (s *MemoryStore) Get(ctx context.Context, hash string) ([]byte, error) {
	s.mu.Lock()
	data, ok := s.blobs[hash]
	s.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: blob %s", errs.ErrNotFound, hash)
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

//Len reports how many fragments are stored
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}
