// Package store persists the agent's durable state as a small keyed
// document table.
package store

import (
	"context"
	"errors"
	"sync"
)

// Well-known state keys.
const (
	KeyIdentity         = "identity"
	KeyOutbox           = "outbox"
	KeyPermissionGrants = "permission-grants"
)

// ErrNotFound is returned when a key has no stored value.
var ErrNotFound = errors.New("state key not found")

// Store is keyed durable state. Values are opaque serialized documents.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// MemStore is an in-memory Store. Test double and no-database fallback.
type MemStore struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{values: make(map[string]string)}
}

func (s *MemStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func (s *MemStore) Put(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}
