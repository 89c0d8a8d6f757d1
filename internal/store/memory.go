package store

import (
	"context"
	"sync"

	"donornotify/internal/donor"
)

type docKey struct{ collection, id string }

type memoryStore struct {
	mu   sync.Mutex
	docs map[docKey]donor.Record
}

// NewMemory returns an in-process store.
func NewMemory() Store {
	return &memoryStore{docs: map[docKey]donor.Record{}}
}

func (m *memoryStore) Get(ctx context.Context, collection, id string) (donor.Record, error) {
	if err := ctx.Err(); err != nil {
		return donor.Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.docs[docKey{collection, id}]
	if !ok {
		return donor.Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *memoryStore) Put(ctx context.Context, collection, id string, rec donor.Record) (Change, error) {
	if err := ctx.Err(); err != nil {
		return Change{}, err
	}
	k := docKey{collection, id}
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, existed := m.docs[k]
	m.docs[k] = rec
	return Change{Before: prev, After: rec, Updated: existed}, nil
}

func (m *memoryStore) Close() error { return nil }
