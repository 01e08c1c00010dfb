// Package storage persists alarm items so schedules survive restarts.
// The in-memory map is always authoritative at runtime; the store is a
// write-through copy.
package storage

import (
	"context"
	"errors"
	"sync"

	"alarmclock/internal/alarm"
)

var ErrNotFound = errors.New("storage: item not found")

// Store is the persistence contract the engine writes through to.
type Store interface {
	// Load returns every persisted item
	Load(ctx context.Context) ([]*alarm.Item, error)
	// Put inserts or replaces an item by ID
	Put(ctx context.Context, item *alarm.Item) error
	// Delete removes an item; ErrNotFound when no row matched
	Delete(ctx context.Context, id string) error
	// DeleteAll removes every item, optionally filtered by kind
	DeleteAll(ctx context.Context, kind *alarm.Kind) error
	Close() error
}

// MemoryStore keeps items in a map. Used by tests and as a fallback when
// no database path is configured.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*alarm.Item
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*alarm.Item)}
}

func (s *MemoryStore) Load(ctx context.Context) ([]*alarm.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*alarm.Item, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, item.Clone())
	}
	return out, nil
}

func (s *MemoryStore) Put(ctx context.Context, item *alarm.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[item.ID] = item.Clone()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; !ok {
		return ErrNotFound
	}
	delete(s.items, id)
	return nil
}

func (s *MemoryStore) DeleteAll(ctx context.Context, kind *alarm.Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, item := range s.items {
		if kind == nil || item.Kind == *kind {
			delete(s.items, id)
		}
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
