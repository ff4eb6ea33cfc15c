package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

type MemStorage struct {
	mutex  *sync.RWMutex
	order  []string
	stores map[string]*memStore
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		mutex:  &sync.RWMutex{},
		stores: make(map[string]*memStore),
	}
}

func (m *MemStorage) Open(_ context.Context, name string) (Store, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if s, ok := m.stores[name]; ok {
		return s, nil
	}
	s := &memStore{
		name:  name,
		mutex: &sync.RWMutex{},
		db:    make(map[string]CacheEntry),
	}
	m.stores[name] = s
	m.order = append(m.order, name)
	return s, nil
}

func (m *MemStorage) Match(ctx context.Context, key string) (CacheEntry, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for _, name := range m.order {
		if entry, ok, _ := m.stores[name].Get(ctx, key); ok {
			return entry, true, nil
		}
	}
	return CacheEntry{}, false, nil
}

func (m *MemStorage) Names(_ context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, len(m.order))
	copy(names, m.order)
	return names, nil
}

func (m *MemStorage) Delete(_ context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	s, ok := m.stores[name]
	if !ok {
		return false, nil
	}
	s.mutex.Lock()
	s.deleted = true
	s.mutex.Unlock()
	delete(m.stores, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true, nil
}

type memStore struct {
	name    string
	mutex   *sync.RWMutex
	db      map[string]CacheEntry
	deleted bool
}

func (s *memStore) Name() string {
	return s.name
}

func (s *memStore) Get(_ context.Context, key string) (CacheEntry, bool, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	entry, ok := s.db[key]
	return entry, ok, nil
}

func (s *memStore) Put(_ context.Context, entry CacheEntry) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	// writes that race with a whole-store deletion are dropped
	if s.deleted {
		return ErrStoreNotFound
	}
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now()
	}
	s.db[entry.Key] = entry
	return nil
}

func (s *memStore) Keys(_ context.Context) ([]string, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	keys := make([]string, 0, len(s.db))
	for key := range s.db {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
