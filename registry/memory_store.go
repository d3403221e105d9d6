package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// MemoryStore keeps records in process. It serves single-replica deployments and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[Key]*ServerRecord
	bySession map[string]Key
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[Key]*ServerRecord),
		bySession: make(map[string]Key),
	}
}

func (m *MemoryStore) Create(_ context.Context, rec *ServerRecord) (*ServerRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := rec.Key()
	if existing, ok := m.records[key]; ok {
		return existing.clone(), false, nil
	}
	now := time.Now()
	stored := rec.clone()
	stored.CreatedAt, stored.UpdatedAt = now, now
	m.records[key] = stored
	m.bySession[stored.SessionID] = key
	return stored.clone(), true, nil
}

func (m *MemoryStore) Get(_ context.Context, key Key) (*ServerRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[key]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "key %s", key)
	}
	return rec.clone(), nil
}

func (m *MemoryStore) GetBySessionID(_ context.Context, sessionID string) (*ServerRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key, ok := m.bySession[sessionID]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "session %s", sessionID)
	}
	return m.records[key].clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, key Key, fn Mutator) (*ServerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.records[key]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "key %s", key)
	}
	rec := current.clone()
	remove, err := fn(rec)
	if err != nil {
		return nil, err
	}
	if remove {
		delete(m.records, key)
		delete(m.bySession, current.SessionID)
		return nil, nil
	}
	rec.UpdatedAt = time.Now()
	m.records[key] = rec
	return rec.clone(), nil
}

func (m *MemoryStore) Delete(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		return nil
	}
	delete(m.records, key)
	delete(m.bySession, rec.SessionID)
	return nil
}

// List returns a snapshot ordered by creation time.
func (m *MemoryStore) List(_ context.Context) ([]*ServerRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*ServerRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error {
	return nil
}
