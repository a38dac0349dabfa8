// Package memory is an in-process audit store for tests and local runs.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/vernite/realtime/internal/services/audit"
)

// Store keeps audit logs and snapshots in maps. InTx offers no isolation or
// rollback.
type Store struct {
	mu          sync.RWMutex
	logs        []audit.Log
	byChangeKey map[string]int
	snapshots   map[string]json.RawMessage
}

// New returns an empty store.
func New() *Store {
	return &Store{
		byChangeKey: make(map[string]int),
		snapshots:   make(map[string]json.RawMessage),
	}
}

func snapshotKey(entityType, entityID string) string {
	return entityType + "\x00" + entityID
}

// Save appends log unless its change key was seen.
func (s *Store) Save(_ context.Context, log audit.Log) (audit.Log, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.byChangeKey[log.ChangeKey]; ok {
		return s.logs[i], false, nil
	}
	s.byChangeKey[log.ChangeKey] = len(s.logs)
	s.logs = append(s.logs, log)
	return log, true, nil
}

// LoadEntitySnapshot returns the latest snapshot.
func (s *Store) LoadEntitySnapshot(_ context.Context, entityType, entityID string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot, ok := s.snapshots[snapshotKey(entityType, entityID)]
	if !ok {
		return nil, audit.ErrNotFound
	}
	return append(json.RawMessage(nil), snapshot...), nil
}

// SaveEntitySnapshot replaces the latest snapshot.
func (s *Store) SaveEntitySnapshot(_ context.Context, entityType, entityID string, snapshot json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snapshotKey(entityType, entityID)] = append(json.RawMessage(nil), snapshot...)
	return nil
}

// DeleteEntitySnapshot forgets the latest snapshot.
func (s *Store) DeleteEntitySnapshot(_ context.Context, entityType, entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, snapshotKey(entityType, entityID))
	return nil
}

// ListByEntity returns the entity's logs newest first.
func (s *Store) ListByEntity(_ context.Context, entityType, entityID string, limit int) ([]audit.Log, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Log
	for i := len(s.logs) - 1; i >= 0; i-- {
		log := s.logs[i]
		if log.EntityType == entityType && log.EntityID == entityID {
			out = append(out, log)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt.After(out[j].RecordedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// InTx runs fn directly.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// Len returns the number of stored logs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.logs)
}
