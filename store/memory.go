package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process ApprovalStore for development and testing.
// It does NOT survive restarts; use RedisStore or GormStore in production.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*PendingApprovalRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*PendingApprovalRecord)}
}

// cloneRecord deep-copies a record so the store and its callers never
// share the args/metadata maps.
func cloneRecord(record *PendingApprovalRecord) *PendingApprovalRecord {
	cloned := *record
	if record.ToolArgs != nil {
		cloned.ToolArgs = make(map[string]any, len(record.ToolArgs))
		for k, v := range record.ToolArgs {
			cloned.ToolArgs[k] = v
		}
	}
	if record.Metadata != nil {
		cloned.Metadata = make(map[string]any, len(record.Metadata))
		for k, v := range record.Metadata {
			cloned.Metadata[k] = v
		}
	}
	if record.ExpiresAt != nil {
		expiresAt := *record.ExpiresAt
		cloned.ExpiresAt = &expiresAt
	}
	return &cloned
}

// Put implements ApprovalStore.Put.
func (s *MemoryStore) Put(ctx context.Context, record *PendingApprovalRecord) error {
	cloned := cloneRecord(record)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.CorrelationID] = cloned
	return nil
}

// Get implements ApprovalStore.Get. Expired records are treated as absent
// even before CleanupExpired physically purges them.
func (s *MemoryStore) Get(ctx context.Context, correlationID string) (*PendingApprovalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[correlationID]
	if !ok || record.IsExpired(time.Now().UTC()) {
		return nil, nil
	}
	return cloneRecord(record), nil
}

// Delete implements ApprovalStore.Delete.
func (s *MemoryStore) Delete(ctx context.Context, correlationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[correlationID]; !ok {
		return false, nil
	}
	delete(s.records, correlationID)
	return true, nil
}

// ListPending implements ApprovalStore.ListPending.
func (s *MemoryStore) ListPending(ctx context.Context, threadID string, limit int) ([]*PendingApprovalRecord, error) {
	now := time.Now().UTC()

	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]*PendingApprovalRecord, 0, len(s.records))
	for _, record := range s.records {
		if record.IsExpired(now) {
			continue
		}
		if threadID != "" && record.ThreadID != threadID {
			continue
		}
		results = append(results, cloneRecord(record))
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// CleanupExpired implements ApprovalStore.CleanupExpired.
func (s *MemoryStore) CleanupExpired(ctx context.Context) (int, error) {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, record := range s.records {
		if record.IsExpired(now) {
			delete(s.records, id)
			count++
		}
	}
	return count, nil
}

// Ping implements ApprovalStore.Ping.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close implements ApprovalStore.Close.
func (s *MemoryStore) Close() error {
	return nil
}
