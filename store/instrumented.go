package store

import (
	"context"
	"time"

	"github.com/BaSui01/approvalflow/internal/metrics"
)

// InstrumentedStore 包装另一个 ApprovalStore 并上报操作耗时指标。
type InstrumentedStore struct {
	inner ApprovalStore
}

// NewInstrumentedStore 创建带指标的存储包装。
func NewInstrumentedStore(inner ApprovalStore) *InstrumentedStore {
	return &InstrumentedStore{inner: inner}
}

func observe(op string, start time.Time) {
	metrics.StoreOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Put 实现 ApprovalStore.Put。
func (s *InstrumentedStore) Put(ctx context.Context, record *PendingApprovalRecord) error {
	defer observe("put", time.Now())
	return s.inner.Put(ctx, record)
}

// Get 实现 ApprovalStore.Get。
func (s *InstrumentedStore) Get(ctx context.Context, correlationID string) (*PendingApprovalRecord, error) {
	defer observe("get", time.Now())
	return s.inner.Get(ctx, correlationID)
}

// Delete 实现 ApprovalStore.Delete。
func (s *InstrumentedStore) Delete(ctx context.Context, correlationID string) (bool, error) {
	defer observe("delete", time.Now())
	return s.inner.Delete(ctx, correlationID)
}

// ListPending 实现 ApprovalStore.ListPending。
func (s *InstrumentedStore) ListPending(ctx context.Context, threadID string, limit int) ([]*PendingApprovalRecord, error) {
	defer observe("list_pending", time.Now())
	return s.inner.ListPending(ctx, threadID, limit)
}

// CleanupExpired 实现 ApprovalStore.CleanupExpired。
func (s *InstrumentedStore) CleanupExpired(ctx context.Context) (int, error) {
	defer observe("cleanup_expired", time.Now())
	return s.inner.CleanupExpired(ctx)
}

// Ping 实现 ApprovalStore.Ping。
func (s *InstrumentedStore) Ping(ctx context.Context) error {
	return s.inner.Ping(ctx)
}

// Close 实现 ApprovalStore.Close。
func (s *InstrumentedStore) Close() error {
	return s.inner.Close()
}
