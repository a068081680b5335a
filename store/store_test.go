package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestRecord(correlationID, threadID string, expiresAt *time.Time) *PendingApprovalRecord {
	return &PendingApprovalRecord{
		CorrelationID: correlationID,
		RunID:         "run-1",
		ThreadID:      threadID,
		ActionID:      "action-" + correlationID,
		ToolName:      "send_email",
		ToolArgs:      map[string]any{"recipient": "alice@example.com", "subject": "hello"},
		RiskClass:     "high",
		PolicyName:    "risk_based",
		PolicyReason:  "HIGH risk classification",
		CreatedAt:     time.Now().UTC().Truncate(time.Millisecond),
		ExpiresAt:     expiresAt,
		Metadata:      map[string]any{"channel": "slack"},
	}
}

func setupRedisStore(t *testing.T) ApprovalStore {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	st, err := NewRedisStore(RedisConfig{Addr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func setupGormStore(t *testing.T) ApprovalStore {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	st, err := NewGormStore(db, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// 同一套一致性测试覆盖全部后端实现
func forEachStore(t *testing.T, fn func(t *testing.T, st ApprovalStore)) {
	backends := map[string]func(t *testing.T) ApprovalStore{
		"memory": func(t *testing.T) ApprovalStore { return NewMemoryStore() },
		"redis":  setupRedisStore,
		"gorm":   setupGormStore,
	}
	for name, setup := range backends {
		t.Run(name, func(t *testing.T) {
			fn(t, setup(t))
		})
	}
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, st ApprovalStore) {
		ctx := context.Background()
		record := newTestRecord("cb-1", "thread-1", nil)
		require.NoError(t, st.Put(ctx, record))

		got, err := st.Get(ctx, "cb-1")
		require.NoError(t, err)
		require.NotNil(t, got)

		assert.Equal(t, record.CorrelationID, got.CorrelationID)
		assert.Equal(t, record.RunID, got.RunID)
		assert.Equal(t, record.ThreadID, got.ThreadID)
		assert.Equal(t, record.ActionID, got.ActionID)
		assert.Equal(t, record.ToolName, got.ToolName)
		assert.Equal(t, record.ToolArgs, got.ToolArgs)
		assert.Equal(t, record.RiskClass, got.RiskClass)
		assert.Equal(t, record.PolicyName, got.PolicyName)
		assert.Equal(t, record.PolicyReason, got.PolicyReason)
		assert.WithinDuration(t, record.CreatedAt, got.CreatedAt, time.Second)
		assert.Nil(t, got.ExpiresAt)
		assert.Equal(t, record.Metadata, got.Metadata)
	})
}

func TestStore_GetAbsent(t *testing.T) {
	forEachStore(t, func(t *testing.T, st ApprovalStore) {
		got, err := st.Get(context.Background(), "missing")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestStore_PutIsUpsert(t *testing.T) {
	forEachStore(t, func(t *testing.T, st ApprovalStore) {
		ctx := context.Background()
		record := newTestRecord("cb-1", "thread-1", nil)
		require.NoError(t, st.Put(ctx, record))

		record.ToolArgs = map[string]any{"recipient": "bob@example.com"}
		require.NoError(t, st.Put(ctx, record))

		got, err := st.Get(ctx, "cb-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "bob@example.com", got.ToolArgs["recipient"])

		records, err := st.ListPending(ctx, "", 0)
		require.NoError(t, err)
		assert.Len(t, records, 1, "upsert 不应产生第二条记录")
	})
}

func TestStore_Delete(t *testing.T) {
	forEachStore(t, func(t *testing.T, st ApprovalStore) {
		ctx := context.Background()
		require.NoError(t, st.Put(ctx, newTestRecord("cb-1", "thread-1", nil)))

		existed, err := st.Delete(ctx, "cb-1")
		require.NoError(t, err)
		assert.True(t, existed)

		existed, err = st.Delete(ctx, "cb-1")
		require.NoError(t, err)
		assert.False(t, existed, "重复删除应返回 false")

		got, err := st.Get(ctx, "cb-1")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestStore_ExpiredRecordIsAbsent(t *testing.T) {
	forEachStore(t, func(t *testing.T, st ApprovalStore) {
		ctx := context.Background()
		past := time.Now().UTC().Add(-time.Minute)
		require.NoError(t, st.Put(ctx, newTestRecord("cb-expired", "thread-1", &past)))

		got, err := st.Get(ctx, "cb-expired")
		require.NoError(t, err)
		assert.Nil(t, got, "过期记录在物理清除前也必须视同不存在")

		records, err := st.ListPending(ctx, "", 0)
		require.NoError(t, err)
		assert.Empty(t, records)
	})
}

func TestStore_ListPending_OrderFilterLimit(t *testing.T) {
	forEachStore(t, func(t *testing.T, st ApprovalStore) {
		ctx := context.Background()
		base := time.Now().UTC().Add(-time.Hour)
		for i := 0; i < 5; i++ {
			record := newTestRecord(fmt.Sprintf("cb-%d", i), "thread-a", nil)
			record.CreatedAt = base.Add(time.Duration(i) * time.Minute)
			require.NoError(t, st.Put(ctx, record))
		}
		other := newTestRecord("cb-other", "thread-b", nil)
		require.NoError(t, st.Put(ctx, other))

		// 按创建时间倒序
		records, err := st.ListPending(ctx, "", 0)
		require.NoError(t, err)
		require.Len(t, records, 6)
		for i := 1; i < len(records); i++ {
			assert.False(t, records[i].CreatedAt.After(records[i-1].CreatedAt), "必须按创建时间倒序")
		}

		// 按 thread 过滤
		records, err = st.ListPending(ctx, "thread-b", 0)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "cb-other", records[0].CorrelationID)

		// limit 生效
		records, err = st.ListPending(ctx, "thread-a", 2)
		require.NoError(t, err)
		assert.Len(t, records, 2)
		assert.Equal(t, "cb-4", records[0].CorrelationID)
	})
}

func TestStore_ListPending_ZeroLimitReturnsAll(t *testing.T) {
	forEachStore(t, func(t *testing.T, st ApprovalStore) {
		ctx := context.Background()
		const total = 150
		base := time.Now().UTC().Add(-time.Hour)
		for i := 0; i < total; i++ {
			record := newTestRecord(fmt.Sprintf("cb-%03d", i), "thread-a", nil)
			record.CreatedAt = base.Add(time.Duration(i) * time.Second)
			require.NoError(t, st.Put(ctx, record))
		}

		records, err := st.ListPending(ctx, "", 0)
		require.NoError(t, err)
		assert.Len(t, records, total, "limit=0 必须返回全部记录，不得隐式截断")

		records, err = st.ListPending(ctx, "thread-a", 0)
		require.NoError(t, err)
		assert.Len(t, records, total)
	})
}

func TestMemoryStore_ClonesRecords(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	record := newTestRecord("cb-1", "thread-1", nil)
	require.NoError(t, st.Put(ctx, record))

	// 写入后调用方改自己的 map，不得穿透到存储里
	record.Metadata["channel"] = "email"
	record.ToolArgs["subject"] = "tampered"

	got, err := st.Get(ctx, "cb-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "slack", got.Metadata["channel"])
	assert.Equal(t, "hello", got.ToolArgs["subject"])

	// 读出的副本互不影响
	got.Metadata["channel"] = "sms"
	again, err := st.Get(ctx, "cb-1")
	require.NoError(t, err)
	assert.Equal(t, "slack", again.Metadata["channel"])
}

func TestStore_CleanupExpired(t *testing.T) {
	// Redis 依赖 TTL 自动过期，单独用 miniredis 时钟测试；
	// 这里覆盖时间戳语义的后端。
	backends := map[string]func(t *testing.T) ApprovalStore{
		"memory": func(t *testing.T) ApprovalStore { return NewMemoryStore() },
		"gorm":   setupGormStore,
	}
	for name, setup := range backends {
		t.Run(name, func(t *testing.T) {
			st := setup(t)
			ctx := context.Background()

			past := time.Now().UTC().Add(-time.Minute)
			future := time.Now().UTC().Add(time.Hour)
			require.NoError(t, st.Put(ctx, newTestRecord("cb-old", "t", &past)))
			require.NoError(t, st.Put(ctx, newTestRecord("cb-live", "t", &future)))

			count, err := st.CleanupExpired(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, count)

			got, err := st.Get(ctx, "cb-live")
			require.NoError(t, err)
			assert.NotNil(t, got, "清理不得误删未过期记录")
		})
	}
}

func TestStore_CleanupConcurrentWithTraffic(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	future := time.Now().UTC().Add(time.Hour)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			_, _ = st.CleanupExpired(ctx)
		}
	}()

	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("cb-%d", i)
		require.NoError(t, st.Put(ctx, newTestRecord(id, "t", &future)))
		got, err := st.Get(ctx, id)
		require.NoError(t, err)
		assert.NotNil(t, got, "清理不得删除刚写入的未过期记录")
	}
	<-done
}

func TestStore_Ping(t *testing.T) {
	forEachStore(t, func(t *testing.T, st ApprovalStore) {
		assert.NoError(t, st.Ping(context.Background()))
	})
}
