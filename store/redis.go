package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore is a Redis-backed ApprovalStore.
// Records expire natively via Redis TTL; set indexes support listing by
// thread. Suitable for distributed production deployments.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	logger    *zap.Logger
}

// RedisConfig Redis 连接配置。
type RedisConfig struct {
	Addr      string `yaml:"addr" json:"addr"`
	Password  string `yaml:"password" json:"password"`
	DB        int    `yaml:"db" json:"db"`
	PoolSize  int    `yaml:"pool_size" json:"pool_size"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
}

// NewRedisStore connects to Redis and returns the store.
func NewRedisStore(config RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	keyPrefix := config.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "approvalflow:"
	}

	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger.With(zap.String("component", "redis_store")),
	}, nil
}

func (s *RedisStore) recordKey(correlationID string) string {
	return s.keyPrefix + "pending:" + correlationID
}

func (s *RedisStore) indexKey() string {
	return s.keyPrefix + "pending:index"
}

func (s *RedisStore) threadKey(threadID string) string {
	return s.keyPrefix + "pending:thread:" + threadID
}

// Put implements ApprovalStore.Put. When the record carries an expiry the
// value is written with a matching TTL so Redis purges it natively.
func (s *RedisStore) Put(ctx context.Context, record *PendingApprovalRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal pending record: %w", err)
	}

	var ttl time.Duration
	if record.ExpiresAt != nil {
		ttl = time.Until(*record.ExpiresAt)
		if ttl < time.Second {
			ttl = time.Second
		}
	}

	pipe := s.client.Pipeline()
	if ttl > 0 {
		pipe.Set(ctx, s.recordKey(record.CorrelationID), data, ttl)
	} else {
		pipe.Set(ctx, s.recordKey(record.CorrelationID), data, 0)
	}
	pipe.SAdd(ctx, s.indexKey(), record.CorrelationID)
	pipe.SAdd(ctx, s.threadKey(record.ThreadID), record.CorrelationID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put pending record: %w", err)
	}
	return nil
}

// Get implements ApprovalStore.Get.
func (s *RedisStore) Get(ctx context.Context, correlationID string) (*PendingApprovalRecord, error) {
	data, err := s.client.Get(ctx, s.recordKey(correlationID)).Bytes()
	if err == redis.Nil {
		// key 已被 TTL 清除，顺手修剪全局索引；此处无从得知 thread id，
		// 线程索引留给 CleanupExpired 扫描修剪
		s.client.SRem(ctx, s.indexKey(), correlationID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pending record: %w", err)
	}

	var record PendingApprovalRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("unmarshal pending record: %w", err)
	}
	if record.IsExpired(time.Now().UTC()) {
		return nil, nil
	}
	return &record, nil
}

// Delete implements ApprovalStore.Delete.
func (s *RedisStore) Delete(ctx context.Context, correlationID string) (bool, error) {
	data, err := s.client.Get(ctx, s.recordKey(correlationID)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get pending record for delete: %w", err)
	}

	var record PendingApprovalRecord
	threadID := ""
	if err := json.Unmarshal(data, &record); err == nil {
		threadID = record.ThreadID
	}

	pipe := s.client.Pipeline()
	del := pipe.Del(ctx, s.recordKey(correlationID))
	pipe.SRem(ctx, s.indexKey(), correlationID)
	if threadID != "" {
		pipe.SRem(ctx, s.threadKey(threadID), correlationID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("delete pending record: %w", err)
	}
	return del.Val() > 0, nil
}

// ListPending implements ApprovalStore.ListPending.
func (s *RedisStore) ListPending(ctx context.Context, threadID string, limit int) ([]*PendingApprovalRecord, error) {
	var ids []string
	var err error
	if threadID != "" {
		ids, err = s.client.SMembers(ctx, s.threadKey(threadID)).Result()
	} else {
		ids, err = s.client.SMembers(ctx, s.indexKey()).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("list pending ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch pending records: %w", err)
	}

	now := time.Now().UTC()
	records := make([]*PendingApprovalRecord, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue // TTL 已清除
		}
		var record PendingApprovalRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			s.logger.Warn("skipping malformed pending record", zap.Error(err))
			continue
		}
		if record.IsExpired(now) {
			continue
		}
		records = append(records, &record)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// CleanupExpired implements ApprovalStore.CleanupExpired.
// Redis TTL purges values automatically; this sweep trims dangling members
// out of the global index and every per-thread index set. Returns the number
// of expired records found in the global index.
func (s *RedisStore) CleanupExpired(ctx context.Context) (int, error) {
	count, err := s.pruneIndexSet(ctx, s.indexKey())
	if err != nil {
		return 0, err
	}

	iter := s.client.Scan(ctx, 0, s.keyPrefix+"pending:thread:*", 100).Iterator()
	for iter.Next(ctx) {
		if _, err := s.pruneIndexSet(ctx, iter.Val()); err != nil {
			return count, err
		}
	}
	if err := iter.Err(); err != nil {
		return count, fmt.Errorf("scan thread indexes: %w", err)
	}
	return count, nil
}

// pruneIndexSet 移除集合中记录键已被 TTL 清除的成员，返回移除数量。
func (s *RedisStore) pruneIndexSet(ctx context.Context, setKey string) (int, error) {
	ids, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return 0, fmt.Errorf("list index for cleanup: %w", err)
	}

	count := 0
	for _, id := range ids {
		exists, err := s.client.Exists(ctx, s.recordKey(id)).Result()
		if err != nil {
			return count, fmt.Errorf("check pending record: %w", err)
		}
		if exists == 0 {
			s.client.SRem(ctx, setKey, id)
			count++
		}
	}
	return count, nil
}

// Ping implements ApprovalStore.Ping.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements ApprovalStore.Close.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
