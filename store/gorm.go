package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore is a relational ApprovalStore backed by GORM.
// Works with SQLite, PostgreSQL and MySQL dialectors. Expiry is stored as a
// timestamp and checked at read time, so expired rows are absent from Get
// and ListPending even before CleanupExpired physically purges them.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// pendingApprovalModel 是 PendingApprovalRecord 的数据库映射。
type pendingApprovalModel struct {
	CorrelationID string     `gorm:"column:correlation_id;primaryKey;size:64"`
	RunID         string     `gorm:"column:run_id;size:64;index"`
	ThreadID      string     `gorm:"column:thread_id;size:64;index"`
	ActionID      string     `gorm:"column:action_id;size:64"`
	ToolName      string     `gorm:"column:tool_name;size:128"`
	ToolArgs      string     `gorm:"column:tool_args;type:text"`
	RiskClass     string     `gorm:"column:risk_class;size:32"`
	PolicyName    string     `gorm:"column:policy_name;size:64"`
	PolicyReason  string     `gorm:"column:policy_reason;type:text"`
	CreatedAt     time.Time  `gorm:"column:created_at;index"`
	ExpiresAt     *time.Time `gorm:"column:expires_at;index"`
	Metadata      string     `gorm:"column:metadata;type:text"`
}

// TableName 指定表名。
func (pendingApprovalModel) TableName() string {
	return "pending_approvals"
}

// NewGormStore migrates the schema and returns the store.
func NewGormStore(db *gorm.DB, logger *zap.Logger) (*GormStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&pendingApprovalModel{}); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}
	return &GormStore{
		db:     db,
		logger: logger.With(zap.String("component", "gorm_store")),
	}, nil
}

func toModel(record *PendingApprovalRecord) (*pendingApprovalModel, error) {
	args, err := json.Marshal(record.ToolArgs)
	if err != nil {
		return nil, fmt.Errorf("marshal tool args: %w", err)
	}
	meta, err := json.Marshal(record.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return &pendingApprovalModel{
		CorrelationID: record.CorrelationID,
		RunID:         record.RunID,
		ThreadID:      record.ThreadID,
		ActionID:      record.ActionID,
		ToolName:      record.ToolName,
		ToolArgs:      string(args),
		RiskClass:     record.RiskClass,
		PolicyName:    record.PolicyName,
		PolicyReason:  record.PolicyReason,
		CreatedAt:     record.CreatedAt.UTC(),
		ExpiresAt:     record.ExpiresAt,
		Metadata:      string(meta),
	}, nil
}

func (m *pendingApprovalModel) toRecord() *PendingApprovalRecord {
	record := &PendingApprovalRecord{
		CorrelationID: m.CorrelationID,
		RunID:         m.RunID,
		ThreadID:      m.ThreadID,
		ActionID:      m.ActionID,
		ToolName:      m.ToolName,
		RiskClass:     m.RiskClass,
		PolicyName:    m.PolicyName,
		PolicyReason:  m.PolicyReason,
		CreatedAt:     m.CreatedAt.UTC(),
		ExpiresAt:     m.ExpiresAt,
	}
	if m.ToolArgs != "" {
		_ = json.Unmarshal([]byte(m.ToolArgs), &record.ToolArgs)
	}
	if m.Metadata != "" && m.Metadata != "null" {
		_ = json.Unmarshal([]byte(m.Metadata), &record.Metadata)
	}
	if record.ExpiresAt != nil {
		utc := record.ExpiresAt.UTC()
		record.ExpiresAt = &utc
	}
	return record
}

// Put implements ApprovalStore.Put with an upsert on correlation_id.
func (s *GormStore) Put(ctx context.Context, record *PendingApprovalRecord) error {
	model, err := toModel(record)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "correlation_id"}},
		UpdateAll: true,
	}).Create(model).Error
	if err != nil {
		return fmt.Errorf("put pending record: %w", err)
	}
	return nil
}

// Get implements ApprovalStore.Get.
func (s *GormStore) Get(ctx context.Context, correlationID string) (*PendingApprovalRecord, error) {
	var model pendingApprovalModel
	err := s.db.WithContext(ctx).
		Where("correlation_id = ?", correlationID).
		Where("expires_at IS NULL OR expires_at > ?", time.Now().UTC()).
		First(&model).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pending record: %w", err)
	}
	return model.toRecord(), nil
}

// Delete implements ApprovalStore.Delete.
func (s *GormStore) Delete(ctx context.Context, correlationID string) (bool, error) {
	result := s.db.WithContext(ctx).
		Where("correlation_id = ?", correlationID).
		Delete(&pendingApprovalModel{})
	if result.Error != nil {
		return false, fmt.Errorf("delete pending record: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ListPending implements ApprovalStore.ListPending.
func (s *GormStore) ListPending(ctx context.Context, threadID string, limit int) ([]*PendingApprovalRecord, error) {
	query := s.db.WithContext(ctx).
		Where("expires_at IS NULL OR expires_at > ?", time.Now().UTC()).
		Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if threadID != "" {
		query = query.Where("thread_id = ?", threadID)
	}

	var models []pendingApprovalModel
	if err := query.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list pending records: %w", err)
	}

	records := make([]*PendingApprovalRecord, 0, len(models))
	for i := range models {
		records = append(records, models[i].toRecord())
	}
	return records, nil
}

// CleanupExpired implements ApprovalStore.CleanupExpired.
func (s *GormStore) CleanupExpired(ctx context.Context) (int, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", time.Now().UTC()).
		Delete(&pendingApprovalModel{})
	if result.Error != nil {
		return 0, fmt.Errorf("cleanup expired records: %w", result.Error)
	}
	return int(result.RowsAffected), nil
}

// Ping implements ApprovalStore.Ping.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close implements ApprovalStore.Close.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
