package store

import (
	"context"
	"time"
)

// PendingApprovalRecord 是在途审批的持久化表示。
//
// 字段对 Action 做了反规范化快照（tool name / args / risk），
// 恢复流程不需要原始 Action 对象即可重建审批上下文。
// 不变量：一个 correlation id 在其记录存续期间绝不会被复用给另一个 action。
type PendingApprovalRecord struct {
	CorrelationID string         `json:"correlation_id"`
	RunID         string         `json:"run_id"`
	ThreadID      string         `json:"thread_id"`
	ActionID      string         `json:"action_id"`
	ToolName      string         `json:"tool_name"`
	ToolArgs      map[string]any `json:"tool_args"`
	RiskClass     string         `json:"risk_class"`
	PolicyName    string         `json:"policy_name"`
	PolicyReason  string         `json:"policy_reason"`
	CreatedAt     time.Time      `json:"created_at"`
	ExpiresAt     *time.Time     `json:"expires_at,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// IsExpired 报告记录是否已过期。无过期时间的记录永不过期。
func (r *PendingApprovalRecord) IsExpired(now time.Time) bool {
	if r.ExpiresAt == nil {
		return false
	}
	return now.After(*r.ExpiresAt)
}

// ApprovalStore 定义待审批记录的存储接口。
// 所有操作幂等或可安全重试；CleanupExpired 可与其他操作并发调用。
type ApprovalStore interface {
	// Put 按 correlation id 幂等写入（upsert）。
	Put(ctx context.Context, record *PendingApprovalRecord) error

	// Get 按 correlation id 读取；不存在或已过期时返回 (nil, nil)。
	Get(ctx context.Context, correlationID string) (*PendingApprovalRecord, error)

	// Delete 删除记录，返回记录是否存在过。
	Delete(ctx context.Context, correlationID string) (bool, error)

	// ListPending 列出未过期记录，按创建时间倒序；
	// threadID 为空时不过滤，limit <= 0 时不截断。
	// 重启恢复依赖全量列出，实现不得施加隐式上限。
	ListPending(ctx context.Context, threadID string, limit int) ([]*PendingApprovalRecord, error)

	// CleanupExpired 物理清除过期记录，返回清除数量。
	CleanupExpired(ctx context.Context) (int, error)

	// Ping 检查存储健康状态。
	Ping(ctx context.Context) error

	// Close 释放底层连接。
	Close() error
}
