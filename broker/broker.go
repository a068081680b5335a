// Copyright (c) 2025 ApprovalFlow Authors.
// Licensed under the MIT License.

package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/approvalflow/circuitbreaker"
	"github.com/BaSui01/approvalflow/internal/metrics"
	"github.com/BaSui01/approvalflow/retry"
	"github.com/BaSui01/approvalflow/store"
	"github.com/BaSui01/approvalflow/types"
)

// Sender 把审批请求投递到外部通道（webhook、聊天机器人、CLI 等）。
// correlationID 与 callbackURL 必须出现在通知内容里，外部系统
// 凭它们回调 HandleCallback。发送失败返回 error，由重试器接管。
type Sender func(ctx context.Context, req types.ApprovalRequest, correlationID, callbackURL string) error

// Scope 标识一次审批所属的运行上下文。
type Scope struct {
	RunID    string         `json:"run_id"`
	ThreadID string         `json:"thread_id"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Config Broker 配置。
type Config struct {
	// TimeoutSeconds 等待人工决策的上限秒数，0 表示无限等待。
	// 超时按拒绝处理（fail closed）。
	TimeoutSeconds float64 `yaml:"timeout_seconds" json:"timeout_seconds"`

	// Retry 出站通知的重试策略
	Retry retry.Policy `yaml:"retry" json:"retry"`

	// Breaker 出站通知通道的熔断配置
	Breaker circuitbreaker.Config `yaml:"breaker" json:"breaker"`

	// CallbackBaseURL 回调地址前缀，correlation id 追加在末尾
	CallbackBaseURL string `yaml:"callback_base_url" json:"callback_base_url"`

	// OnTimeout 超时钩子，可用于升级通知。异步调用。
	OnTimeout func(record *store.PendingApprovalRecord) `yaml:"-" json:"-"`
}

// DefaultConfig 返回默认 Broker 配置。
func DefaultConfig() Config {
	return Config{
		TimeoutSeconds: 300,
		Retry:          retry.DefaultPolicy(),
		Breaker:        circuitbreaker.DefaultConfig(),
	}
}

// Broker 审批代理。持久化在途审批、发送通知、等待回调，
// 并在回调 / 超时 / 取消之间仲裁出唯一的 Decision。
type Broker struct {
	config  Config
	store   store.ApprovalStore
	sender  Sender
	retryer *retry.Retryer
	breaker *circuitbreaker.Breaker
	logger  *zap.Logger

	mu      sync.Mutex
	waiters map[string]*Waiter
}

// New 创建 Broker。sender 为 nil 时所有审批都会走发送失败路径，
// 调用方必须提供真实通道。
func New(config Config, st store.ApprovalStore, sender Sender, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "approval_broker"))

	if config.TimeoutSeconds < 0 {
		config.TimeoutSeconds = 0
	}

	breakerCfg := config.Breaker
	userCallback := breakerCfg.OnStateChange
	breakerCfg.OnStateChange = func(from, to circuitbreaker.State) {
		metrics.BreakerState.Set(float64(to))
		if userCallback != nil {
			userCallback(from, to)
		}
	}

	return &Broker{
		config:  config,
		store:   st,
		sender:  sender,
		retryer: retry.NewRetryer(config.Retry, logger),
		breaker: circuitbreaker.New(breakerCfg, logger),
		logger:  logger,
		waiters: make(map[string]*Waiter),
	}
}

// Breaker 返回出站通道熔断器（供运维接口查询状态 / 手动复位）。
func (b *Broker) Breaker() *circuitbreaker.Breaker { return b.breaker }

// RequestApproval 发起一次人工审批并阻塞到产生决策。
//
// 流程：熔断预检 -> 持久化记录 -> 注册 waiter -> 重试发送 -> 等待
// 回调 / 超时 / 取消三路竞争。任何基础设施故障都合成拒绝决策，
// 返回值 Decision 总是可用；err 仅在存储或发送故障时补充原因。
func (b *Broker) RequestApproval(ctx context.Context, req types.ApprovalRequest, scope Scope) (types.Decision, error) {
	start := time.Now()

	if req.Action.ID == "" || req.Action.ToolName == "" {
		return types.Decision{}, types.NewError(types.ErrInvalidRequest,
			"approval request requires action id and tool name").WithHTTPStatus(400)
	}
	metrics.ApprovalsRequested.Inc()

	// 熔断预检：通道已知不可用时直接拒绝，不落库不发送。
	if !b.breaker.Allow() {
		b.logger.Warn("approval rejected: circuit breaker open",
			zap.String("action_id", req.Action.ID),
			zap.String("tool_name", req.Action.ToolName),
		)
		return b.finish(start, types.Decision{
			ActionID:  req.Action.ID,
			Approved:  false,
			Reason:    "approval channel unavailable: circuit breaker open",
			DecidedBy: types.DecidedByCircuitBreaker,
			Tags:      []string{string(types.ErrCircuitOpen)},
		}), nil
	}

	correlationID := uuid.NewString()
	now := time.Now().UTC()
	record := &store.PendingApprovalRecord{
		CorrelationID: correlationID,
		RunID:         scope.RunID,
		ThreadID:      scope.ThreadID,
		ActionID:      req.Action.ID,
		ToolName:      req.Action.ToolName,
		ToolArgs:      req.Action.ToolArgs,
		RiskClass:     string(req.Action.RiskClass),
		PolicyName:    req.PolicyName,
		PolicyReason:  req.PolicyReason,
		CreatedAt:     now,
		Metadata:      scope.Metadata,
	}
	if b.config.TimeoutSeconds > 0 {
		expiresAt := now.Add(b.timeout())
		record.ExpiresAt = &expiresAt
	}

	// 先落库再通知：通知发出后崩溃也能从存储恢复。
	if err := b.store.Put(ctx, record); err != nil {
		b.logger.Error("failed to persist pending approval",
			zap.String("correlation_id", correlationID),
			zap.Error(err),
		)
		decision := b.finish(start, types.Decision{
			ActionID:  req.Action.ID,
			Approved:  false,
			Reason:    "approval store unavailable",
			DecidedBy: types.DecidedByError,
			Tags:      []string{string(types.ErrStoreUnavailable)},
		})
		return decision, types.WrapError(types.ErrStoreUnavailable,
			"persist pending approval", err).WithRetryable(true)
	}

	waiter := b.addWaiter(correlationID, req.Action.ID)
	defer b.removeWaiter(correlationID)

	callbackURL := b.callbackURL(correlationID)
	sendErr := b.retryer.Do(ctx, func() error {
		return b.sender(ctx, req, correlationID, callbackURL)
	})
	if sendErr != nil {
		b.breaker.RecordFailure()
		b.deleteRecord(correlationID)
		b.logger.Error("approval notification delivery failed",
			zap.String("correlation_id", correlationID),
			zap.Error(sendErr),
		)
		decision := b.finish(start, types.Decision{
			ActionID:  req.Action.ID,
			Approved:  false,
			Reason:    "approval notification delivery failed",
			DecidedBy: types.DecidedByError,
			Tags:      []string{string(types.ErrSendFailed)},
		})
		return decision, types.WrapError(types.ErrSendFailed,
			"send approval notification", sendErr).WithRetryable(true)
	}

	// 熔断器守护的是出站通道：通知送达即上报成功，
	// 人工超时不算通道故障，否则半开探测名额会被耗尽卡死。
	b.breaker.RecordSuccess()

	b.logger.Info("approval request sent",
		zap.String("correlation_id", correlationID),
		zap.String("action_id", req.Action.ID),
		zap.String("tool_name", req.Action.ToolName),
		zap.Float64("timeout_seconds", b.config.TimeoutSeconds),
	)

	var timeoutCh <-chan time.Time
	if b.config.TimeoutSeconds > 0 {
		timer := time.NewTimer(b.timeout())
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case decision := <-waiter.ch:
		b.deleteRecord(correlationID)
		return b.finish(start, decision), nil

	case <-timeoutCh:
		// 与并发回调竞争：resolve 失败说明回调刚好赶到，
		// 通道里已经是人工决策。
		waiter.resolve(b.timeoutDecision(req.Action.ID))
		decision := <-waiter.ch
		b.deleteRecord(correlationID)
		if decision.DecidedBy == types.DecidedByTimeout {
			b.logger.Warn("approval timed out",
				zap.String("correlation_id", correlationID),
				zap.String("action_id", req.Action.ID),
			)
			if b.config.OnTimeout != nil {
				go b.config.OnTimeout(record)
			}
		}
		return b.finish(start, decision), nil

	case <-ctx.Done():
		waiter.resolve(types.Decision{
			ActionID:  req.Action.ID,
			Approved:  false,
			Reason:    fmt.Sprintf("approval canceled: %v", ctx.Err()),
			DecidedBy: types.DecidedByError,
		})
		decision := <-waiter.ch
		b.deleteRecord(correlationID)
		return b.finish(start, decision), nil
	}
}

// HandleCallback 处理外部通道回传的审批决策。
//
// 返回 true 表示本次回调被接受：要么第一个解决了在途 waiter，
// 要么进程重启后记录仍在、决议已暂存待恢复流程取用。
// 返回 false 表示重复回调或 correlation id 未知。
func (b *Broker) HandleCallback(ctx context.Context, correlationID string, payload CallbackPayload) (bool, error) {
	reason := payload.Reason
	if reason == "" {
		reason = defaultReason(payload.Approved)
	}
	decision := types.Decision{
		Approved:  payload.Approved,
		Reason:    reason,
		DecidedBy: normalizeDecidedBy(payload.DecidedBy),
		Tags:      payload.Tags,
	}

	b.mu.Lock()
	waiter := b.waiters[correlationID]
	b.mu.Unlock()

	if waiter != nil {
		decision.ActionID = waiter.actionID
		if waiter.resolve(decision) {
			b.removeWaiter(correlationID)
			b.deleteRecord(correlationID)
			metrics.CallbacksReceived.WithLabelValues("resolved").Inc()
			b.logger.Info("approval callback resolved",
				zap.String("correlation_id", correlationID),
				zap.Bool("approved", decision.Approved),
				zap.String("decided_by", decision.DecidedBy),
			)
			return true, nil
		}
		metrics.CallbacksReceived.WithLabelValues("duplicate").Inc()
		return false, nil
	}

	record, err := b.store.Get(ctx, correlationID)
	if err != nil {
		return false, types.WrapError(types.ErrStoreUnavailable, "look up pending approval", err).
			WithRetryable(true)
	}
	if record == nil {
		metrics.CallbacksReceived.WithLabelValues("unknown").Inc()
		b.logger.Warn("callback for unknown correlation id",
			zap.String("correlation_id", correlationID),
		)
		return false, nil
	}

	// 进程重启窗口：记录还在但 waiter 不在。把决议暂存到记录里，
	// RegisterRecovered 读取后立即决出，不丢失这次人工输入。
	if record.Metadata == nil {
		record.Metadata = map[string]any{}
	}
	record.Metadata[metaResolutionKey] = map[string]any{
		"approved":   decision.Approved,
		"reason":     decision.Reason,
		"decided_by": decision.DecidedBy,
		"tags":       decision.Tags,
	}
	if err := b.store.Put(ctx, record); err != nil {
		return false, types.WrapError(types.ErrStoreUnavailable, "stash callback resolution", err).
			WithRetryable(true)
	}
	metrics.CallbacksReceived.WithLabelValues("deferred").Inc()
	b.logger.Info("approval callback stashed for recovery",
		zap.String("correlation_id", correlationID),
	)
	return true, nil
}

// metaResolutionKey 暂存回调决议的元数据键。
const metaResolutionKey = "_callback_resolution"

// stringSliceFromStash 还原暂存决议里的标签列表。
func stringSliceFromStash(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// RecoverPending 列出存储中的在途审批记录，供重启后重建 waiter。
// 只读取，不重发通知；threadID 为空时返回全部。
func (b *Broker) RecoverPending(ctx context.Context, threadID string) ([]*store.PendingApprovalRecord, error) {
	records, err := b.store.ListPending(ctx, threadID, 0)
	if err != nil {
		return nil, types.WrapError(types.ErrStoreUnavailable, "list pending approvals", err).
			WithRetryable(true)
	}
	if len(records) > 0 {
		b.logger.Info("recovered pending approvals",
			zap.Int("count", len(records)),
			zap.String("thread_id", threadID),
		)
	}
	return records, nil
}

// RegisterRecovered 为恢复的记录重建内存 waiter，返回可等待的句柄。
// 记录里暂存过回调决议时立即决出；带过期时间的记录到期自动超时。
func (b *Broker) RegisterRecovered(record *store.PendingApprovalRecord) *Waiter {
	waiter := b.addWaiter(record.CorrelationID, record.ActionID)

	if stash, ok := record.Metadata[metaResolutionKey].(map[string]any); ok {
		decision := types.Decision{
			ActionID:  record.ActionID,
			DecidedBy: types.DecidedByHumanPrefix + "unknown",
		}
		if v, ok := stash["approved"].(bool); ok {
			decision.Approved = v
		}
		if v, ok := stash["reason"].(string); ok {
			decision.Reason = v
		}
		if v, ok := stash["decided_by"].(string); ok && v != "" {
			decision.DecidedBy = v
		}
		// JSON 后端的暂存值经过序列化往返，[]string 变 []any
		if tags := stringSliceFromStash(stash["tags"]); len(tags) > 0 {
			decision.Tags = tags
		}
		if decision.Reason == "" {
			decision.Reason = defaultReason(decision.Approved)
		}
		waiter.resolve(decision)
		b.removeWaiter(record.CorrelationID)
		b.deleteRecord(record.CorrelationID)
		return waiter
	}

	if record.ExpiresAt != nil {
		correlationID := record.CorrelationID
		recordCopy := *record
		delay := time.Until(*record.ExpiresAt)
		if delay < 0 {
			delay = 0
		}
		time.AfterFunc(delay, func() {
			if waiter.resolve(b.timeoutDecision(recordCopy.ActionID)) {
				b.removeWaiter(correlationID)
				b.deleteRecord(correlationID)
				if b.config.OnTimeout != nil {
					go b.config.OnTimeout(&recordCopy)
				}
			}
		})
	}
	return waiter
}

// ListPending 查询在途审批记录（运维接口用）。
func (b *Broker) ListPending(ctx context.Context, threadID string, limit int) ([]*store.PendingApprovalRecord, error) {
	return b.store.ListPending(ctx, threadID, limit)
}

// StartCleanup 启动周期性过期记录清理，ctx 取消时退出。
func (b *Broker) StartCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := b.store.CleanupExpired(ctx)
				if err != nil {
					b.logger.Warn("cleanup sweep failed", zap.Error(err))
					continue
				}
				if n > 0 {
					metrics.ExpiredCleaned.Add(float64(n))
					b.logger.Info("cleanup sweep removed expired approvals", zap.Int("count", n))
				}
			}
		}
	}()
}

func (b *Broker) timeout() time.Duration {
	return time.Duration(b.config.TimeoutSeconds * float64(time.Second))
}

func (b *Broker) timeoutDecision(actionID string) types.Decision {
	return types.Decision{
		ActionID:  actionID,
		Approved:  false,
		Reason:    fmt.Sprintf("approval timed out after %.0fs", b.config.TimeoutSeconds),
		DecidedBy: types.DecidedByTimeout,
		Tags:      []string{string(types.ErrTimeout)},
	}
}

func (b *Broker) callbackURL(correlationID string) string {
	if b.config.CallbackBaseURL == "" {
		return ""
	}
	return b.config.CallbackBaseURL + "/" + correlationID
}

// finish 补齐耗时并上报指标。
func (b *Broker) finish(start time.Time, decision types.Decision) types.Decision {
	elapsed := time.Since(start)
	decision = decision.WithLatency(float64(elapsed.Milliseconds()))
	metrics.ApprovalsDecided.WithLabelValues(
		metrics.DecidedByClass(decision.DecidedBy),
		metrics.BoolLabel(decision.Approved),
	).Inc()
	metrics.ApprovalLatency.Observe(elapsed.Seconds())
	return decision
}

func (b *Broker) addWaiter(correlationID, actionID string) *Waiter {
	waiter := newWaiter(correlationID, actionID)
	b.mu.Lock()
	b.waiters[correlationID] = waiter
	b.mu.Unlock()
	return waiter
}

func (b *Broker) removeWaiter(correlationID string) {
	b.mu.Lock()
	delete(b.waiters, correlationID)
	b.mu.Unlock()
}

// deleteRecord 尽力删除持久化记录。独立于调用方 context，
// 请求取消不应阻止清理。
func (b *Broker) deleteRecord(correlationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := b.store.Delete(ctx, correlationID); err != nil {
		b.logger.Warn("failed to delete pending approval record",
			zap.String("correlation_id", correlationID),
			zap.Error(err),
		)
	}
}
