// Copyright (c) 2025 ApprovalFlow Authors.
// Licensed under the MIT License.

// Package gate 把策略判定与人工审批组合成一个检查点。
//
// Gate 是调用方唯一需要接触的入口：传入一个拟执行的 Action，
// 得到一个 Decision。策略放行的走零延迟自动批准；策略要求
// 审批的交给 broker 走人工通道。策略自身崩溃按需要审批处理。
package gate

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/approvalflow/broker"
	"github.com/BaSui01/approvalflow/policy"
	"github.com/BaSui01/approvalflow/telemetry"
	"github.com/BaSui01/approvalflow/types"
)

// Status 标识一次闸门检查所处的阶段。
type Status string

const (
	// StatusNoAction 没有待审的动作
	StatusNoAction Status = "NO_ACTION"
	// StatusAutoApproved 策略自动放行
	StatusAutoApproved Status = "AUTO_APPROVED"
	// StatusAwaitingHuman 已提交人工审批，等待回调
	StatusAwaitingHuman Status = "AWAITING_HUMAN"
	// StatusDecided 人工通道已产生最终决策
	StatusDecided Status = "DECIDED"
)

// Result 是一次闸门检查的结果。
// Status 为 StatusNoAction 时 Decision 无意义。
type Result struct {
	Status   Status         `json:"status"`
	Decision types.Decision `json:"decision"`
}

// Gate 组合策略与审批代理。
// 持有跨调用的策略状态（State），同一个 Gate 实例内
// 策略的学习信号（连续拒绝、工具失败等）会累积。
type Gate struct {
	policy policy.Policy
	broker *broker.Broker
	sink   telemetry.Sink
	logger *zap.Logger

	mu    sync.Mutex
	state policy.State
}

// New 创建 Gate。sink 为 nil 时不发遥测事件。
func New(p policy.Policy, b *broker.Broker, sink telemetry.Sink, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	return &Gate{
		policy: p,
		broker: b,
		sink:   sink,
		logger: logger.With(zap.String("component", "gate")),
		state:  policy.State{},
	}
}

// State 返回当前策略状态的浅拷贝（调试与测试用）。
func (g *Gate) State() policy.State {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(policy.State, len(g.state))
	for k, v := range g.state {
		out[k] = v
	}
	return out
}

// Check 对动作执行闸门检查，阻塞到产生决策。
//
// action 为 nil 时返回 StatusNoAction。策略放行产生零延迟的
// 自动批准决策；需要审批时经 broker 走人工通道。无论决策
// 来自哪条路径，策略的 OnDecided 钩子都会被调用。
func (g *Gate) Check(ctx context.Context, action *types.Action, scope broker.Scope) (Result, error) {
	if action == nil {
		return Result{Status: StatusNoAction}, nil
	}

	tracer := telemetry.NewTracer(g.sink, scope.RunID)
	tracer.ActionProposed(*action)

	needsApproval, reason := g.decide(*action)

	if !needsApproval {
		decision := types.Decision{
			ActionID:  action.ID,
			Approved:  true,
			Reason:    reason,
			DecidedBy: types.DecidedByPolicyPrefix + g.policy.Name(),
			LatencyMS: 0,
		}
		g.onDecided(*action, decision)
		tracer.ApprovalDecided(decision, "policy")
		g.logger.Debug("action auto-approved",
			zap.String("action_id", action.ID),
			zap.String("tool_name", action.ToolName),
			zap.String("reason", reason),
		)
		return Result{Status: StatusAutoApproved, Decision: decision}, nil
	}

	req := types.ApprovalRequest{
		RunID:        scope.RunID,
		Action:       *action,
		PolicyName:   g.policy.Name(),
		PolicyReason: reason,
	}
	tracer.ApprovalRequested(req, "broker")

	decision, err := g.broker.RequestApproval(ctx, req, scope)
	if err != nil {
		tracer.Error("approval channel error", map[string]any{
			"action_id": action.ID,
			"error":     err.Error(),
		})
	}
	// 决策总是有效的（故障路径合成拒绝），钩子照常调用
	g.onDecided(*action, decision)
	tracer.ApprovalDecided(decision, "broker")

	return Result{Status: StatusDecided, Decision: decision}, err
}

// Ticket 是一次异步闸门检查的句柄。
type Ticket struct {
	mu     sync.Mutex
	status Status
	result Result
	err    error
	done   chan struct{}
}

// Status 返回检查当前所处阶段。
func (t *Ticket) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Wait 阻塞到检查完成。
func (t *Ticket) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.result, t.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (t *Ticket) complete(result Result, err error) {
	t.mu.Lock()
	t.status = result.Status
	t.result = result
	t.err = err
	t.mu.Unlock()
	close(t.done)
}

// Submit 发起非阻塞的闸门检查。
// 策略自动放行时票据立即完成；需要人工审批时票据先进入
// StatusAwaitingHuman，后台等待 broker 决出。
func (g *Gate) Submit(ctx context.Context, action *types.Action, scope broker.Scope) *Ticket {
	ticket := &Ticket{status: StatusAwaitingHuman, done: make(chan struct{})}

	if action == nil {
		ticket.complete(Result{Status: StatusNoAction}, nil)
		return ticket
	}

	needsApproval, reason := g.decide(*action)
	if !needsApproval {
		decision := types.Decision{
			ActionID:  action.ID,
			Approved:  true,
			Reason:    reason,
			DecidedBy: types.DecidedByPolicyPrefix + g.policy.Name(),
		}
		g.onDecided(*action, decision)
		telemetry.NewTracer(g.sink, scope.RunID).ApprovalDecided(decision, "policy")
		ticket.complete(Result{Status: StatusAutoApproved, Decision: decision}, nil)
		return ticket
	}

	go func() {
		req := types.ApprovalRequest{
			RunID:        scope.RunID,
			Action:       *action,
			PolicyName:   g.policy.Name(),
			PolicyReason: reason,
		}
		tracer := telemetry.NewTracer(g.sink, scope.RunID)
		tracer.ApprovalRequested(req, "broker")
		decision, err := g.broker.RequestApproval(ctx, req, scope)
		g.onDecided(*action, decision)
		tracer.ApprovalDecided(decision, "broker")
		ticket.complete(Result{Status: StatusDecided, Decision: decision}, err)
	}()
	return ticket
}

// ReportExecution 把工具执行结果回灌给策略（失败信号累积）。
func (g *Gate) ReportExecution(action types.Action, result types.ToolResult) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = g.policy.OnExecuted(g.state, action, result)
}

// decide 在锁内执行策略判定。SafeDecide 吸收策略 panic。
func (g *Gate) decide(action types.Action) (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return policy.SafeDecide(g.policy, action, g.state)
}

func (g *Gate) onDecided(action types.Action, decision types.Decision) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = g.policy.OnDecided(g.state, action, decision)
}

// RiskResolver 根据工具名与参数推断风险等级。
type RiskResolver func(toolName string, args map[string]any) types.RiskClass

// Validator 在闸门检查前校验动作参数。
type Validator func(action types.Action) error

// Operation 是被守卫的实际工具操作。
type Operation func(ctx context.Context, args map[string]any) (any, error)

// Guarded 把一个操作包装成两段式守卫调用：
// 先构造 Action 过闸门，批准后才执行内部操作，
// 执行结果回灌策略钩子。
type Guarded struct {
	gate       *Gate
	toolName   string
	op         Operation
	resolver   RiskResolver
	validators []Validator
}

// GuardOption 配置 Guarded 包装器。
type GuardOption func(*Guarded)

// WithRiskResolver 设置风险推断函数，默认恒为 low。
func WithRiskResolver(resolver RiskResolver) GuardOption {
	return func(w *Guarded) { w.resolver = resolver }
}

// WithValidator 追加一个参数校验器。
func WithValidator(v Validator) GuardOption {
	return func(w *Guarded) { w.validators = append(w.validators, v) }
}

// Guard 把操作包装为受闸门保护的调用。
func (g *Gate) Guard(toolName string, op Operation, opts ...GuardOption) *Guarded {
	w := &Guarded{gate: g, toolName: toolName, op: op}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Execute 执行受守卫的操作。
// 返回的 Decision 总是有效；未获批准时 output 为 nil 且 err 为 nil，
// 调用方凭 Decision.Approved 区分。校验失败返回 INVALID_REQUEST。
func (w *Guarded) Execute(ctx context.Context, args map[string]any, scope broker.Scope) (any, types.Decision, error) {
	action := types.NewAction(w.toolName, args)
	if w.resolver != nil {
		action = action.WithRisk(w.resolver(w.toolName, args))
	}

	for _, validate := range w.validators {
		if err := validate(action); err != nil {
			return nil, types.Decision{}, types.WrapError(types.ErrInvalidRequest,
				"action failed validation", err).WithHTTPStatus(400)
		}
	}

	result, err := w.gate.Check(ctx, &action, scope)
	if err != nil {
		return nil, result.Decision, err
	}
	if !result.Decision.Approved {
		return nil, result.Decision, nil
	}

	tracer := telemetry.NewTracer(w.gate.sink, scope.RunID)
	tracer.ToolExecutionStart(action)

	startedAt := time.Now().UTC()
	output, opErr := w.op(ctx, args)
	finishedAt := time.Now().UTC()

	toolResult := types.ToolResult{
		ActionID:   action.ID,
		Success:    opErr == nil,
		Result:     output,
		StartedAt:  startedAt,
		FinishedAt: &finishedAt,
	}
	if opErr != nil {
		toolResult.Error = opErr.Error()
	}
	tracer.ToolExecutionEnd(toolResult)
	w.gate.ReportExecution(action, toolResult)

	return output, result.Decision, opErr
}
