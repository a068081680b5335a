package gate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/approvalflow/broker"
	"github.com/BaSui01/approvalflow/circuitbreaker"
	"github.com/BaSui01/approvalflow/policy"
	"github.com/BaSui01/approvalflow/retry"
	"github.com/BaSui01/approvalflow/store"
	"github.com/BaSui01/approvalflow/telemetry"
	"github.com/BaSui01/approvalflow/types"
)

// approveSender 自动批准每个送达的审批请求。
type approveSender struct {
	b        **broker.Broker
	approved bool
	reason   string
	mu       sync.Mutex
	sent     int
}

func (s *approveSender) send(ctx context.Context, req types.ApprovalRequest, correlationID, callbackURL string) error {
	s.mu.Lock()
	s.sent++
	s.mu.Unlock()
	go func() {
		_, _ = (*s.b).HandleCallback(context.Background(), correlationID, broker.CallbackPayload{
			Approved:  s.approved,
			Reason:    s.reason,
			DecidedBy: "human:reviewer",
		})
	}()
	return nil
}

func (s *approveSender) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

func brokerConfig() broker.Config {
	return broker.Config{
		TimeoutSeconds: 2,
		Retry:          retry.Policy{MaxRetries: 0, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, ExponentialBase: 2.0},
		Breaker:        circuitbreaker.DefaultConfig(),
	}
}

func newTestGate(t *testing.T, p policy.Policy, approved bool) (*Gate, *telemetry.Recorder, *approveSender) {
	t.Helper()
	sender := &approveSender{approved: approved}
	b := broker.New(brokerConfig(), store.NewMemoryStore(), sender.send, zap.NewNop())
	sender.b = &b
	recorder := telemetry.NewRecorder()
	return New(p, b, recorder, zap.NewNop()), recorder, sender
}

func TestGate_NoAction(t *testing.T) {
	g, _, _ := newTestGate(t, policy.NewAlwaysApprove(), true)

	result, err := g.Check(context.Background(), nil, broker.Scope{})
	require.NoError(t, err)
	assert.Equal(t, StatusNoAction, result.Status)
}

func TestGate_AutoApprove(t *testing.T) {
	g, recorder, sender := newTestGate(t, policy.NewRiskBased(policy.DefaultConfig()), true)

	action := types.NewAction("read_file", map[string]any{"path": "/tmp/x"})
	result, err := g.Check(context.Background(), &action, broker.Scope{RunID: "run-1"})
	require.NoError(t, err)

	assert.Equal(t, StatusAutoApproved, result.Status)
	assert.True(t, result.Decision.Approved)
	assert.Equal(t, "policy:risk_based", result.Decision.DecidedBy)
	assert.Zero(t, result.Decision.LatencyMS, "自动批准延迟必须为 0")
	assert.Equal(t, 0, sender.sentCount(), "自动批准不应触碰审批通道")

	// 遥测：提案 + 决策，没有 approval_requested
	assert.Len(t, recorder.ByType(types.EventActionProposed), 1)
	assert.Len(t, recorder.ByType(types.EventApprovalDecided), 1)
	assert.Empty(t, recorder.ByType(types.EventApprovalRequested))
}

func TestGate_HighRiskGoesThroughBroker(t *testing.T) {
	g, recorder, sender := newTestGate(t, policy.NewRiskBased(policy.DefaultConfig()), true)

	action := types.NewAction("delete_file", map[string]any{"path": "/etc/passwd"}).WithRisk(types.RiskHigh)
	result, err := g.Check(context.Background(), &action, broker.Scope{RunID: "run-1"})
	require.NoError(t, err)

	assert.Equal(t, StatusDecided, result.Status)
	assert.True(t, result.Decision.Approved)
	assert.Equal(t, "human:reviewer", result.Decision.DecidedBy)
	assert.Equal(t, 1, sender.sentCount())

	assert.Len(t, recorder.ByType(types.EventApprovalRequested), 1)
	assert.Len(t, recorder.ByType(types.EventApprovalDecided), 1)
}

func TestGate_HumanRejection(t *testing.T) {
	g, _, _ := newTestGate(t, policy.NewRiskBased(policy.DefaultConfig()), false)

	action := types.NewAction("transfer_funds", map[string]any{"amount": 1e6}).WithRisk(types.RiskHigh)
	result, err := g.Check(context.Background(), &action, broker.Scope{RunID: "run-1"})
	require.NoError(t, err)

	assert.Equal(t, StatusDecided, result.Status)
	assert.False(t, result.Decision.Approved)
}

// panicPolicy Decide 永远 panic。
type panicPolicy struct{}

func (panicPolicy) Name() string { return "panic_policy" }
func (panicPolicy) Decide(types.Action, policy.State) (bool, string) {
	panic("boom")
}
func (panicPolicy) OnDecided(state policy.State, _ types.Action, _ types.Decision) policy.State {
	return state
}
func (panicPolicy) OnExecuted(state policy.State, _ types.Action, _ types.ToolResult) policy.State {
	return state
}

func TestGate_PolicyPanicFailsSafe(t *testing.T) {
	// 策略 panic 必须按"需要审批"处理，走人工通道而不是放行
	g, _, sender := newTestGate(t, panicPolicy{}, true)

	action := types.NewAction("anything", nil)
	result, err := g.Check(context.Background(), &action, broker.Scope{RunID: "run-1"})
	require.NoError(t, err)

	assert.Equal(t, StatusDecided, result.Status)
	assert.Equal(t, 1, sender.sentCount(), "策略失败必须升级到人工审批")
	assert.NotEmpty(t, result.Decision.DecidedBy)
}

func TestGate_RejectionSignalAccumulates(t *testing.T) {
	cfg := policy.DefaultConfig()
	cfg.RejectionAnomalyThreshold = 2
	g, _, _ := newTestGate(t, policy.NewRiskBased(cfg), false)

	for i := 0; i < 2; i++ {
		action := types.NewAction("delete_file", map[string]any{"i": i}).WithRisk(types.RiskHigh)
		_, err := g.Check(context.Background(), &action, broker.Scope{RunID: "run-1"})
		require.NoError(t, err)
	}

	state := g.State()
	assert.GreaterOrEqual(t, len(state), 1, "拒绝必须在状态里留下痕迹")
}

func TestGate_SubmitAsync(t *testing.T) {
	g, _, _ := newTestGate(t, policy.NewRiskBased(policy.DefaultConfig()), true)

	// 自动批准的票据立即完成
	low := types.NewAction("read_file", nil)
	ticket := g.Submit(context.Background(), &low, broker.Scope{RunID: "run-1"})
	result, err := ticket.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusAutoApproved, result.Status)
	assert.Equal(t, StatusAutoApproved, ticket.Status())

	// 高风险票据先等待人工
	high := types.NewAction("drop_table", nil).WithRisk(types.RiskHigh)
	ticket = g.Submit(context.Background(), &high, broker.Scope{RunID: "run-1"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err = ticket.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusDecided, result.Status)
	assert.True(t, result.Decision.Approved)
}

func TestGuarded_ExecutesAfterApproval(t *testing.T) {
	g, _, _ := newTestGate(t, policy.NewRiskBased(policy.DefaultConfig()), true)

	executed := false
	guarded := g.Guard("read_file", func(ctx context.Context, args map[string]any) (any, error) {
		executed = true
		return "file contents", nil
	})

	output, decision, err := guarded.Execute(context.Background(), map[string]any{"path": "/tmp/x"}, broker.Scope{RunID: "run-1"})
	require.NoError(t, err)
	assert.True(t, executed)
	assert.True(t, decision.Approved)
	assert.Equal(t, "file contents", output)
}

func TestGuarded_SkipsExecutionOnRejection(t *testing.T) {
	g, _, _ := newTestGate(t, policy.NewRiskBased(policy.DefaultConfig()), false)

	executed := false
	guarded := g.Guard("drop_table",
		func(ctx context.Context, args map[string]any) (any, error) {
			executed = true
			return nil, nil
		},
		WithRiskResolver(func(string, map[string]any) types.RiskClass { return types.RiskHigh }),
	)

	output, decision, err := guarded.Execute(context.Background(), nil, broker.Scope{RunID: "run-1"})
	require.NoError(t, err)
	assert.False(t, executed, "被拒绝的操作绝不能执行")
	assert.False(t, decision.Approved)
	assert.Nil(t, output)
}

func TestGuarded_ValidatorRejectsBeforeGate(t *testing.T) {
	g, _, sender := newTestGate(t, policy.NewRiskBased(policy.DefaultConfig()), true)

	guarded := g.Guard("send_email",
		func(ctx context.Context, args map[string]any) (any, error) { return nil, nil },
		WithValidator(func(action types.Action) error {
			if action.ToolArgs["to"] == nil {
				return errors.New("missing recipient")
			}
			return nil
		}),
	)

	_, _, err := guarded.Execute(context.Background(), map[string]any{}, broker.Scope{})
	assert.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidRequest))
	assert.Equal(t, 0, sender.sentCount(), "校验失败不应触碰闸门")
}

func TestGuarded_ReportsFailureToPolicy(t *testing.T) {
	cfg := policy.DefaultConfig()
	cfg.AuditSampleRate = 0
	cfg.ConsecutiveActionThreshold = 0
	g, _, _ := newTestGate(t, policy.NewAuditEscalate(cfg), true)

	guarded := g.Guard("flaky_tool", func(ctx context.Context, args map[string]any) (any, error) {
		return nil, errors.New("tool exploded")
	})

	_, decision, err := guarded.Execute(context.Background(), nil, broker.Scope{RunID: "run-1"})
	assert.Error(t, err)
	assert.True(t, decision.Approved, "批准与执行失败是两回事")

	state := g.State()
	assert.NotEmpty(t, state, "执行失败必须回灌策略状态")
}
