package policy

import (
	"fmt"
	"hash/fnv"

	"github.com/BaSui01/approvalflow/types"
)

// State 是跨一次逻辑运行传递的可变状态。
// 策略钩子通过它累积学习信号；Gate 持有并在调用间复用同一个实例。
type State map[string]any

// State 中使用的约定键。
const (
	StateKeyAnomalySignals = "anomaly_signals"
	StateKeyRejections     = "_policy_rejections"
	StateKeyRejectionCount = "_rejection_count"
	StateKeyFailureCount   = "_tool_failure_count"
	StateKeyAuditLog       = "_audit_log"
)

// 异常信号名。
const (
	SignalRepeatedRejections = "repeated_rejections"
	SignalRepeatedFailures   = "repeated_failures"
)

// Policy 决定一个 Action 是否需要人工审批。
//
// Decide 必须无副作用（内部的速率类簿记除外），且对固定的
// (action, state, 配置) 输入保持确定性。
type Policy interface {
	// Name 返回策略名，用于日志与 decided_by 标识。
	Name() string

	// Decide 返回是否需要人工审批及原因。
	Decide(action types.Action, state State) (needsApproval bool, reason string)

	// OnDecided 在审批决策产生后更新状态（学习信号）。
	OnDecided(state State, action types.Action, decision types.Decision) State

	// OnExecuted 在工具执行完成后更新状态。
	OnExecuted(state State, action types.Action, result types.ToolResult) State
}

// Config 汇总所有策略可识别的配置项。
type Config struct {
	// RequireApprovalForHigh HIGH 风险动作是否需要审批
	RequireApprovalForHigh bool `yaml:"require_approval_for_high" json:"require_approval_for_high"`

	// RequireApprovalForMedium MEDIUM 风险动作是否需要审批
	RequireApprovalForMedium bool `yaml:"require_approval_for_medium" json:"require_approval_for_medium"`

	// ExplicitHighRiskTools 无条件要求审批的工具名单
	ExplicitHighRiskTools []string `yaml:"explicit_high_risk_tools" json:"explicit_high_risk_tools"`

	// SensitiveArgPatterns 参数名 → 触发审批的子串列表
	SensitiveArgPatterns map[string][]string `yaml:"sensitive_arg_patterns" json:"sensitive_arg_patterns"`

	// MaxAmountWithoutApproval 免审批的金额上限（nil 表示不启用）
	MaxAmountWithoutApproval *float64 `yaml:"max_amount_without_approval" json:"max_amount_without_approval"`

	// AuditSampleRate 审计抽样率 [0,1]
	AuditSampleRate float64 `yaml:"audit_sample_rate" json:"audit_sample_rate"`

	// AnomalySignals 触发升级的异常信号名单
	AnomalySignals []string `yaml:"anomaly_signals" json:"anomaly_signals"`

	// ConsecutiveActionThreshold 连续同名工具调用升级阈值（0 表示不启用）
	ConsecutiveActionThreshold int `yaml:"consecutive_action_threshold" json:"consecutive_action_threshold"`

	// RejectionAnomalyThreshold 累计拒绝多少次后打上 repeated_rejections 信号
	RejectionAnomalyThreshold int `yaml:"rejection_anomaly_threshold" json:"rejection_anomaly_threshold"`

	// FailureAnomalyThreshold 累计工具失败多少次后打上 repeated_failures 信号
	FailureAnomalyThreshold int `yaml:"failure_anomaly_threshold" json:"failure_anomaly_threshold"`
}

// DefaultConfig 返回默认策略配置。
func DefaultConfig() Config {
	return Config{
		RequireApprovalForHigh:     true,
		RequireApprovalForMedium:   false,
		AuditSampleRate:            0.1,
		ConsecutiveActionThreshold: 5,
		RejectionAnomalyThreshold:  3,
		FailureAnomalyThreshold:    2,
	}
}

// Validate 校验配置合法性。
func (c Config) Validate() error {
	if c.AuditSampleRate < 0 || c.AuditSampleRate > 1 {
		return fmt.Errorf("audit_sample_rate must be in [0,1], got %f", c.AuditSampleRate)
	}
	if c.ConsecutiveActionThreshold < 0 {
		return fmt.Errorf("consecutive_action_threshold must be non-negative, got %d", c.ConsecutiveActionThreshold)
	}
	return nil
}

// SafeDecide 调用 policy.Decide 并吸收 panic。
// 策略逻辑自身出错时不允许拖垮 Gate，一律按"需要审批"处理（fail safe）。
func SafeDecide(p Policy, action types.Action, state State) (needsApproval bool, reason string) {
	defer func() {
		if r := recover(); r != nil {
			needsApproval = true
			reason = fmt.Sprintf("policy %q failed (%v), requiring approval as a precaution", p.Name(), r)
		}
	}()
	return p.Decide(action, state)
}

// sampleHash 返回 action id 的稳定 32 位哈希。
// 抽样必须可复现：同一 action id 永远得到同一抽样结果。
func sampleHash(actionID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(actionID))
	return h.Sum32()
}

// sampled 报告 action id 是否落入给定抽样率。
func sampled(actionID string, rate float64) bool {
	if rate <= 0 {
		return false
	}
	if rate >= 1 {
		return true
	}
	threshold := uint32(rate * float64(^uint32(0)))
	return sampleHash(actionID) < threshold
}

// stateSignals 读取状态中的异常信号列表。
func stateSignals(state State) []string {
	if state == nil {
		return nil
	}
	switch v := state[StateKeyAnomalySignals].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

// appendSignal 向状态追加异常信号（去重）。
func appendSignal(state State, signal string) {
	signals := stateSignals(state)
	for _, s := range signals {
		if s == signal {
			return
		}
	}
	state[StateKeyAnomalySignals] = append(signals, signal)
}

// intFromState 读取状态中的整数计数器。
func intFromState(state State, key string) int {
	if state == nil {
		return 0
	}
	switch v := state[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
