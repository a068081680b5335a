package types

import "fmt"

// DecidedBy 标识决策来源的约定前缀。
const (
	DecidedByPolicyPrefix = "policy:" // 策略自动放行，如 "policy:risk_based"
	DecidedByHumanPrefix  = "human:"  // 人工决策，如 "human:alice"

	DecidedByTimeout        = "system:timeout"
	DecidedByCircuitBreaker = "system:circuit_breaker"
	DecidedByError          = "system:error"
)

// Decision 是一次审批的最终结果，每次审批恰好创建一次，创建后不可变。
type Decision struct {
	ActionID  string   `json:"action_id"`
	Approved  bool     `json:"approved"`
	Reason    string   `json:"reason,omitempty"`
	DecidedBy string   `json:"decided_by"`
	Tags      []string `json:"tags,omitempty"`
	LatencyMS float64  `json:"latency_ms"`
}

// NewDecision 构造 Decision 并校验 latency 非负。
// latency 为负属于契约违规，直接返回错误而不是悄悄归零。
func NewDecision(actionID string, approved bool, reason, decidedBy string, tags []string, latencyMS float64) (Decision, error) {
	if latencyMS < 0 {
		return Decision{}, fmt.Errorf("latency_ms must be non-negative, got %f", latencyMS)
	}
	if decidedBy == "" {
		decidedBy = "unknown"
	}
	return Decision{
		ActionID:  actionID,
		Approved:  approved,
		Reason:    reason,
		DecidedBy: decidedBy,
		Tags:      tags,
		LatencyMS: latencyMS,
	}, nil
}

// WithLatency 返回设置了耗时的副本。latency 为负时钳位到 0。
func (d Decision) WithLatency(latencyMS float64) Decision {
	if latencyMS < 0 {
		latencyMS = 0
	}
	d.LatencyMS = latencyMS
	return d
}
