package policy

import "github.com/BaSui01/approvalflow/types"

// AlwaysApprove 从不要求人工审批，作为无监督基线。
type AlwaysApprove struct{}

// NewAlwaysApprove 创建 AlwaysApprove 策略。
func NewAlwaysApprove() *AlwaysApprove {
	return &AlwaysApprove{}
}

// Name 实现 Policy.Name。
func (p *AlwaysApprove) Name() string {
	return "always_approve"
}

// Decide 实现 Policy.Decide，永远返回无需审批。
func (p *AlwaysApprove) Decide(action types.Action, state State) (bool, string) {
	return false, "all actions auto-approved"
}

// OnDecided 实现 Policy.OnDecided，无学习状态。
func (p *AlwaysApprove) OnDecided(state State, action types.Action, decision types.Decision) State {
	return state
}

// OnExecuted 实现 Policy.OnExecuted，无学习状态。
func (p *AlwaysApprove) OnExecuted(state State, action types.Action, result types.ToolResult) State {
	return state
}
