package policy

import (
	"fmt"
	"strings"
	"sync"

	"github.com/BaSui01/approvalflow/types"
)

// AuditEscalate 组合概率审计抽样与异常信号升级。
//
// 规则按固定顺序求值：
//  1. 固定风险等级升级
//  2. 敏感参数模式
//  3. 金额阈值
//  4. 概率审计抽样（action id 稳定哈希，可复现）
//  5. 异常信号升级（状态信号、action 标记、连续同名工具）
//
// 连续同名工具计数是速率类内部簿记，通过 Reset 在新运行开始时清零。
type AuditEscalate struct {
	config  Config
	signals map[string]struct{}

	mu      sync.Mutex
	history []string // 最近的工具名序列，长度由阈值截断
}

// NewAuditEscalate 创建审计升级策略。配置非法时回退到默认值。
func NewAuditEscalate(config Config) *AuditEscalate {
	if err := config.Validate(); err != nil {
		config = DefaultConfig()
	}
	signals := make(map[string]struct{}, len(config.AnomalySignals))
	for _, s := range config.AnomalySignals {
		signals[s] = struct{}{}
	}
	return &AuditEscalate{config: config, signals: signals}
}

// Name 实现 Policy.Name。
func (p *AuditEscalate) Name() string {
	return "audit_escalate"
}

// Decide 实现 Policy.Decide。
func (p *AuditEscalate) Decide(action types.Action, state State) (bool, string) {
	// 固定风险等级升级
	if action.RiskClass == types.RiskHigh && p.config.RequireApprovalForHigh {
		return true, "escalation: HIGH risk action"
	}
	if action.RiskClass == types.RiskMedium && p.config.RequireApprovalForMedium {
		return true, "escalation: MEDIUM risk action"
	}

	// 敏感参数与金额阈值
	if matched, reason := matchSensitiveArgs(action, p.config.SensitiveArgPatterns); matched {
		return true, reason
	}
	if matched, reason := exceedsAmountThreshold(action, p.config.MaxAmountWithoutApproval); matched {
		return true, reason
	}

	// 概率审计抽样
	if sampled(action.ID, p.config.AuditSampleRate) {
		return true, fmt.Sprintf("audit: deterministic sample (%.1f%% rate)", p.config.AuditSampleRate*100)
	}

	// 异常信号升级：运行状态中的信号
	if matching := p.matchingSignals(stateSignals(state)); len(matching) > 0 {
		return true, fmt.Sprintf("escalation: anomaly signals detected: %s", strings.Join(matching, ", "))
	}

	// 异常信号升级：action 自身携带的标记
	if matching := p.matchingSignals(action.ContextRefs); len(matching) > 0 {
		return true, fmt.Sprintf("escalation: action flagged with: %s", strings.Join(matching, ", "))
	}

	// 异常信号升级：连续同名工具
	if hit, reason := p.trackConsecutive(action.ToolName); hit {
		return true, reason
	}

	return false, "no audit or escalation triggered"
}

// matchingSignals 返回与配置名单相交的信号。
func (p *AuditEscalate) matchingSignals(candidates []string) []string {
	var matching []string
	for _, s := range candidates {
		if _, ok := p.signals[s]; ok {
			matching = append(matching, s)
		}
	}
	return matching
}

// trackConsecutive 记录工具名并检查连续调用阈值。
func (p *AuditEscalate) trackConsecutive(toolName string) (bool, string) {
	threshold := p.config.ConsecutiveActionThreshold
	if threshold <= 0 {
		return false, ""
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.history = append(p.history, toolName)
	if len(p.history) > threshold {
		p.history = p.history[len(p.history)-threshold:]
	}
	if len(p.history) < threshold {
		return false, ""
	}
	for _, name := range p.history {
		if name != toolName {
			return false, ""
		}
	}
	return true, fmt.Sprintf("escalation: %d consecutive %q actions", threshold, toolName)
}

// OnDecided 实现 Policy.OnDecided：累积审计日志与拒绝计数。
// 拒绝次数达到阈值后向状态写入 repeated_rejections 信号，
// 使同一运行内的后续 Decide 升级。
func (p *AuditEscalate) OnDecided(state State, action types.Action, decision types.Decision) State {
	if state == nil {
		state = State{}
	}

	auditLog, _ := state[StateKeyAuditLog].([]map[string]any)
	state[StateKeyAuditLog] = append(auditLog, map[string]any{
		"action_id": action.ID,
		"tool_name": action.ToolName,
		"approved":  decision.Approved,
		"reason":    decision.Reason,
		"tags":      decision.Tags,
	})

	if !decision.Approved {
		count := intFromState(state, StateKeyRejectionCount) + 1
		state[StateKeyRejectionCount] = count
		if count >= p.config.RejectionAnomalyThreshold {
			appendSignal(state, SignalRepeatedRejections)
		}
	}
	return state
}

// OnExecuted 实现 Policy.OnExecuted：累积工具失败计数。
func (p *AuditEscalate) OnExecuted(state State, action types.Action, result types.ToolResult) State {
	if state == nil {
		state = State{}
	}
	if !result.Success {
		count := intFromState(state, StateKeyFailureCount) + 1
		state[StateKeyFailureCount] = count
		if count >= p.config.FailureAnomalyThreshold {
			appendSignal(state, SignalRepeatedFailures)
		}
	}
	return state
}

// Reset 清空连续调用历史，在新的逻辑运行开始时调用。
func (p *AuditEscalate) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = nil
}
