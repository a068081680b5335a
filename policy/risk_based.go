package policy

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/BaSui01/approvalflow/types"
)

// amountKeys 数值阈值规则扫描的参数名。
var amountKeys = []string{"amount", "value", "price", "cost", "total"}

// RiskBased 基于风险分类与显式规则请求审批，是推荐的生产策略。
//
// 规则按固定顺序求值，首个命中者胜出：
//  1. 工具名在显式高危名单中
//  2. 风险等级命中 Require* 配置
//  3. 参数包含敏感子串
//  4. 金额类参数超过阈值
type RiskBased struct {
	config        Config
	highRiskTools map[string]struct{}
}

// NewRiskBased 创建风险策略。
func NewRiskBased(config Config) *RiskBased {
	tools := make(map[string]struct{}, len(config.ExplicitHighRiskTools))
	for _, name := range config.ExplicitHighRiskTools {
		tools[name] = struct{}{}
	}
	return &RiskBased{config: config, highRiskTools: tools}
}

// Name 实现 Policy.Name。
func (p *RiskBased) Name() string {
	return "risk_based"
}

// Decide 实现 Policy.Decide。
func (p *RiskBased) Decide(action types.Action, state State) (bool, string) {
	// 规则 1：显式高危工具名单
	if _, ok := p.highRiskTools[action.ToolName]; ok {
		return true, fmt.Sprintf("tool %q is in the explicit high-risk tool list", action.ToolName)
	}

	// 规则 2：固定风险等级
	if action.RiskClass == types.RiskHigh && p.config.RequireApprovalForHigh {
		return true, "action has HIGH risk classification"
	}
	if action.RiskClass == types.RiskMedium && p.config.RequireApprovalForMedium {
		return true, "action has MEDIUM risk classification"
	}

	// 规则 3：敏感参数模式
	if matched, reason := matchSensitiveArgs(action, p.config.SensitiveArgPatterns); matched {
		return true, reason
	}

	// 规则 4：金额阈值
	if matched, reason := exceedsAmountThreshold(action, p.config.MaxAmountWithoutApproval); matched {
		return true, reason
	}

	return false, "action does not meet approval criteria"
}

// OnDecided 实现 Policy.OnDecided：记录拒绝轨迹供后续分析。
func (p *RiskBased) OnDecided(state State, action types.Action, decision types.Decision) State {
	if state == nil {
		state = State{}
	}
	if !decision.Approved {
		rejections, _ := state[StateKeyRejections].([]map[string]any)
		state[StateKeyRejections] = append(rejections, map[string]any{
			"action_id":  action.ID,
			"tool_name":  action.ToolName,
			"risk_class": string(action.RiskClass),
			"reason":     decision.Reason,
		})
	}
	return state
}

// OnExecuted 实现 Policy.OnExecuted，无执行侧学习。
func (p *RiskBased) OnExecuted(state State, action types.Action, result types.ToolResult) State {
	return state
}

// matchSensitiveArgs 检查参数值是否包含敏感子串（大小写不敏感）。
func matchSensitiveArgs(action types.Action, patterns map[string][]string) (bool, string) {
	for argName, substrings := range patterns {
		raw, ok := action.ToolArgs[argName]
		if !ok {
			continue
		}
		value := strings.ToLower(fmt.Sprintf("%v", raw))
		for _, pattern := range substrings {
			if strings.Contains(value, strings.ToLower(pattern)) {
				return true, fmt.Sprintf("argument %q contains sensitive pattern %q", argName, pattern)
			}
		}
	}
	return false, ""
}

// exceedsAmountThreshold 检查金额类参数是否超过免审批上限。
func exceedsAmountThreshold(action types.Action, max *float64) (bool, string) {
	if max == nil {
		return false, ""
	}
	for _, key := range amountKeys {
		raw, ok := action.ToolArgs[key]
		if !ok {
			continue
		}
		amount, ok := toFloat(raw)
		if !ok {
			continue
		}
		if amount > *max {
			return true, fmt.Sprintf("amount %.2f exceeds threshold %.2f", amount, *max)
		}
	}
	return false, ""
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
