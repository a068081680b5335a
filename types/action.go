package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// RiskClass represents the risk classification of a proposed action.
type RiskClass string

const (
	RiskLow    RiskClass = "low"
	RiskMedium RiskClass = "medium"
	RiskHigh   RiskClass = "high"
)

// Valid reports whether the risk class is one of the known levels.
func (r RiskClass) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// Action represents a proposed tool invocation awaiting a gating decision.
//
// An Action is immutable once created. A human-edited action (changed args
// for the same proposal) keeps its ID; a semantically different proposal
// gets a new ID via NewAction.
type Action struct {
	ID          string         `json:"id"`
	ToolName    string         `json:"tool_name"`
	ToolArgs    map[string]any `json:"tool_args"`
	RiskClass   RiskClass      `json:"risk_class"`
	SideEffects []string       `json:"side_effects,omitempty"`
	Rationale   string         `json:"rationale,omitempty"`
	ContextRefs []string       `json:"context_refs,omitempty"`
}

// NewAction creates an Action with a fresh UUID and normalized defaults.
func NewAction(toolName string, args map[string]any) Action {
	if args == nil {
		args = map[string]any{}
	}
	return Action{
		ID:        uuid.NewString(),
		ToolName:  toolName,
		ToolArgs:  args,
		RiskClass: RiskLow,
	}
}

// WithRisk returns a copy of the action with the given risk class.
func (a Action) WithRisk(risk RiskClass) Action {
	a.RiskClass = risk
	return a
}

// ArgsHash 返回工具参数的稳定哈希（键排序后 sha256 的前 16 个十六进制字符）。
// 同一参数集合总是产生相同哈希，可用于去重与审计对账。
func (a Action) ArgsHash() string {
	data, err := json.Marshal(sortedArgs(a.ToolArgs))
	if err != nil {
		data = []byte(fmt.Sprintf("%v", a.ToolArgs))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

// sortedArgs 将 map 转为键排序的 JSON 友好结构。
// encoding/json 对 map 的键本身就是排序输出，这里只需递归处理嵌套 map。
func sortedArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		if nested, ok := v.(map[string]any); ok {
			out[k] = sortedArgs(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// Summary returns a one-line human-readable summary of the action.
func (a Action) Summary(maxArgsLen int) string {
	if maxArgsLen <= 0 {
		maxArgsLen = 100
	}
	argsJSON, err := json.Marshal(a.ToolArgs)
	argsStr := string(argsJSON)
	if err != nil {
		argsStr = fmt.Sprintf("%v", a.ToolArgs)
	}
	if len(argsStr) > maxArgsLen {
		argsStr = argsStr[:maxArgsLen-3] + "..."
	}
	return fmt.Sprintf("[%s] %s(%s)", strings.ToUpper(string(a.RiskClass)), a.ToolName, argsStr)
}

// ApprovalRequest carries everything a human needs to decide on an action.
type ApprovalRequest struct {
	RunID          string `json:"run_id"`
	Action         Action `json:"action"`
	SummaryContext string `json:"summary_context,omitempty"`
	PolicyName     string `json:"policy_name,omitempty"`
	PolicyReason   string `json:"policy_reason,omitempty"`
}

// FormatForDisplay 将审批请求渲染为适合终端或聊天消息的多行文本。
func (r ApprovalRequest) FormatForDisplay() string {
	var b strings.Builder
	sep := strings.Repeat("=", 60)

	b.WriteString(sep + "\n")
	b.WriteString("APPROVAL REQUEST\n")
	b.WriteString(sep + "\n")
	fmt.Fprintf(&b, "Run ID: %s\n", r.RunID)
	fmt.Fprintf(&b, "Action ID: %s\n\n", r.Action.ID)
	fmt.Fprintf(&b, "Tool: %s\n", r.Action.ToolName)
	fmt.Fprintf(&b, "Risk: %s\n\n", strings.ToUpper(string(r.Action.RiskClass)))

	b.WriteString("Arguments:\n")
	if argsJSON, err := json.MarshalIndent(r.Action.ToolArgs, "", "  "); err == nil {
		b.Write(argsJSON)
	}
	b.WriteString("\n\n")

	if len(r.Action.SideEffects) > 0 {
		b.WriteString("Side Effects:\n")
		for _, effect := range r.Action.SideEffects {
			fmt.Fprintf(&b, "  - %s\n", effect)
		}
		b.WriteString("\n")
	}
	if r.Action.Rationale != "" {
		fmt.Fprintf(&b, "Rationale:\n  %s\n\n", r.Action.Rationale)
	}
	if r.SummaryContext != "" {
		fmt.Fprintf(&b, "Context:\n  %s\n\n", r.SummaryContext)
	}
	if r.PolicyReason != "" {
		fmt.Fprintf(&b, "Policy (%s):\n  %s\n\n", r.PolicyName, r.PolicyReason)
	}

	b.WriteString(sep)
	return b.String()
}
