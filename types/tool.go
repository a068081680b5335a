package types

import "time"

// ToolResult 是工具执行的结果，供策略的 OnExecuted 钩子消费。
type ToolResult struct {
	ActionID   string     `json:"action_id"`
	Success    bool       `json:"success"`
	Result     any        `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	RetryCount int        `json:"retry_count"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// ExecutionTimeMS 返回执行耗时（毫秒）；未完成时返回 -1。
func (r ToolResult) ExecutionTimeMS() float64 {
	if r.FinishedAt == nil {
		return -1
	}
	return float64(r.FinishedAt.Sub(r.StartedAt)) / float64(time.Millisecond)
}
