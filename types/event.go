package types

import "time"

// EventType 枚举遥测事件类型。
type EventType string

const (
	EventRunStart           EventType = "run_start"
	EventRunEnd             EventType = "run_end"
	EventActionProposed     EventType = "action_proposed"
	EventApprovalRequested  EventType = "approval_requested"
	EventApprovalDecided    EventType = "approval_decided"
	EventToolExecutionStart EventType = "tool_execution_start"
	EventToolExecutionEnd   EventType = "tool_execution_end"
	EventError              EventType = "error"
)

// TraceEvent 是遥测的基本单元，按 run_id 归组。
type TraceEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id"`
	EventType EventType      `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// NewTraceEvent 以当前 UTC 时间创建事件。
func NewTraceEvent(runID string, eventType EventType, payload map[string]any) TraceEvent {
	return TraceEvent{
		Timestamp: time.Now().UTC(),
		RunID:     runID,
		EventType: eventType,
		Payload:   payload,
	}
}
