// Package telemetry 提供审批流程的结构化事件记录。
//
// 事件以 TraceEvent 形式投递给 Sink；默认实现写入 zap 日志，
// 测试中可用 Recorder 捕获事件序列做断言。
package telemetry

import (
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/approvalflow/types"
)

// Sink 接收结构化事件记录。实现必须可安全并发调用。
type Sink interface {
	Emit(event types.TraceEvent)
}

// ZapSink 将事件写入 zap 日志。
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink 创建日志 Sink。
func NewZapSink(logger *zap.Logger) *ZapSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapSink{logger: logger.With(zap.String("component", "telemetry"))}
}

// Emit 实现 Sink.Emit。
func (s *ZapSink) Emit(event types.TraceEvent) {
	s.logger.Info("trace event",
		zap.String("run_id", event.RunID),
		zap.String("event_type", string(event.EventType)),
		zap.Time("timestamp", event.Timestamp),
		zap.Any("payload", event.Payload),
	)
}

// NopSink 丢弃所有事件。
type NopSink struct{}

// Emit 实现 Sink.Emit。
func (NopSink) Emit(types.TraceEvent) {}

// Recorder 在内存中记录事件，供测试断言。
type Recorder struct {
	mu     sync.Mutex
	events []types.TraceEvent
}

// NewRecorder 创建事件记录器。
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Emit 实现 Sink.Emit。
func (r *Recorder) Emit(event types.TraceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events 返回已记录事件的副本。
func (r *Recorder) Events() []types.TraceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.TraceEvent, len(r.events))
	copy(out, r.events)
	return out
}

// ByType 返回指定类型的事件。
func (r *Recorder) ByType(eventType types.EventType) []types.TraceEvent {
	var out []types.TraceEvent
	for _, e := range r.Events() {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Tracer 绑定 run id 的便捷事件发射器。
type Tracer struct {
	sink  Sink
	runID string
}

// NewTracer 创建 Tracer。sink 为 nil 时使用 NopSink。
func NewTracer(sink Sink, runID string) *Tracer {
	if sink == nil {
		sink = NopSink{}
	}
	return &Tracer{sink: sink, runID: runID}
}

// RunStart 记录运行开始事件。
func (t *Tracer) RunStart(metadata map[string]any) {
	t.sink.Emit(types.NewTraceEvent(t.runID, types.EventRunStart, metadata))
}

// RunEnd 记录运行结束事件。
func (t *Tracer) RunEnd(metadata map[string]any) {
	t.sink.Emit(types.NewTraceEvent(t.runID, types.EventRunEnd, metadata))
}

// ToolExecutionStart 记录工具执行开始事件。
func (t *Tracer) ToolExecutionStart(action types.Action) {
	t.sink.Emit(types.NewTraceEvent(t.runID, types.EventToolExecutionStart, map[string]any{
		"action_id": action.ID,
		"tool_name": action.ToolName,
	}))
}

// ToolExecutionEnd 记录工具执行结束事件。
func (t *Tracer) ToolExecutionEnd(result types.ToolResult) {
	t.sink.Emit(types.NewTraceEvent(t.runID, types.EventToolExecutionEnd, map[string]any{
		"action_id":         result.ActionID,
		"success":           result.Success,
		"execution_time_ms": result.ExecutionTimeMS(),
	}))
}

// ActionProposed 记录动作提案事件。
func (t *Tracer) ActionProposed(action types.Action) {
	t.sink.Emit(types.NewTraceEvent(t.runID, types.EventActionProposed, map[string]any{
		"action_id":  action.ID,
		"tool_name":  action.ToolName,
		"risk_class": string(action.RiskClass),
		"args_hash":  action.ArgsHash(),
	}))
}

// ApprovalRequested 记录审批请求事件。
func (t *Tracer) ApprovalRequested(req types.ApprovalRequest, channel string) {
	t.sink.Emit(types.NewTraceEvent(t.runID, types.EventApprovalRequested, map[string]any{
		"action_id":     req.Action.ID,
		"tool_name":     req.Action.ToolName,
		"policy_name":   req.PolicyName,
		"policy_reason": req.PolicyReason,
		"channel":       channel,
	}))
}

// ApprovalDecided 记录审批决策事件。
func (t *Tracer) ApprovalDecided(decision types.Decision, channel string) {
	t.sink.Emit(types.NewTraceEvent(t.runID, types.EventApprovalDecided, map[string]any{
		"action_id":  decision.ActionID,
		"approved":   decision.Approved,
		"decided_by": decision.DecidedBy,
		"reason":     decision.Reason,
		"latency_ms": decision.LatencyMS,
		"channel":    channel,
	}))
}

// Error 记录错误事件。
func (t *Tracer) Error(message string, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["message"] = message
	t.sink.Emit(types.NewTraceEvent(t.runID, types.EventError, fields))
}
