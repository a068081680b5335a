// Package metrics 定义审批流程的 Prometheus 指标。
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ApprovalsRequested 发起的审批请求总数。
	ApprovalsRequested = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "approvalflow",
		Name:      "approvals_requested_total",
		Help:      "Total number of approval requests submitted to the broker.",
	})

	// ApprovalsDecided 按决策来源与结果分类的决策总数。
	// decided_by 只取来源类别（policy / human / system），避免标签基数爆炸。
	ApprovalsDecided = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "approvalflow",
		Name:      "approvals_decided_total",
		Help:      "Total number of approval decisions, by decision source and outcome.",
	}, []string{"decided_by", "approved"})

	// ApprovalLatency 审批端到端耗时分布。
	ApprovalLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "approvalflow",
		Name:      "approval_latency_seconds",
		Help:      "End-to-end approval latency from request to decision.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
	})

	// BreakerState 熔断器当前状态（0=closed 1=open 2=half_open）。
	BreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "approvalflow",
		Name:      "circuit_breaker_state",
		Help:      "Current circuit breaker state (0=closed, 1=open, 2=half_open).",
	})

	// CallbacksReceived 按处理结果分类的回调总数。
	CallbacksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "approvalflow",
		Name:      "callbacks_total",
		Help:      "Total number of approval callbacks received, by handling outcome.",
	}, []string{"outcome"})

	// StoreOpDuration 存储操作耗时分布，按操作名分类。
	StoreOpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "approvalflow",
		Name:      "store_op_duration_seconds",
		Help:      "Duration of approval store operations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})

	// ExpiredCleaned 清理任务清除的过期记录总数。
	ExpiredCleaned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "approvalflow",
		Name:      "expired_records_cleaned_total",
		Help:      "Total number of expired pending records removed by the cleanup sweep.",
	})
)

// DecidedByClass 提取决策来源类别，如 "human:alice" -> "human"。
func DecidedByClass(decidedBy string) string {
	if i := strings.IndexByte(decidedBy, ':'); i > 0 {
		return decidedBy[:i]
	}
	if decidedBy == "" {
		return "unknown"
	}
	return decidedBy
}

// BoolLabel 将布尔值转为指标标签。
func BoolLabel(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
