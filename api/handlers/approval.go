package handlers

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/approvalflow/broker"
	"github.com/BaSui01/approvalflow/types"
)

// =============================================================================
// ✅ 审批回调与查询 Handler
// =============================================================================

// maxCallbackBodySize 回调请求体上限（64KB）
const maxCallbackBodySize = 64 << 10

// ApprovalHandler 审批相关的 HTTP 处理器
type ApprovalHandler struct {
	broker *broker.Broker
	logger *zap.Logger
}

// NewApprovalHandler 创建审批处理器
func NewApprovalHandler(b *broker.Broker, logger *zap.Logger) *ApprovalHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ApprovalHandler{
		broker: b,
		logger: logger.With(zap.String("handler", "approval")),
	}
}

// HandleCallback 处理 POST /api/v1/approvals/callback/{correlation_id}
//
// 请求体是审批决策载荷（broker.ParseCallback 支持的任一形态）。
// 重复回调与未知 correlation id 返回 404，绝不透出 500。
func (h *ApprovalHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrInvalidRequest,
			"method not allowed", nil)
		return
	}

	correlationID := r.PathValue("correlation_id")
	if correlationID == "" {
		correlationID = pathTail(r.URL.Path)
	}
	if correlationID == "" || correlationID == "callback" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"correlation id is required", nil)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBodySize))
	if err != nil {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"failed to read request body", h.logger)
		return
	}

	payload, err := broker.ParseCallback(body)
	if err != nil {
		WriteError(w, types.AsError(err), h.logger)
		return
	}

	accepted, err := h.broker.HandleCallback(r.Context(), correlationID, payload)
	if err != nil {
		WriteError(w, types.AsError(err), h.logger)
		return
	}
	if !accepted {
		WriteErrorMessage(w, http.StatusNotFound, types.ErrUnknownCallback,
			"no pending approval for this correlation id", nil)
		return
	}

	WriteSuccess(w, map[string]any{
		"correlation_id": correlationID,
		"accepted":       true,
	})
}

// defaultPendingLimit 查询接口未显式给出 limit 时的默认值。
// 存储层 limit=0 表示全量（恢复流程依赖），上限在这一层施加。
const defaultPendingLimit = 100

// HandlePending 处理 GET /api/v1/approvals/pending
//
// 查询参数: thread_id（可选过滤）、limit（默认 100，0 表示不限制）。
func (h *ApprovalHandler) HandlePending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrInvalidRequest,
			"method not allowed", nil)
		return
	}

	threadID := r.URL.Query().Get("thread_id")
	limit := defaultPendingLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
				"limit must be a non-negative integer", nil)
			return
		}
		limit = n
	}

	records, err := h.broker.ListPending(r.Context(), threadID, limit)
	if err != nil {
		WriteError(w, types.WrapError(types.ErrStoreUnavailable, "list pending approvals", err), h.logger)
		return
	}

	WriteSuccess(w, map[string]any{
		"count":   len(records),
		"pending": records,
	})
}

// HandleBreakerStatus 处理 GET /api/v1/approvals/breaker
func (h *ApprovalHandler) HandleBreakerStatus(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, map[string]any{
		"state": h.broker.Breaker().State().String(),
	})
}

// pathTail 返回路径最后一段。
func pathTail(path string) string {
	path = strings.TrimSuffix(path, "/")
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}
