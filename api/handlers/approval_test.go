package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/approvalflow/broker"
	"github.com/BaSui01/approvalflow/circuitbreaker"
	"github.com/BaSui01/approvalflow/retry"
	"github.com/BaSui01/approvalflow/store"
	"github.com/BaSui01/approvalflow/types"
)

func newTestMux(t *testing.T, st store.ApprovalStore, sender broker.Sender) (*http.ServeMux, *broker.Broker) {
	t.Helper()
	cfg := broker.Config{
		TimeoutSeconds: 2,
		Retry:          retry.Policy{MaxRetries: 0, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, ExponentialBase: 2.0},
		Breaker:        circuitbreaker.DefaultConfig(),
	}
	b := broker.New(cfg, st, sender, zap.NewNop())
	h := NewApprovalHandler(b, zap.NewNop())

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/approvals/callback/{correlation_id}", h.HandleCallback)
	mux.HandleFunc("GET /api/v1/approvals/pending", h.HandlePending)
	mux.HandleFunc("GET /api/v1/approvals/breaker", h.HandleBreakerStatus)
	return mux, b
}

func seedRecord(t *testing.T, st store.ApprovalStore, correlationID, threadID string) {
	t.Helper()
	require.NoError(t, st.Put(context.Background(), &store.PendingApprovalRecord{
		CorrelationID: correlationID,
		ThreadID:      threadID,
		ActionID:      "action-" + correlationID,
		ToolName:      "delete_file",
		RiskClass:     "high",
		CreatedAt:     time.Now().UTC(),
	}))
}

func noopSender(ctx context.Context, req types.ApprovalRequest, correlationID, callbackURL string) error {
	return nil
}

func TestHandleCallback_AcceptsStashedResolution(t *testing.T) {
	st := store.NewMemoryStore()
	mux, _ := newTestMux(t, st, noopSender)
	seedRecord(t, st, "corr-1", "")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/approvals/callback/corr-1",
		strings.NewReader(`{"approved": true, "decided_by": "alice"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
}

func TestHandleCallback_UnknownIDReturns404(t *testing.T) {
	mux, _ := newTestMux(t, store.NewMemoryStore(), noopSender)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/approvals/callback/no-such-id",
		strings.NewReader(`{"approved": true}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code, "未知 correlation id 必须是 404 而不是 500")

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, string(types.ErrUnknownCallback), resp.Error.Code)
}

func TestHandleCallback_MalformedPayload(t *testing.T) {
	st := store.NewMemoryStore()
	mux, _ := newTestMux(t, st, noopSender)
	seedRecord(t, st, "corr-2", "")

	cases := []string{`{{{`, `{"reason": "no decision here"}`}
	for _, body := range cases {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/approvals/callback/corr-2",
			strings.NewReader(body))
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		var resp Response
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, string(types.ErrInvalidCallback), resp.Error.Code)
	}
}

func TestHandleCallback_ResolvesInFlightApproval(t *testing.T) {
	st := store.NewMemoryStore()
	ids := make(chan string, 1)
	sender := func(ctx context.Context, req types.ApprovalRequest, correlationID, callbackURL string) error {
		ids <- correlationID
		return nil
	}
	mux, b := newTestMux(t, st, sender)

	done := make(chan types.Decision, 1)
	go func() {
		action := types.NewAction("drop_table", nil).WithRisk(types.RiskHigh)
		d, _ := b.RequestApproval(context.Background(), types.ApprovalRequest{
			RunID:  "run-1",
			Action: action,
		}, broker.Scope{RunID: "run-1"})
		done <- d
	}()

	correlationID := <-ids
	req := httptest.NewRequest(http.MethodPost, "/api/v1/approvals/callback/"+correlationID,
		strings.NewReader(`{"decision": "approve", "approver": "bob", "comment": "checked"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	decision := <-done
	assert.True(t, decision.Approved)
	assert.Equal(t, "human:bob", decision.DecidedBy)
	assert.Equal(t, "checked", decision.Reason)
}

func TestHandlePending_FiltersAndLimits(t *testing.T) {
	st := store.NewMemoryStore()
	mux, _ := newTestMux(t, st, noopSender)
	seedRecord(t, st, "corr-a", "thread-1")
	seedRecord(t, st, "corr-b", "thread-1")
	seedRecord(t, st, "corr-c", "thread-2")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/approvals/pending?thread_id=thread-1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data struct {
			Count   int                            `json:"count"`
			Pending []*store.PendingApprovalRecord `json:"pending"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Data.Count)

	// 非法 limit
	req = httptest.NewRequest(http.MethodGet, "/api/v1/approvals/pending?limit=abc", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleBreakerStatus(t *testing.T) {
	mux, _ := newTestMux(t, store.NewMemoryStore(), noopSender)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/approvals/breaker", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "closed")
}

func TestHandleHealth_DegradedOnFailingCheck(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())
	h.RegisterCheck(CheckFunc{CheckName: "store", Fn: func(ctx context.Context) error { return nil }})

	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	h.RegisterCheck(CheckFunc{CheckName: "redis", Fn: func(ctx context.Context) error {
		return errors.New("connection refused")
	}})

	rec = httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "degraded", status.Status)
	assert.Equal(t, "fail", status.Checks["redis"].Status)
	assert.Equal(t, "pass", status.Checks["store"].Status)
}
