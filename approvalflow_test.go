package approvalflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/approvalflow/broker"
	"github.com/BaSui01/approvalflow/gate"
	"github.com/BaSui01/approvalflow/types"
)

func TestNew_RequiresSender(t *testing.T) {
	_, err := New()
	assert.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidRequest))
}

func TestNew_DefaultsAutoApproveLowRisk(t *testing.T) {
	g, err := New(
		WithSender(func(ctx context.Context, req types.ApprovalRequest, correlationID, callbackURL string) error {
			t.Fatal("低风险动作不应触碰审批通道")
			return nil
		}),
	)
	require.NoError(t, err)

	action := types.NewAction("read_file", map[string]any{"path": "/tmp/x"})
	result, err := g.Check(context.Background(), &action, broker.Scope{RunID: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, gate.StatusAutoApproved, result.Status)
	assert.True(t, result.Decision.Approved)
}

func TestNew_TimeoutOption(t *testing.T) {
	g, err := New(
		WithTimeout(0.05),
		WithSender(func(ctx context.Context, req types.ApprovalRequest, correlationID, callbackURL string) error {
			return nil
		}),
	)
	require.NoError(t, err)

	action := types.NewAction("drop_table", nil).WithRisk(types.RiskHigh)
	start := time.Now()
	result, err := g.Check(context.Background(), &action, broker.Scope{RunID: "run-1"})
	require.NoError(t, err)
	assert.False(t, result.Decision.Approved)
	assert.Equal(t, types.DecidedByTimeout, result.Decision.DecidedBy)
	assert.Less(t, time.Since(start), time.Second)
}
