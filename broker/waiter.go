// Copyright (c) 2025 ApprovalFlow Authors.
// Licensed under the MIT License.

package broker

import (
	"context"
	"sync"

	"github.com/BaSui01/approvalflow/types"
)

// Waiter 是一次在途审批的内存侧句柄。
// resolve 采用先写者生效语义：回调、超时、取消之间的竞争
// 由 sync.Once 决出唯一胜者，Decision 只产生一次。
type Waiter struct {
	correlationID string
	actionID      string

	once sync.Once
	ch   chan types.Decision
}

func newWaiter(correlationID, actionID string) *Waiter {
	return &Waiter{
		correlationID: correlationID,
		actionID:      actionID,
		ch:            make(chan types.Decision, 1),
	}
}

// CorrelationID 返回关联 ID。
func (w *Waiter) CorrelationID() string { return w.correlationID }

// ActionID 返回对应的动作 ID。
func (w *Waiter) ActionID() string { return w.actionID }

// resolve 尝试写入最终决策，返回本次调用是否是第一个写入者。
func (w *Waiter) resolve(decision types.Decision) bool {
	won := false
	w.once.Do(func() {
		w.ch <- decision
		won = true
	})
	return won
}

// Wait 阻塞等待决策。恢复流程在 RegisterRecovered 之后调用。
func (w *Waiter) Wait(ctx context.Context) (types.Decision, error) {
	select {
	case decision := <-w.ch:
		return decision, nil
	case <-ctx.Done():
		return types.Decision{}, ctx.Err()
	}
}
