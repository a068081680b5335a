package circuitbreaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

func testConfig() Config {
	return Config{
		FailureThreshold: 2,
		RecoveryTimeout:  50 * time.Millisecond,
		HalfOpenMaxCalls: 2,
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := New(testConfig(), zap.NewNop())

	assert.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())

	assert.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State(), "达到阈值后必须熔断")

	assert.False(t, b.Allow(), "熔断期间必须快速拒绝")
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New(testConfig(), zap.NewNop())

	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State(), "成功必须清零连续失败计数")
}

func TestBreaker_HalfOpenAfterRecoveryTimeout(t *testing.T) {
	b := New(testConfig(), zap.NewNop())

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())

	time.Sleep(60 * time.Millisecond)

	assert.True(t, b.Allow(), "恢复窗口过后应放行探测")
	assert.Equal(t, StateHalfOpen, b.State())

	// 半开探测名额有限
	assert.True(t, b.Allow())
	assert.False(t, b.Allow(), "超出半开名额必须拒绝")
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	b := New(testConfig(), zap.NewNop())
	b.RecordFailure()
	b.RecordFailure()
	time.Sleep(60 * time.Millisecond)

	assert.True(t, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New(testConfig(), zap.NewNop())
	b.RecordFailure()
	b.RecordFailure()
	time.Sleep(60 * time.Millisecond)

	assert.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreaker_OnStateChange(t *testing.T) {
	var mu sync.Mutex
	var transitions [][2]State

	cfg := testConfig()
	cfg.OnStateChange = func(from, to State) {
		mu.Lock()
		transitions = append(transitions, [2]State{from, to})
		mu.Unlock()
	}
	b := New(cfg, zap.NewNop())

	b.RecordFailure()
	b.RecordFailure()
	time.Sleep(20 * time.Millisecond) // 回调是异步的

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, transitions, [2]State{StateClosed, StateOpen})
}

func TestBreaker_Reset(t *testing.T) {
	b := New(testConfig(), zap.NewNop())
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
}

// 属性：任意成功/失败序列下，状态始终是三个合法状态之一，
// 且 Open 状态下恢复窗口内 Allow 恒为 false。
func TestProperty_Breaker_StateInvariants(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		cfg := Config{
			FailureThreshold: rapid.IntRange(1, 5).Draw(rt, "threshold"),
			RecoveryTimeout:  time.Hour, // 测试期间不自动恢复
			HalfOpenMaxCalls: rapid.IntRange(1, 3).Draw(rt, "halfOpen"),
		}
		b := New(cfg, zap.NewNop())

		steps := rapid.IntRange(1, 50).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			if rapid.Bool().Draw(rt, "fail") {
				b.RecordFailure()
			} else {
				b.RecordSuccess()
			}
			state := b.State()
			assert.Contains(t, []State{StateClosed, StateOpen, StateHalfOpen}, state)
			if state == StateOpen {
				assert.False(t, b.Allow(), "恢复窗口内 Open 状态必须拒绝")
			}
		}
	})
}
