// Package circuitbreaker 提供出站通知路径的熔断保护。
//
// 与把调用包进闭包的做法不同，broker 需要把"预检"与"结果上报"拆开：
// 预检失败时直接合成拒绝 Decision 而不触碰网络，送达与否在发送
// 阶段结束后上报。因此本包暴露 Allow / RecordSuccess / RecordFailure
// 三段式接口。
package circuitbreaker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// State 熔断器状态。
type State int

const (
	// StateClosed 关闭状态（正常工作）
	StateClosed State = iota
	// StateOpen 打开状态（熔断中，拒绝新发送）
	StateOpen
	// StateHalfOpen 半开状态（试探性恢复）
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config 熔断器配置。
type Config struct {
	// FailureThreshold 连续失败次数阈值（触发熔断）
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`

	// RecoveryTimeout 熔断恢复等待时间（从 Open 到 HalfOpen）
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`

	// HalfOpenMaxCalls 半开状态下允许的最大探测请求数
	HalfOpenMaxCalls int `yaml:"half_open_max_calls" json:"half_open_max_calls"`

	// OnStateChange 状态变更回调
	OnStateChange func(from, to State) `yaml:"-" json:"-"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// Breaker 熔断器实现。临界区只保护状态转换，绝不在持锁时做 I/O。
type Breaker struct {
	config Config
	logger *zap.Logger

	mu              sync.Mutex
	state           State
	failureCount    int
	lastFailureTime time.Time
	halfOpenCalls   int
}

// New 创建熔断器。非法参数回退到默认值。
func New(config Config, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 30 * time.Second
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 3
	}

	return &Breaker{
		config: config,
		logger: logger.With(zap.String("component", "circuit_breaker")),
		state:  StateClosed,
	}
}

// Allow 报告是否允许一次新的发送。
// Open 状态下经过 RecoveryTimeout 后自动转入 HalfOpen 并放行探测；
// HalfOpen 状态下放行至多 HalfOpenMaxCalls 次。
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(b.lastFailureTime) >= b.config.RecoveryTimeout {
			b.setState(StateHalfOpen)
			b.halfOpenCalls = 0
			b.halfOpenCalls++
			b.logger.Info("circuit breaker probing recovery")
			return true
		}
		return false

	case StateHalfOpen:
		if b.halfOpenCalls < b.config.HalfOpenMaxCalls {
			b.halfOpenCalls++
			return true
		}
		return false
	}
	return false
}

// RecordSuccess 上报一次成功。半开状态下恢复到关闭并清零失败计数。
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.logger.Info("circuit breaker recovered",
			zap.Int("half_open_calls", b.halfOpenCalls),
		)
		b.setState(StateClosed)
		b.failureCount = 0
		b.halfOpenCalls = 0
	case StateClosed:
		b.failureCount = 0
	}
}

// RecordFailure 上报一次失败。
// 关闭状态下达到阈值即熔断；半开状态下任一失败立即重新熔断。
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.config.FailureThreshold {
			b.logger.Warn("circuit breaker opened",
				zap.Int("failure_count", b.failureCount),
				zap.Int("threshold", b.config.FailureThreshold),
			)
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.logger.Warn("circuit breaker probe failed, reopening")
		b.setState(StateOpen)
		b.halfOpenCalls = 0
	}
}

// setState 设置状态并触发回调。调用方必须持有锁。
func (b *Breaker) setState(newState State) {
	oldState := b.state
	if oldState == newState {
		return
	}
	b.state = newState

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(oldState, newState)
	}
}

// State 返回当前状态。
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset 手动恢复到关闭状态。
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	oldState := b.state
	b.state = StateClosed
	b.failureCount = 0
	b.halfOpenCalls = 0

	b.logger.Info("circuit breaker reset", zap.String("from_state", oldState.String()))
	if b.config.OnStateChange != nil && oldState != StateClosed {
		go b.config.OnStateChange(oldState, StateClosed)
	}
}
