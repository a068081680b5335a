// Package retry 提供有界指数退避重试，用于包装单次出站通知发送。
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Policy 定义重试策略配置。
type Policy struct {
	// MaxRetries 首次尝试之外的最大重试次数（0 表示不重试）
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// InitialDelay 初始延迟时间
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`

	// MaxDelay 最大延迟时间（指数退避的上限）
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// ExponentialBase 每次失败后的延迟倍增因子
	ExponentialBase float64 `yaml:"exponential_base" json:"exponential_base"`

	// Jitter 是否添加 ±25% 随机抖动（防止雪崩）
	Jitter bool `yaml:"jitter" json:"jitter"`

	// OnRetry 重试回调
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultPolicy 返回默认的重试策略。
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:      3,
		InitialDelay:    1 * time.Second,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2.0,
	}
}

// Retryer 以指数退避执行函数重试。
type Retryer struct {
	policy Policy
	logger *zap.Logger
}

// NewRetryer 创建重试器。非法参数回退到默认值。
func NewRetryer(policy Policy, logger *zap.Logger) *Retryer {
	if logger == nil {
		logger = zap.NewNop()
	}

	// 参数校验
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = 1 * time.Second
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 30 * time.Second
	}
	if policy.ExponentialBase < 1.0 {
		policy.ExponentialBase = 2.0
	}

	return &Retryer{policy: policy, logger: logger}
}

// Do 执行 fn，失败时按策略重试；重试耗尽后返回最后一个错误。
// 延迟期间监听 context 取消，睡眠不会阻塞其他在途请求。
func (r *Retryer) Do(ctx context.Context, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.calculateDelay(attempt)

			r.logger.Debug("retrying send",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", r.policy.MaxRetries),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			if r.policy.OnRetry != nil {
				r.policy.OnRetry(attempt, lastErr, delay)
			}

			select {
			case <-ctx.Done():
				return fmt.Errorf("retry canceled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			if attempt > 0 {
				r.logger.Info("retry succeeded", zap.Int("attempt", attempt))
			}
			return nil
		}
	}

	r.logger.Warn("retries exhausted",
		zap.Int("attempts", r.policy.MaxRetries+1),
		zap.Error(lastErr),
	)
	return fmt.Errorf("failed after %d retries: %w", r.policy.MaxRetries, lastErr)
}

// calculateDelay 计算第 attempt 次重试前的延迟。
// delay = initial * base^(attempt-1)，上限 MaxDelay。
func (r *Retryer) calculateDelay(attempt int) time.Duration {
	delay := float64(r.policy.InitialDelay) * math.Pow(r.policy.ExponentialBase, float64(attempt-1))
	if delay > float64(r.policy.MaxDelay) {
		delay = float64(r.policy.MaxDelay)
	}
	if r.policy.Jitter {
		jitter := delay * 0.25
		delay = delay + (rand.Float64()*2-1)*jitter
	}
	if delay < float64(r.policy.InitialDelay) {
		delay = float64(r.policy.InitialDelay)
	}
	return time.Duration(delay)
}
