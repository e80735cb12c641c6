// Package gretry 为可恢复的挂起操作提供带退避的重试。
package gretry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/sofiworker/gcap/gerr"
)

// Strategy 退避策略
type Strategy string

const (
	StrategyExponential Strategy = "exponential"
	StrategyLinear      Strategy = "linear"
	StrategyFixed       Strategy = "fixed"
)

// JitterType 抖动类型
type JitterType string

const (
	JitterNone  JitterType = "none"
	JitterFull  JitterType = "full"
	JitterEqual JitterType = "equal"
)

// Policy 重试策略配置。MaxRetries 小于 0 表示只受 ctx 约束。
type Policy struct {
	MaxRetries        int           `json:"max_retries"`
	Delay             time.Duration `json:"delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	Strategy          Strategy      `json:"strategy"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	Jitter            JitterType    `json:"jitter"`

	// ShouldRetry 默认只重试 gerr.ErrWouldBlock。
	ShouldRetry func(error) bool `json:"-"`
	// OnRetry 每次等待前调用。
	OnRetry func(attempt int, delay time.Duration, err error) `json:"-"`
}

// Result 重试结果
type Result struct {
	Attempts int
	Elapsed  time.Duration
	Err      error
}

// Success 是否最终成功。
func (r *Result) Success() bool {
	return r.Err == nil
}

// DefaultPolicy 适用于等待传输就绪的短间隔退避。
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        20,
		Delay:             time.Millisecond,
		MaxDelay:          100 * time.Millisecond,
		Strategy:          StrategyExponential,
		BackoffMultiplier: 2,
		Jitter:            JitterNone,
		ShouldRetry:       gerr.IsWouldBlock,
	}
}

// Option 配置选项函数
type Option func(*Policy)

func WithMaxRetries(n int) Option {
	return func(p *Policy) { p.MaxRetries = n }
}

func WithDelay(d time.Duration) Option {
	return func(p *Policy) { p.Delay = d }
}

func WithMaxDelay(d time.Duration) Option {
	return func(p *Policy) { p.MaxDelay = d }
}

func WithStrategy(s Strategy) Option {
	return func(p *Policy) { p.Strategy = s }
}

func WithBackoffMultiplier(m float64) Option {
	return func(p *Policy) { p.BackoffMultiplier = m }
}

func WithJitter(j JitterType) Option {
	return func(p *Policy) { p.Jitter = j }
}

// WithShouldRetry 设置自定义重试判断函数
func WithShouldRetry(fn func(error) bool) Option {
	return func(p *Policy) { p.ShouldRetry = fn }
}

// WithOnRetry 设置重试回调函数
func WithOnRetry(fn func(attempt int, delay time.Duration, err error)) Option {
	return func(p *Policy) { p.OnRetry = fn }
}

// NewPolicy 在默认策略上应用选项。
func NewPolicy(opts ...Option) Policy {
	p := DefaultPolicy()
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// Do 执行 fn，直到成功、遇到不可重试的错误、次数用尽或 ctx 结束。
func Do(ctx context.Context, fn func() error, opts ...Option) *Result {
	return DoPolicy(ctx, NewPolicy(opts...), fn)
}

// DoPolicy 与 Do 相同，但直接使用给定策略。
func DoPolicy(ctx context.Context, p Policy, fn func() error) *Result {
	start := time.Now()
	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = gerr.IsWouldBlock
	}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return &Result{Attempts: attempt, Elapsed: time.Since(start), Err: err}
		}

		err := fn()
		if err == nil {
			return &Result{Attempts: attempt + 1, Elapsed: time.Since(start)}
		}
		if !shouldRetry(err) {
			return &Result{Attempts: attempt + 1, Elapsed: time.Since(start), Err: err}
		}
		if p.MaxRetries >= 0 && attempt >= p.MaxRetries {
			return &Result{
				Attempts: attempt + 1,
				Elapsed:  time.Since(start),
				Err:      fmt.Errorf("gretry: gave up after %d attempts: %w", attempt+1, err),
			}
		}

		delay := p.delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &Result{Attempts: attempt + 1, Elapsed: time.Since(start), Err: ctx.Err()}
		case <-timer.C:
		}
	}
}

func (p Policy) delay(attempt int) time.Duration {
	var d time.Duration
	switch p.Strategy {
	case StrategyLinear:
		d = p.Delay * time.Duration(attempt+1)
	case StrategyFixed:
		d = p.Delay
	default:
		m := p.BackoffMultiplier
		if m <= 0 {
			m = 2
		}
		d = time.Duration(float64(p.Delay) * math.Pow(m, float64(attempt)))
	}
	if p.MaxDelay > 0 && (d > p.MaxDelay || d < 0) {
		d = p.MaxDelay
	}

	switch p.Jitter {
	case JitterFull:
		d = time.Duration(rand.Float64() * float64(d))
	case JitterEqual:
		half := float64(d) / 2
		d = time.Duration(half + rand.Float64()*half)
	}
	return d
}
