/*
 * Licensed to the Apache Software Foundation (ASF) under one or more
 * contributor license agreements.  See the NOTICE file distributed with
 * this work for additional information regarding copyright ownership.
 * The ASF licenses this file to You under the Apache License, Version 2.0
 * (the "License"); you may not use this file except in compliance with
 * the License.  You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package retry provides the backoff-retry wrapper used by the process
// runtime and the state client.
// retry 包提供进程运行时和状态客户端使用的退避重试封装。
//
// A Policy is injectable per call site so that each coordination point can
// tune its attempt count and backoff independently.
// Policy 可在每个调用点注入，使每个协调点可以独立调整尝试次数和退避策略。
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Default values for retry policies
// 重试策略的默认值
const (
	DefaultMaxAttempts    = 5
	DefaultBaseDelay      = 1 * time.Second
	DefaultInitialBackoff = 1 * time.Second  // 初始退避时间
	DefaultMaxBackoff     = 60 * time.Second // 最大退避时间
	DefaultBackoffFactor  = 2.0              // 退避因子
)

// ErrAttemptsExhausted indicates the retry budget was consumed
// ErrAttemptsExhausted 表示重试预算已耗尽
var ErrAttemptsExhausted = errors.New("retry: attempts exhausted")

// Backoff returns the delay before the given attempt (1-based, >= 2)
// Backoff 返回给定尝试前的延迟（从 1 开始计数）
type Backoff func(attempt int) time.Duration

// Predicate decides whether an error is worth another attempt
// Predicate 决定错误是否值得再次尝试
type Predicate func(err error) bool

// Policy describes how an operation is retried
// Policy 描述操作的重试方式
type Policy struct {
	// MaxAttempts is the total number of attempts including the first one
	// MaxAttempts 是包括第一次在内的总尝试次数
	MaxAttempts int

	// Backoff computes the delay before each retry (defaults to Linear(DefaultBaseDelay))
	// Backoff 计算每次重试前的延迟（默认为 Linear(DefaultBaseDelay)）
	Backoff Backoff

	// Retryable decides whether an error is retriable (defaults to Always)
	// Retryable 判断错误是否可重试（默认为 Always）
	Retryable Predicate
}

// Default returns the linear default policy retrying every non-terminal error
// Default 返回默认线性策略，重试所有非终止错误
func Default() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		Backoff:     Linear(DefaultBaseDelay),
		Retryable:   Always,
	}
}

// None returns a policy that performs a single attempt
func None() Policy {
	return Policy{MaxAttempts: 1}
}

// WithMaxAttempts returns a copy of the policy with a different attempt budget
func (p Policy) WithMaxAttempts(n int) Policy {
	p.MaxAttempts = n
	return p
}

// WithBackoff returns a copy of the policy with a different backoff
func (p Policy) WithBackoff(b Backoff) Policy {
	p.Backoff = b
	return p
}

// WithRetryable returns a copy of the policy with a different predicate
func (p Policy) WithRetryable(r Predicate) Policy {
	p.Retryable = r
	return p
}

// Budget returns the sum of all backoff delays the policy may wait for.
// Callers awaiting a peer size MaxAttempts x Backoff against this value.
// Budget 返回策略可能等待的退避延迟总和。
func (p Policy) Budget() time.Duration {
	p = p.normalized()
	var total time.Duration
	for attempt := 2; attempt <= p.MaxAttempts; attempt++ {
		total += p.Backoff(attempt - 1)
	}
	return total
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Backoff == nil {
		p.Backoff = Linear(DefaultBaseDelay)
	}
	if p.Retryable == nil {
		p.Retryable = Always
	}
	return p
}

// Linear returns attempt * base
// Linear 返回 attempt * base
func Linear(base time.Duration) Backoff {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		return time.Duration(attempt) * base
	}
}

// Constant returns the same delay for every attempt
// Constant 对每次尝试返回相同的延迟
func Constant(d time.Duration) Backoff {
	return func(int) time.Duration { return d }
}

// Exponential returns initial * factor^(attempt-1), capped at max
// Exponential 返回 initial * factor^(attempt-1)，上限为 max
func Exponential(initial, max time.Duration, factor float64) Backoff {
	return func(attempt int) time.Duration {
		return CalculateBackoff(attempt, initial, max, factor)
	}
}

// CalculateBackoff calculates the backoff duration for a given attempt number
// CalculateBackoff 计算给定尝试次数的退避时间
func CalculateBackoff(attempt int, initialInterval, maxInterval time.Duration, factor float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := float64(initialInterval) * math.Pow(factor, float64(attempt-1))
	if backoff > float64(maxInterval) || math.IsInf(backoff, 0) {
		return maxInterval
	}
	return time.Duration(backoff)
}

// Always retries every error
func Always(error) bool { return true }

// Never retries nothing
func Never(error) bool { return false }

// terminalError marks an error as never retriable
type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal marks err so that Do aborts immediately without consuming budget
// Terminal 标记错误，使 Do 立即终止且不消耗重试预算
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether err was marked terminal
func IsTerminal(err error) bool {
	var t *terminalError
	return errors.As(err, &t)
}

// Do runs op until it succeeds, returns a terminal error, the predicate
// rejects the error, the budget is exhausted, or ctx is done.
// The attempt number passed to op is 1-based.
// Do 运行 op 直到成功、返回终止错误、谓词拒绝、预算耗尽或 ctx 结束。
func Do[T any](ctx context.Context, policy Policy, op func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	policy = policy.normalized()

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
			return zero, err
		}

		result, err := op(ctx, attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if IsTerminal(err) {
			var t *terminalError
			errors.As(err, &t)
			return zero, t.err
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return zero, err
		}
		if !policy.Retryable(err) {
			return zero, err
		}
		if attempt == policy.MaxAttempts {
			break
		}

		// Wait for backoff duration / 等待退避时间
		timer := time.NewTimer(policy.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
		case <-timer.C:
		}
	}

	return zero, fmt.Errorf("%w after %d attempt(s): %w", ErrAttemptsExhausted, policy.MaxAttempts, lastErr)
}

// Run is Do for operations without a result
// Run 是用于无返回值操作的 Do
func Run(ctx context.Context, policy Policy, op func(ctx context.Context, attempt int) error) error {
	_, err := Do(ctx, policy, func(ctx context.Context, attempt int) (struct{}, error) {
		return struct{}{}, op(ctx, attempt)
	})
	return err
}
