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

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var errFlaky = errors.New("flaky")

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, Backoff: Constant(time.Millisecond), Retryable: Always}
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fastPolicy(5), func(ctx context.Context, attempt int) (string, error) {
		calls++
		assert.Equal(t, calls, attempt)
		if attempt < 3 {
			return "", errFlaky
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustion(t *testing.T) {
	calls := 0
	err := Run(context.Background(), fastPolicy(4), func(ctx context.Context, attempt int) error {
		calls++
		return errFlaky
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAttemptsExhausted)
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 4, calls)
}

func TestDoTerminalAbortsImmediately(t *testing.T) {
	calls := 0
	err := Run(context.Background(), fastPolicy(5), func(ctx context.Context, attempt int) error {
		calls++
		return Terminal(errFlaky)
	})
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, errFlaky)
	assert.NotErrorIs(t, err, ErrAttemptsExhausted)
	assert.False(t, IsTerminal(err))
}

func TestDoPredicateRejects(t *testing.T) {
	calls := 0
	policy := fastPolicy(5).WithRetryable(func(err error) bool { return !errors.Is(err, errFlaky) })
	err := Run(context.Background(), policy, func(ctx context.Context, attempt int) error {
		calls++
		return errFlaky
	})
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, errFlaky)
}

func TestDoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := Policy{MaxAttempts: 10, Backoff: Constant(time.Hour)}

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, policy, func(ctx context.Context, attempt int) error { return errFlaky })
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestDoCancelledBeforeFirstAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := Run(ctx, Default(), func(ctx context.Context, attempt int) error {
		called = true
		return nil
	})
	assert.False(t, called)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoffs(t *testing.T) {
	linear := Linear(100 * time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, linear(1))
	assert.Equal(t, 300*time.Millisecond, linear(3))

	assert.Equal(t, 5*time.Second, Constant(5*time.Second)(7))

	exp := Exponential(time.Second, 10*time.Second, 2)
	assert.Equal(t, time.Second, exp(1))
	assert.Equal(t, 4*time.Second, exp(3))
	assert.Equal(t, 10*time.Second, exp(10))
}

func TestBudget(t *testing.T) {
	p := Policy{MaxAttempts: 5, Backoff: Linear(time.Second)}
	// waits before attempts 2..5: 1s + 2s + 3s + 4s
	assert.Equal(t, 10*time.Second, p.Budget())
	assert.Equal(t, time.Duration(0), None().Budget())
}

// TestCalculateBackoffProperty checks the backoff is bounded and monotonic
// TestCalculateBackoffProperty 检查退避时间有界且单调
func TestCalculateBackoffProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		initial := time.Duration(rapid.Int64Range(1, int64(time.Second)).Draw(t, "initial"))
		maxInterval := time.Duration(rapid.Int64Range(int64(initial), int64(time.Minute)).Draw(t, "max"))
		factor := rapid.Float64Range(1.0, 4.0).Draw(t, "factor")
		attempt := rapid.IntRange(1, 60).Draw(t, "attempt")

		cur := CalculateBackoff(attempt, initial, maxInterval, factor)
		next := CalculateBackoff(attempt+1, initial, maxInterval, factor)

		if cur < initial || cur > maxInterval {
			t.Fatalf("backoff %v outside [%v, %v]", cur, initial, maxInterval)
		}
		if next < cur {
			t.Fatalf("backoff decreased: attempt %d=%v, attempt %d=%v", attempt, cur, attempt+1, next)
		}
	})
}
