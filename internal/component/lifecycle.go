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

// Package component drives workload steps through Initialize, Execute and
// Cleanup, guaranteeing release of every registered resource.
// component 包驱动工作负载步骤经历 Initialize、Execute、Cleanup，
// 保证所有已注册的资源都被释放。
package component

import (
	"context"
	"errors"
	"time"

	"github.com/benchfleet/benchfleet/internal/failure"
	"github.com/benchfleet/benchfleet/internal/retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// State is a lifecycle state
// State 表示生命周期状态
type State string

const (
	StateCreated     State = "created"
	StateInitialized State = "initialized"
	StateExecuting   State = "executing"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
	StateCleanedUp   State = "cleaned_up"
)

// DefaultCleanupTimeout bounds Cleanup after the run context is gone
const DefaultCleanupTimeout = 30 * time.Second

// Component is one unit of work
// Component 表示一个工作单元
type Component interface {
	Name() string

	// Initialize prepares dependencies. Execute never runs if it fails.
	// Initialize 准备依赖，失败时不会执行 Execute。
	Initialize(ctx context.Context, rc *Context) error

	// Execute does the work, registering resources on the stack as they are acquired
	// Execute 执行工作，并在获取资源时将其注册到清理栈
	Execute(ctx context.Context, rc *Context, stack *CleanupStack) error
}

// Cleaner is implemented by components with their own cleanup hook,
// which runs after every task on the stack.
// Cleaner 由带有自定义清理钩子的组件实现，在清理栈之后执行。
type Cleaner interface {
	Cleanup(ctx context.Context, rc *Context) error
}

// Result records one run of a component
// Result 记录组件的一次运行
type Result struct {
	Name     string
	State    State
	Outcome  State
	Err      error
	Started  time.Time
	Finished time.Time
}

// Duration returns how long the run took
func (r Result) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Lifecycle runs components
// Lifecycle 运行组件
type Lifecycle struct {
	rc             *Context
	initPolicy     retry.Policy
	cleanupTimeout time.Duration
	onTransition   func(name string, from, to State)
}

// LifecycleOption customizes a Lifecycle
type LifecycleOption func(*Lifecycle)

// WithInitializePolicy retries Initialize; the predicate defaults to
// failure.Retryable so only dependency and API failures are retried
// WithInitializePolicy 为 Initialize 配置重试策略
func WithInitializePolicy(p retry.Policy) LifecycleOption {
	return func(l *Lifecycle) {
		if p.Retryable == nil {
			p.Retryable = failure.Retryable
		}
		l.initPolicy = p
	}
}

// WithCleanupTimeout bounds the cleanup phase
func WithCleanupTimeout(d time.Duration) LifecycleOption {
	return func(l *Lifecycle) { l.cleanupTimeout = d }
}

// WithTransitionHook observes every state change
// WithTransitionHook 观察每一次状态变化
func WithTransitionHook(fn func(name string, from, to State)) LifecycleOption {
	return func(l *Lifecycle) { l.onTransition = fn }
}

// NewLifecycle creates a lifecycle bound to the runtime context
func NewLifecycle(rc *Context, opts ...LifecycleOption) *Lifecycle {
	l := &Lifecycle{
		rc:             NewContext(rc),
		initPolicy:     retry.None(),
		cleanupTimeout: DefaultCleanupTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run drives comp through the state machine
// Created → Initialized → Executing → {Completed|Failed|Cancelled} → CleanedUp.
// Cleanup always runs. The returned error is classified.
// Run 驱动组件完成状态机，Cleanup 总会执行，返回的错误已分类。
func (l *Lifecycle) Run(ctx context.Context, comp Component) Result {
	log := l.rc.Logger.With(zap.String("component", comp.Name()), zap.String("run_id", l.rc.RunID))
	res := Result{Name: comp.Name(), State: StateCreated, Started: time.Now()}
	stack := NewCleanupStack(log)
	moveTo := func(next State) {
		if l.onTransition != nil {
			l.onTransition(res.Name, res.State, next)
		}
		res.State = next
	}

	var runErr error
	initErr := l.initialize(ctx, comp, log)

	if initErr != nil {
		runErr = failure.Classify(initErr)
		res.Outcome = outcomeOf(runErr)
		log.Warn("[Lifecycle] initialize failed", zap.Error(runErr))
	} else {
		moveTo(StateInitialized)
		log.Debug("[Lifecycle] initialized")

		moveTo(StateExecuting)
		runErr = l.execute(ctx, comp, stack)
		res.Outcome = outcomeOf(runErr)
	}

	// A cancelled run kills its in-flight processes before it reports Cancelled
	// 取消的运行先终止在途进程，再转换到 Cancelled
	var cleanupErr error
	if res.Outcome == StateCancelled {
		cleanupErr = l.cleanup(ctx, comp, stack, log)
		moveTo(res.Outcome)
	} else {
		moveTo(res.Outcome)
		cleanupErr = l.cleanup(ctx, comp, stack, log)
	}

	if cleanupErr != nil {
		log.Warn("[Lifecycle] cleanup reported errors", zap.Error(cleanupErr))
		if runErr == nil {
			runErr = failure.Classify(cleanupErr)
			res.Outcome = StateFailed
		}
	}
	moveTo(StateCleanedUp)
	res.Err = runErr
	res.Finished = time.Now()

	if runErr != nil {
		log.Error("[Lifecycle] component failed",
			zap.String("outcome", string(res.Outcome)),
			zap.String("kind", string(failure.KindOf(runErr))),
			zap.String("reason", string(failure.ReasonOf(runErr))),
			zap.Error(runErr))
	} else {
		log.Info("[Lifecycle] component completed", zap.Duration("duration", res.Duration()))
	}
	return res
}

func (l *Lifecycle) initialize(ctx context.Context, comp Component, log *zap.Logger) error {
	if l.initPolicy.MaxAttempts <= 1 {
		return comp.Initialize(ctx, l.rc)
	}
	return retry.Run(ctx, l.initPolicy, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			log.Info("[Lifecycle] retrying initialize", zap.Int("attempt", attempt))
		}
		return comp.Initialize(ctx, l.rc)
	})
}

func (l *Lifecycle) execute(ctx context.Context, comp Component, stack *CleanupStack) (err error) {
	execCtx := stack.bindBackground(ctx)
	defer func() {
		if r := recover(); r != nil {
			err = failure.New(failure.WorkloadFailed, "panic in %s: %v", comp.Name(), r)
		}
		bgErr := stack.stopBackground()
		if bgErr != nil && (err == nil || errors.Is(err, context.Canceled)) && ctx.Err() == nil {
			err = bgErr
		}
		err = failure.Classify(err)
	}()
	return comp.Execute(execCtx, l.rc, stack)
}

// cleanup 在不受取消影响的上下文中执行清理栈和组件钩子
func (l *Lifecycle) cleanup(ctx context.Context, comp Component, stack *CleanupStack, log *zap.Logger) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cleanupTimeout)
	defer cancel()

	errs := []error{stack.Close(cctx)}
	if c, ok := comp.(Cleaner); ok {
		if err := c.Cleanup(cctx, l.rc); err != nil {
			errs = append(errs, err)
		}
	}
	log.Debug("[Lifecycle] cleaned up")
	return errors.Join(errs...)
}

func outcomeOf(err error) State {
	switch {
	case err == nil:
		return StateCompleted
	case failure.ReasonOf(err) == failure.Cancelled, errors.Is(err, context.Canceled):
		return StateCancelled
	default:
		return StateFailed
	}
}

// RunParallel runs each component in its own child scope. The first
// failure cancels the siblings. Results keep the input order.
// RunParallel 在各自的子作用域中并行运行组件，首个失败会取消其余组件。
func (l *Lifecycle) RunParallel(ctx context.Context, comps ...Component) ([]Result, error) {
	results := make([]Result, len(comps))
	g, gctx := errgroup.WithContext(ctx)
	for i, comp := range comps {
		i, comp := i, comp
		g.Go(func() error {
			results[i] = l.Run(gctx, comp)
			return results[i].Err
		})
	}
	return results, g.Wait()
}
