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

package component

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrStackClosed is returned by Push after Close has run
var ErrStackClosed = errors.New("component: cleanup stack already closed")

// CleanupTask releases one resource
// CleanupTask 释放一项资源
type CleanupTask func(ctx context.Context) error

type namedTask struct {
	name string
	task CleanupTask
}

// CleanupStack runs registered tasks in reverse order, each exactly once.
// It is owned by a single component run and never shared.
// CleanupStack 按注册的逆序执行清理任务，每个任务只执行一次。
type CleanupStack struct {
	log *zap.Logger

	mu     sync.Mutex
	tasks  []namedTask
	closed bool
	err    error

	bg       *errgroup.Group
	bgCtx    context.Context
	bgCancel context.CancelFunc
}

// NewCleanupStack creates an empty stack
func NewCleanupStack(log *zap.Logger) *CleanupStack {
	if log == nil {
		log = zap.NewNop()
	}
	return &CleanupStack{log: log}
}

// Push registers a task. Pushing onto a closed stack runs nothing and
// returns ErrStackClosed so the caller can release the resource itself.
// Push 注册清理任务。
func (s *CleanupStack) Push(name string, task CleanupTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStackClosed
	}
	s.tasks = append(s.tasks, namedTask{name: name, task: task})
	return nil
}

// Len returns the number of pending tasks
func (s *CleanupStack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Close runs every task LIFO. A failing task does not stop the others; all
// errors are logged and joined. Later calls return the first result.
// Close 按后进先出顺序执行所有任务，单个任务失败不影响其余任务。
func (s *CleanupStack) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		err := s.err
		s.mu.Unlock()
		return err
	}
	s.closed = true
	tasks := s.tasks
	s.tasks = nil
	s.mu.Unlock()

	var errs []error
	for i := len(tasks) - 1; i >= 0; i-- {
		t := tasks[i]
		if err := runTask(ctx, t); err != nil {
			s.log.Warn("[Cleanup] task failed", zap.String("task", t.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("cleanup %s: %w", t.name, err))
			continue
		}
		s.log.Debug("[Cleanup] task done", zap.String("task", t.name))
	}

	err := errors.Join(errs...)
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	return err
}

func runTask(ctx context.Context, t namedTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.task(ctx)
}

// bindBackground attaches the background group used during Execute
func (s *CleanupStack) bindBackground(ctx context.Context) context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	bgCtx, cancel := context.WithCancel(ctx)
	s.bg, s.bgCtx = errgroup.WithContext(bgCtx)
	s.bgCancel = cancel
	return s.bgCtx
}

// WithBackground runs op concurrently with Execute, sharing its context.
// The lifecycle cancels and awaits every background op before reporting
// Execute's result; the first background failure cancels Execute.
// WithBackground 与 Execute 并发运行 op，Execute 结果上报前会取消并等待所有后台任务。
func (s *CleanupStack) WithBackground(op func(ctx context.Context) error) {
	s.mu.Lock()
	if s.bg == nil {
		s.bg, s.bgCtx = new(errgroup.Group), context.Background()
	}
	g, ctx := s.bg, s.bgCtx
	s.mu.Unlock()
	g.Go(func() error { return op(ctx) })
}

// stopBackground cancels background ops and returns the first error that
// is not a consequence of the cancellation itself
func (s *CleanupStack) stopBackground() error {
	s.mu.Lock()
	g, cancel := s.bg, s.bgCancel
	s.mu.Unlock()
	if g == nil {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
