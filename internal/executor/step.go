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

package executor

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/benchfleet/benchfleet/internal/component"
	"github.com/benchfleet/benchfleet/internal/failure"
	"github.com/benchfleet/benchfleet/internal/process"
	"github.com/benchfleet/benchfleet/internal/retry"
	"github.com/benchfleet/benchfleet/internal/stateclient"
	"go.uber.org/zap"
)

// Environment variables exported to every workload
// 导出给每个工作负载的环境变量
const (
	EnvRunID = "BENCHFLEET_RUN_ID"
	EnvRole  = "BENCHFLEET_ROLE"
	EnvStep  = "BENCHFLEET_STEP"
)

// CommandExecutor runs the command declared by a profile step
// CommandExecutor 运行配置步骤中声明的命令
type CommandExecutor struct {
	Step Step

	mu      sync.Mutex
	metrics []Metric
}

// Command builds the start options and exports run metadata
func (e *CommandExecutor) Command(ctx context.Context, rc *component.Context) (process.StartOptions, error) {
	opts, err := e.Step.StartOptions()
	if err != nil {
		return process.StartOptions{}, err
	}
	env := make(map[string]string, len(opts.Environment)+3)
	for k, v := range opts.Environment {
		env[k] = v
	}
	env[EnvRunID] = rc.RunID
	env[EnvRole] = rc.Role()
	env[EnvStep] = e.Step.Name
	opts.Environment = env
	return opts, nil
}

// Capture parses stdout when the step declares a parser
// Capture 在步骤声明了解析器时解析标准输出
func (e *CommandExecutor) Capture(ctx context.Context, status process.ExitStatus) error {
	parser, err := ParserFor(e.Step.Parser)
	if err != nil || parser == nil {
		return err
	}
	metrics, err := parser.Parse(status.Stdout)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.metrics = metrics
	e.mu.Unlock()
	return nil
}

// Metrics returns the metrics captured by the last run
func (e *CommandExecutor) Metrics() []Metric {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Metric(nil), e.metrics...)
}

// ProcessStep is the component that runs one profile step
// ProcessStep 是运行单个配置步骤的组件
type ProcessStep struct {
	step        Step
	executor    Executor
	startPolicy retry.Policy
	lookPath    func(string) (string, error)

	opts   process.StartOptions
	mu     sync.Mutex
	status process.ExitStatus
}

// StepOption customizes a ProcessStep
type StepOption func(*ProcessStep)

// WithExecutor replaces the default CommandExecutor
func WithExecutor(e Executor) StepOption {
	return func(s *ProcessStep) { s.executor = e }
}

// WithStartPolicy sets the policy for transient start failures
func WithStartPolicy(p retry.Policy) StepOption {
	return func(s *ProcessStep) { s.startPolicy = p }
}

// WithLookPath replaces the binary lookup used by Initialize
func WithLookPath(fn func(string) (string, error)) StepOption {
	return func(s *ProcessStep) { s.lookPath = fn }
}

// NewProcessStep creates the component for step
func NewProcessStep(step Step, opts ...StepOption) *ProcessStep {
	s := &ProcessStep{
		step:        step,
		executor:    &CommandExecutor{Step: step},
		startPolicy: retry.Default().WithRetryable(process.TransientStartFailure),
		lookPath:    exec.LookPath,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ProcessStep) Name() string { return s.step.Name }

// Executor returns the step's executor
func (s *ProcessStep) Executor() Executor { return s.executor }

// Status returns the exit status of the last run
func (s *ProcessStep) Status() process.ExitStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Initialize checks the platform and resolves the workload binary
// Initialize 检查平台并解析工作负载程序
func (s *ProcessStep) Initialize(ctx context.Context, rc *component.Context) error {
	if err := rc.Platform.Validate(); err != nil {
		return err
	}
	opts, err := s.executor.Command(ctx, rc)
	if err != nil {
		return err
	}
	if opts.Affinity != nil {
		if _, err := opts.Affinity.ToPlatformRepresentation(rc.Platform.OS); err != nil {
			return err
		}
	}
	// 提权命令由 shell 或 sudo 解析
	if !opts.Elevated && !strings.ContainsAny(opts.Command, `/\`) {
		if _, err := s.lookPath(opts.Command); err != nil {
			return failure.Wrap(failure.DependencyNotFound, err, "%s not found in PATH", opts.Command)
		}
	}
	s.opts = opts
	return nil
}

// Execute awaits peers, runs the workload and publishes completion
// Execute 等待对端、运行工作负载并发布完成状态
func (s *ProcessStep) Execute(ctx context.Context, rc *component.Context, stack *component.CleanupStack) error {
	log := rc.Logger.With(zap.String("step", s.step.Name))

	if s.step.AwaitState != "" {
		client, err := s.awaitClient(rc)
		if err != nil {
			return err
		}
		log.Info("[Step] awaiting peer state", zap.String("id", s.step.AwaitState), zap.String("peer", client.BaseURL()))
		if _, err := client.WaitForState(ctx, s.step.AwaitState, s.step.StatePolicy()); err != nil {
			return err
		}
	}

	h, err := rc.Runtime.StartWithRetry(ctx, s.opts, s.startPolicy)
	if err != nil {
		return err
	}
	if err := stack.Push("kill "+s.step.Name, func(context.Context) error {
		rc.Runtime.Kill(h)
		return nil
	}); err != nil {
		rc.Runtime.Kill(h)
		return err
	}

	status, err := rc.Runtime.Wait(ctx, h, s.step.Timeout)
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if err := status.Err(); err != nil {
		return err
	}
	log.Info("[Step] workload finished",
		zap.Int("exit_code", status.ExitCode),
		zap.Duration("duration", status.Duration()))

	if err := s.executor.Capture(ctx, status); err != nil {
		return err
	}

	if s.step.PublishState != "" {
		if rc.State == nil {
			return fmt.Errorf("step %s publishes %s but no state client is configured", s.step.Name, s.step.PublishState)
		}
		if _, err := rc.State.UpdateState(ctx, s.step.PublishState, s.publishPayload(rc, status)); err != nil {
			return err
		}
		log.Info("[Step] published state", zap.String("id", s.step.PublishState))
	}
	return nil
}

func (s *ProcessStep) awaitClient(rc *component.Context) (*stateclient.Client, error) {
	if s.step.AwaitRole != "" {
		return rc.Peer(s.step.AwaitRole)
	}
	if rc.State == nil {
		return nil, fmt.Errorf("step %s awaits %s but no state client is configured", s.step.Name, s.step.AwaitState)
	}
	return rc.State, nil
}

func (s *ProcessStep) publishPayload(rc *component.Context, status process.ExitStatus) map[string]any {
	payload := make(map[string]any, len(s.step.PublishPayload)+4)
	for k, v := range s.step.PublishPayload {
		payload[k] = v
	}
	payload["step"] = s.step.Name
	payload["run_id"] = rc.RunID
	payload["exit_code"] = status.ExitCode
	payload["finished_at"] = status.ExitTime
	return payload
}
