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

// Package process runs workload binaries for the agent.
// process 包为 Agent 运行工作负载程序。
//
// This package provides:
// 此包提供：
// - Start, Wait, Kill with timeout and cancellation / 带超时和取消的启动、等待、终止
// - Process-group termination so child processes die too / 进程组终止，子进程一并结束
// - Elevation and shell wrapping per platform / 按平台提权和 shell 包装
// - Spawn and exit-code failure classification / 启动失败和退出码分类
package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benchfleet/benchfleet/internal/affinity"
	"github.com/benchfleet/benchfleet/internal/failure"
	"github.com/benchfleet/benchfleet/internal/retry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Common errors for process execution
// 进程执行的常见错误
var (
	// ErrEmptyCommand indicates no command was supplied
	// ErrEmptyCommand 表示未提供命令
	ErrEmptyCommand = errors.New("process: command is empty")

	// ErrNotStarted indicates the handle was never started
	// ErrNotStarted 表示句柄从未启动
	ErrNotStarted = errors.New("process: handle not started")

	// ErrTransientStart indicates the process died at startup with a known transient signature
	// ErrTransientStart 表示进程在启动时因已知的瞬时原因退出
	ErrTransientStart = errors.New("process: transient start failure")
)

// KillSentinel is the exit code recorded for a process terminated by a signal
// KillSentinel 是进程被信号终止时记录的退出码
const KillSentinel = -1

// DefaultKillWait bounds how long Wait waits for a killed process to be reaped
// DefaultKillWait 限制 Wait 等待被终止进程回收的时间
const DefaultKillWait = 5 * time.Second

// transientSignatures are output fragments of start failures worth retrying
// transientSignatures 是值得重试的启动失败输出片段
var transientSignatures = []string{
	"address already in use",
	"text file busy",
	"resource temporarily unavailable",
}

// State is the lifecycle state of a process handle
// State 是进程句柄的生命周期状态
type State string

const (
	// StateNotStarted indicates the process has not been spawned
	// StateNotStarted 表示进程尚未启动
	StateNotStarted State = "not_started"

	// StateRunning indicates the process is running
	// StateRunning 表示进程正在运行
	StateRunning State = "running"

	// StateExited indicates the process exited or was killed
	// StateExited 表示进程已退出或被终止
	StateExited State = "exited"
)

// Outcome describes how a Wait returned
// Outcome 描述 Wait 的返回方式
type Outcome string

const (
	OutcomeExited    Outcome = "exited"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeCancelled Outcome = "cancelled"
)

// StartOptions describes a workload process
// StartOptions 描述一个工作负载进程
type StartOptions struct {
	Command          string            `json:"command" yaml:"command"`
	Arguments        []string          `json:"arguments,omitempty" yaml:"arguments"`
	WorkingDirectory string            `json:"working_directory,omitempty" yaml:"working_directory"`
	Elevated         bool              `json:"elevated,omitempty" yaml:"elevated"`
	Affinity         *affinity.Set     `json:"-" yaml:"-"`
	Environment      map[string]string `json:"environment,omitempty" yaml:"environment"`

	// SuccessCodes are the exit codes treated as success (default {0})
	// SuccessCodes 是视为成功的退出码（默认 {0}）
	SuccessCodes []int `json:"success_codes,omitempty" yaml:"success_codes"`

	// StartupProbe is how long StartWithRetry watches for an early transient exit
	// StartupProbe 是 StartWithRetry 观察早期瞬时退出的时长
	StartupProbe time.Duration `json:"startup_probe,omitempty" yaml:"startup_probe"`
}

// Handle represents one OS process
// Handle 表示一个操作系统进程
type Handle struct {
	ID               string
	Command          string
	Arguments        []string
	WorkingDirectory string
	Elevated         bool
	SuccessCodes     []int

	mu        sync.RWMutex
	state     State
	pid       int
	startTime time.Time
	exitTime  time.Time
	exitCode  int
	waitErr   error
	killed    bool
	proc      Process

	stdout safeBuffer
	stderr safeBuffer
	done   chan struct{}
}

// State returns the current lifecycle state
func (h *Handle) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Pid returns the OS process id, or 0 before start
func (h *Handle) Pid() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.pid
}

// StartTime returns when the process was started
func (h *Handle) StartTime() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.startTime
}

// ExitTime returns when the process exited, zero while running
func (h *Handle) ExitTime() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.exitTime
}

// ExitCode returns the exit code, valid once the state is exited
func (h *Handle) ExitCode() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.exitCode
}

// StandardOutput returns the stdout captured so far
// StandardOutput 返回目前已捕获的标准输出
func (h *Handle) StandardOutput() string {
	return h.stdout.String()
}

// StandardError returns the stderr captured so far
// StandardError 返回目前已捕获的标准错误
func (h *Handle) StandardError() string {
	return h.stderr.String()
}

// Done is closed when the process has exited
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) status(outcome Outcome) ExitStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return ExitStatus{
		Command:      h.Command,
		Outcome:      outcome,
		ExitCode:     h.exitCode,
		Stdout:       h.stdout.String(),
		Stderr:       h.stderr.String(),
		StartTime:    h.startTime,
		ExitTime:     h.exitTime,
		SuccessCodes: h.SuccessCodes,
		WaitErr:      h.waitErr,
	}
}

// ExitStatus is the result of waiting on a process
// ExitStatus 是等待进程的结果
type ExitStatus struct {
	Command      string    `json:"command"`
	Outcome      Outcome   `json:"outcome"`
	ExitCode     int       `json:"exit_code"`
	Stdout       string    `json:"stdout"`
	Stderr       string    `json:"stderr"`
	StartTime    time.Time `json:"start_time"`
	ExitTime     time.Time `json:"exit_time"`
	SuccessCodes []int     `json:"success_codes,omitempty"`

	// WaitErr is a reaping error reported by the OS, if any
	// WaitErr 是操作系统报告的回收错误（如有）
	WaitErr error `json:"-"`
}

// Duration returns the wall time between start and exit
func (s ExitStatus) Duration() time.Duration {
	if s.ExitTime.IsZero() {
		return 0
	}
	return s.ExitTime.Sub(s.StartTime)
}

// Succeeded reports whether the exit code is in the success set
// Succeeded 判断退出码是否在成功集合中
func (s ExitStatus) Succeeded(successCodes ...int) bool {
	if len(successCodes) == 0 {
		successCodes = s.SuccessCodes
	}
	if len(successCodes) == 0 {
		successCodes = []int{0}
	}
	for _, c := range successCodes {
		if c == s.ExitCode {
			return true
		}
	}
	return false
}

// Err classifies the status: Cancelled on cancellation, WorkloadFailed when
// the exit code is outside successCodes (defaults to the handle's codes, then {0}).
// Err 对状态分类：取消返回 Cancelled，退出码不在成功集合中返回 WorkloadFailed。
func (s ExitStatus) Err(successCodes ...int) error {
	if s.Outcome == OutcomeCancelled {
		return failure.Wrap(failure.Cancelled, context.Canceled, "%s was cancelled", s.Command)
	}
	if s.Succeeded(successCodes...) {
		return nil
	}
	msg := fmt.Sprintf("%s exited with code %d", s.Command, s.ExitCode)
	if s.Outcome == OutcomeTimedOut {
		msg = fmt.Sprintf("%s timed out and was killed (code %d)", s.Command, s.ExitCode)
	}
	if tail := lastLine(s.Stderr); tail != "" {
		msg += ": " + tail
	}
	return failure.New(failure.WorkloadFailed, "%s", msg)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return s
}

// Option configures a Runtime
// Option 配置 Runtime
type Option func(*Runtime)

// WithStarter replaces the process spawner
func WithStarter(s Starter) Option {
	return func(r *Runtime) { r.starter = s }
}

// WithLogger sets the logger for process events
func WithLogger(l *zap.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// WithPlatform sets the target platform used for wrapper selection
func WithPlatform(p Platform) Option {
	return func(r *Runtime) { r.platform = p }
}

// WithWrapperConfig sets the shell and elevation command
func WithWrapperConfig(c WrapperConfig) Option {
	return func(r *Runtime) { r.wrapperConfig = c }
}

// WithKillGrace sends SIGTERM and waits d before SIGKILL (0 kills immediately)
// WithKillGrace 先发送 SIGTERM 并等待 d 后再发送 SIGKILL（0 表示立即终止）
func WithKillGrace(d time.Duration) Option {
	return func(r *Runtime) { r.killGrace = d }
}

// WithKillWait bounds how long a killed process may take to be reaped
func WithKillWait(d time.Duration) Option {
	return func(r *Runtime) { r.killWait = d }
}

// Runtime starts, waits on and kills workload processes
// Runtime 负责启动、等待和终止工作负载进程
type Runtime struct {
	starter       Starter
	logger        *zap.Logger
	platform      Platform
	wrapperConfig WrapperConfig
	killGrace     time.Duration
	killWait      time.Duration

	// plain and elevated wrappers are selected once
	// 普通和提权包装器只选择一次
	plain    Wrapper
	elevated Wrapper

	// handles stores running processes by handle id
	// handles 按句柄 ID 存储运行中的进程
	handles sync.Map
}

// NewRuntime creates a new Runtime instance
// NewRuntime 创建一个新的 Runtime 实例
func NewRuntime(opts ...Option) *Runtime {
	r := &Runtime{
		starter:       execStarter{waitDelay: DefaultWaitDelay},
		logger:        zap.NewNop(),
		platform:      CurrentPlatform(),
		wrapperConfig: DefaultWrapperConfig(),
		killWait:      DefaultKillWait,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.plain = WrapperFor(r.platform, false, r.wrapperConfig)
	r.elevated = WrapperFor(r.platform, true, r.wrapperConfig)
	return r
}

// Platform returns the platform the runtime targets
func (r *Runtime) Platform() Platform {
	return r.platform
}

// Start spawns a process. Spawn failures are DependencyNotFound when the
// binary or directory is missing or not executable, DependencyInstallationFailed otherwise.
// Start 启动进程。启动失败时按原因分类为 DependencyNotFound 或 DependencyInstallationFailed。
func (r *Runtime) Start(ctx context.Context, opts StartOptions) (*Handle, error) {
	if strings.TrimSpace(opts.Command) == "" {
		return nil, ErrEmptyCommand
	}

	wrapper := r.plain
	if opts.Elevated {
		wrapper = r.elevated
	}
	command, args := wrapper.Wrap(opts.Command, opts.Arguments)

	h := &Handle{
		ID:               uuid.NewString(),
		Command:          opts.Command,
		Arguments:        append([]string(nil), opts.Arguments...),
		WorkingDirectory: opts.WorkingDirectory,
		Elevated:         opts.Elevated,
		SuccessCodes:     append([]int(nil), opts.SuccessCodes...),
		state:            StateNotStarted,
		done:             make(chan struct{}),
	}

	proc, err := r.starter.Start(ctx, Spec{
		Command:  command,
		Args:     args,
		Dir:      opts.WorkingDirectory,
		Env:      buildEnv(opts.Environment),
		Affinity: opts.Affinity,
		Stdout:   &h.stdout,
		Stderr:   &h.stderr,
	})
	if err != nil {
		r.logger.Warn("process failed to start",
			zap.String("command", command), zap.Strings("args", args), zap.Error(err))
		return nil, classifySpawnError(opts.Command, err)
	}

	h.mu.Lock()
	h.proc = proc
	h.pid = proc.Pid()
	h.state = StateRunning
	h.startTime = time.Now()
	h.mu.Unlock()

	r.handles.Store(h.ID, h)
	go r.reap(h)

	r.logger.Info("process started",
		zap.String("id", h.ID), zap.Int("pid", h.pid),
		zap.String("command", command), zap.Strings("args", args),
		zap.Bool("elevated", opts.Elevated))
	return h, nil
}

// reap waits for the OS process and records its exit
func (r *Runtime) reap(h *Handle) {
	code, err := h.proc.Wait()

	h.mu.Lock()
	h.state = StateExited
	h.exitTime = time.Now()
	h.exitCode = code
	h.waitErr = err
	killed := h.killed
	h.mu.Unlock()

	r.handles.Delete(h.ID)
	close(h.done)

	r.logger.Info("process exited",
		zap.String("id", h.ID), zap.Int("pid", h.Pid()), zap.String("command", h.Command),
		zap.Int("exit_code", code), zap.Bool("killed", killed), zap.Error(err))
}

// Wait waits for the process to exit, the timeout to elapse (timeout <= 0
// means no timeout) or ctx to be done. On timeout the process is killed and
// the status reports OutcomeTimedOut with no error; on cancellation the
// process is killed and a Cancelled failure wrapping ctx.Err() is returned.
// Wait 等待进程退出、超时或 ctx 结束。超时时终止进程并返回 OutcomeTimedOut；
// 取消时终止进程并返回包装 ctx.Err() 的 Cancelled 失败。
func (r *Runtime) Wait(ctx context.Context, h *Handle, timeout time.Duration) (ExitStatus, error) {
	if h == nil || h.State() == StateNotStarted {
		return ExitStatus{}, ErrNotStarted
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-h.done:
		return h.status(OutcomeExited), nil
	case <-expired:
		r.logger.Warn("process timed out",
			zap.String("id", h.ID), zap.String("command", h.Command), zap.Duration("timeout", timeout))
		r.Kill(h)
		r.awaitExit(h)
		return h.status(OutcomeTimedOut), nil
	case <-ctx.Done():
		r.Kill(h)
		r.awaitExit(h)
		return h.status(OutcomeCancelled), failure.Wrap(failure.Cancelled, ctx.Err(), "wait for %s", h.Command)
	}
}

func (r *Runtime) awaitExit(h *Handle) {
	timer := time.NewTimer(r.killWait)
	defer timer.Stop()
	select {
	case <-h.done:
	case <-timer.C:
		r.logger.Error("killed process was not reaped in time",
			zap.String("id", h.ID), zap.Int("pid", h.Pid()), zap.Duration("wait", r.killWait))
	}
}

// Kill terminates the process group. It is idempotent and a no-op on
// handles that never started or already exited.
// Kill 终止进程组，幂等，对未启动或已退出的句柄不做任何操作。
func (r *Runtime) Kill(h *Handle) {
	if h == nil {
		return
	}

	h.mu.Lock()
	if h.state != StateRunning || h.killed {
		h.mu.Unlock()
		return
	}
	h.killed = true
	proc := h.proc
	h.mu.Unlock()

	if r.killGrace > 0 {
		if err := proc.Terminate(); err != nil {
			r.logger.Warn("failed to send SIGTERM", zap.String("id", h.ID), zap.Error(err))
		}
		timer := time.NewTimer(r.killGrace)
		select {
		case <-h.done:
			timer.Stop()
			r.logger.Info("process terminated", zap.String("id", h.ID), zap.Int("pid", h.Pid()))
			return
		case <-timer.C:
		}
	}

	if err := proc.Kill(); err != nil {
		r.logger.Warn("failed to kill process", zap.String("id", h.ID), zap.Int("pid", h.Pid()), zap.Error(err))
		return
	}
	r.logger.Info("process killed", zap.String("id", h.ID), zap.Int("pid", h.Pid()), zap.String("command", h.Command))
}

// Running returns the handles of live processes ordered by start time
// Running 返回按启动时间排序的存活进程句柄
func (r *Runtime) Running() []*Handle {
	var out []*Handle
	r.handles.Range(func(_, value any) bool {
		out = append(out, value.(*Handle))
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime().Before(out[j].StartTime())
	})
	return out
}

// KillAll kills every live process, used on agent shutdown
// KillAll 终止所有存活进程，在 Agent 关闭时使用
func (r *Runtime) KillAll() int {
	handles := r.Running()
	for _, h := range handles {
		r.Kill(h)
	}
	return len(handles)
}

// StartWithRetry starts a process, retrying transient start failures.
// When opts.StartupProbe > 0, a process that exits inside the probe window
// with a transient signature in its output counts as a failed start.
// StartWithRetry 启动进程并重试瞬时启动失败。
func (r *Runtime) StartWithRetry(ctx context.Context, opts StartOptions, policy retry.Policy) (*Handle, error) {
	if policy.Retryable == nil {
		policy.Retryable = TransientStartFailure
	}
	return retry.Do(ctx, policy, func(ctx context.Context, attempt int) (*Handle, error) {
		h, err := r.Start(ctx, opts)
		if err != nil {
			return nil, err
		}
		if opts.StartupProbe <= 0 {
			return h, nil
		}

		probe := time.NewTimer(opts.StartupProbe)
		defer probe.Stop()
		select {
		case <-h.done:
			st := h.status(OutcomeExited)
			if !st.Succeeded() && hasTransientSignature(st.Stdout+"\n"+st.Stderr) {
				r.logger.Warn("transient start failure, retrying",
					zap.String("command", opts.Command), zap.Int("attempt", attempt), zap.Int("exit_code", st.ExitCode))
				return nil, fmt.Errorf("%w: %s exited with code %d: %s",
					ErrTransientStart, opts.Command, st.ExitCode, lastLine(st.Stderr))
			}
			return h, nil
		case <-probe.C:
			return h, nil
		case <-ctx.Done():
			r.Kill(h)
			return nil, ctx.Err()
		}
	})
}

// TransientStartFailure is the retry predicate for process starts
// TransientStartFailure 是进程启动的重试谓词
func TransientStartFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransientStart) {
		return true
	}
	return hasTransientSignature(err.Error())
}

func hasTransientSignature(s string) bool {
	s = strings.ToLower(s)
	for _, sig := range transientSignatures {
		if strings.Contains(s, sig) {
			return true
		}
	}
	return false
}

func classifySpawnError(command string, err error) error {
	var f *failure.Error
	if errors.As(err, &f) {
		return err
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		return failure.Wrap(failure.DependencyNotFound, err, "cannot start %s", command)
	}
	return failure.Wrap(failure.DependencyInstallationFailed, err, "cannot start %s", command)
}

func buildEnv(extra map[string]string) []string {
	if len(extra) == 0 {
		return nil
	}
	env := os.Environ()
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
