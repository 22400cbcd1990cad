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

package process

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benchfleet/benchfleet/internal/failure"
	"github.com/benchfleet/benchfleet/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeProcess never exits until it is killed, terminated (when honoured) or released
type fakeProcess struct {
	pid        int
	exit       chan int
	once       sync.Once
	kills      atomic.Int32
	terms      atomic.Int32
	honourTerm bool
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, exit: make(chan int, 1)}
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Wait() (int, error) {
	return <-p.exit, nil
}

func (p *fakeProcess) release(code int) {
	p.once.Do(func() { p.exit <- code })
}

func (p *fakeProcess) Terminate() error {
	p.terms.Add(1)
	if p.honourTerm {
		p.release(143)
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.kills.Add(1)
	p.release(KillSentinel)
	return nil
}

// fakeStarter hands out scripted processes and records every spec
type fakeStarter struct {
	mu     sync.Mutex
	specs  []Spec
	script []func(spec Spec) (Process, error)
}

func (s *fakeStarter) Start(_ context.Context, spec Spec) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.specs = append(s.specs, spec)
	if len(s.script) == 0 {
		return nil, errors.New("fake starter: no scripted process")
	}
	next := s.script[0]
	if len(s.script) > 1 {
		s.script = s.script[1:]
	}
	return next(spec)
}

func (s *fakeStarter) starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.specs)
}

func newTestRuntime(t *testing.T, starter Starter, opts ...Option) *Runtime {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	base := []Option{
		WithStarter(starter),
		WithLogger(logger),
		WithPlatform(Platform{OS: OSLinux, Arch: ArchAMD64}),
		WithWrapperConfig(WrapperConfig{AlreadyElevated: false}),
		WithKillWait(time.Second),
	}
	return NewRuntime(append(base, opts...)...)
}

func TestWaitTimeoutKillsExactlyOnce(t *testing.T) {
	proc := newFakeProcess(4242)
	starter := &fakeStarter{script: []func(Spec) (Process, error){
		func(Spec) (Process, error) { return proc, nil },
	}}
	rt := newTestRuntime(t, starter)

	h, err := rt.Start(context.Background(), StartOptions{Command: "fio"})
	require.NoError(t, err)
	assert.Equal(t, StateRunning, h.State())
	assert.Len(t, rt.Running(), 1)

	begin := time.Now()
	status, err := rt.Wait(context.Background(), h, 100*time.Millisecond)
	elapsed := time.Since(begin)

	require.NoError(t, err)
	assert.Equal(t, OutcomeTimedOut, status.Outcome)
	assert.Less(t, elapsed, time.Second)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Equal(t, int32(1), proc.kills.Load())

	// Kill after exit is a no-op / 退出后再次 Kill 不做任何操作
	rt.Kill(h)
	rt.Kill(h)
	assert.Equal(t, int32(1), proc.kills.Load())
	assert.Equal(t, StateExited, h.State())
	assert.Empty(t, rt.Running())

	assert.Equal(t, KillSentinel, status.ExitCode)
	assert.NoError(t, status.Err(0, KillSentinel))
	assert.Equal(t, failure.WorkloadFailed, failure.ReasonOf(status.Err()))
}

// reapErrProcess exits immediately with an OS reaping error
type reapErrProcess struct{ err error }

func (p reapErrProcess) Pid() int { return 9 }
func (p reapErrProcess) Wait() (int, error) { return KillSentinel, p.err }
func (p reapErrProcess) Terminate() error { return nil }
func (p reapErrProcess) Kill() error { return nil }

func TestWaitReportsReapError(t *testing.T) {
	reapErr := errors.New("wait: no child processes")
	starter := &fakeStarter{script: []func(Spec) (Process, error){
		func(Spec) (Process, error) { return reapErrProcess{err: reapErr}, nil },
	}}
	rt := newTestRuntime(t, starter)

	h, err := rt.Start(context.Background(), StartOptions{Command: "fio"})
	require.NoError(t, err)

	status, err := rt.Wait(context.Background(), h, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, KillSentinel, status.ExitCode)
	assert.ErrorIs(t, status.WaitErr, reapErr)

	// 回收错误与退出码分类互不影响
	assert.Equal(t, failure.WorkloadFailed, failure.ReasonOf(status.Err()))
	assert.NoError(t, status.Err(KillSentinel))
}

func TestWaitNaturalExit(t *testing.T) {
	proc := newFakeProcess(7)
	starter := &fakeStarter{script: []func(Spec) (Process, error){
		func(spec Spec) (Process, error) {
			_, _ = fmt.Fprint(spec.Stdout, "read: IOPS=1000\n")
			_, _ = fmt.Fprint(spec.Stderr, "warning\n")
			proc.release(0)
			return proc, nil
		},
	}}
	rt := newTestRuntime(t, starter)

	h, err := rt.Start(context.Background(), StartOptions{Command: "fio", Arguments: []string{"--name=seq"}})
	require.NoError(t, err)

	status, err := rt.Wait(context.Background(), h, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExited, status.Outcome)
	assert.Equal(t, 0, status.ExitCode)
	assert.Equal(t, "read: IOPS=1000\n", status.Stdout)
	assert.Equal(t, "warning\n", status.Stderr)
	assert.NoError(t, status.Err())
	assert.Equal(t, int32(0), proc.kills.Load())
	assert.False(t, h.ExitTime().Before(h.StartTime()))
}

func TestWaitCancellation(t *testing.T) {
	proc := newFakeProcess(9)
	starter := &fakeStarter{script: []func(Spec) (Process, error){
		func(Spec) (Process, error) { return proc, nil },
	}}
	rt := newTestRuntime(t, starter)

	h, err := rt.Start(context.Background(), StartOptions{Command: "iperf3", Arguments: []string{"-s"}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	status, err := rt.Wait(ctx, h, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, failure.Cancelled, failure.ReasonOf(err))
	assert.Equal(t, OutcomeCancelled, status.Outcome)
	assert.Equal(t, int32(1), proc.kills.Load())
	assert.ErrorIs(t, status.Err(), context.Canceled)
}

func TestKillNotStartedIsNoop(t *testing.T) {
	rt := newTestRuntime(t, &fakeStarter{})
	assert.NotPanics(t, func() {
		rt.Kill(nil)
		rt.Kill(&Handle{state: StateNotStarted, done: make(chan struct{})})
	})

	_, err := rt.Wait(context.Background(), &Handle{state: StateNotStarted}, time.Second)
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestKillGraceTerminatesFirst(t *testing.T) {
	proc := newFakeProcess(11)
	proc.honourTerm = true
	starter := &fakeStarter{script: []func(Spec) (Process, error){
		func(Spec) (Process, error) { return proc, nil },
	}}
	rt := newTestRuntime(t, starter, WithKillGrace(time.Second))

	h, err := rt.Start(context.Background(), StartOptions{Command: "server"})
	require.NoError(t, err)

	rt.Kill(h)
	<-h.Done()
	assert.Equal(t, int32(1), proc.terms.Load())
	assert.Equal(t, int32(0), proc.kills.Load())
	assert.Equal(t, 143, h.ExitCode())
}

func TestStartSpawnFailureClassification(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		reason failure.Reason
	}{
		{"missing binary", &exec.Error{Name: "fio", Err: exec.ErrNotFound}, failure.DependencyNotFound},
		{"other", errors.New("fork/exec: resource exhausted"), failure.DependencyInstallationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			starter := &fakeStarter{script: []func(Spec) (Process, error){
				func(Spec) (Process, error) { return nil, tt.err },
			}}
			rt := newTestRuntime(t, starter)
			h, err := rt.Start(context.Background(), StartOptions{Command: "fio"})
			assert.Nil(t, h)
			assert.Equal(t, tt.reason, failure.ReasonOf(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestStartEmptyCommand(t *testing.T) {
	rt := newTestRuntime(t, &fakeStarter{})
	_, err := rt.Start(context.Background(), StartOptions{Command: "  "})
	assert.ErrorIs(t, err, ErrEmptyCommand)
}

func TestStartElevatedIsWrapped(t *testing.T) {
	proc := newFakeProcess(1)
	proc.release(0)
	starter := &fakeStarter{script: []func(Spec) (Process, error){
		func(Spec) (Process, error) { return proc, nil },
	}}
	rt := newTestRuntime(t, starter)

	_, err := rt.Start(context.Background(), StartOptions{
		Command:          "/opt/bench/run.sh",
		Arguments:        []string{"--threads", "4"},
		WorkingDirectory: "/opt/bench",
		Elevated:         true,
		Environment:      map[string]string{"BENCH_MODE": "quick"},
	})
	require.NoError(t, err)

	require.Equal(t, 1, starter.starts())
	spec := starter.specs[0]
	assert.Equal(t, "sudo", spec.Command)
	assert.Equal(t, []string{"/opt/bench/run.sh", "--threads", "4"}, spec.Args)
	assert.Equal(t, "/opt/bench", spec.Dir)
	assert.Contains(t, spec.Env, "BENCH_MODE=quick")
}

func TestStartWithRetryTransientSignature(t *testing.T) {
	first := newFakeProcess(100)
	second := newFakeProcess(101)
	starter := &fakeStarter{script: []func(Spec) (Process, error){
		func(spec Spec) (Process, error) {
			_, _ = fmt.Fprint(spec.Stderr, "iperf3: error - unable to start listener: Address already in use\n")
			first.release(1)
			return first, nil
		},
		func(Spec) (Process, error) { return second, nil },
	}}
	rt := newTestRuntime(t, starter)

	policy := retry.Policy{MaxAttempts: 3, Backoff: retry.Constant(time.Millisecond)}
	h, err := rt.StartWithRetry(context.Background(), StartOptions{
		Command:      "iperf3",
		Arguments:    []string{"-s"},
		StartupProbe: 50 * time.Millisecond,
	}, policy)
	require.NoError(t, err)
	assert.Equal(t, 101, h.Pid())
	assert.Equal(t, 2, starter.starts())

	rt.Kill(h)
	<-h.Done()
}

func TestStartWithRetryNonTransientFailsFast(t *testing.T) {
	starter := &fakeStarter{script: []func(Spec) (Process, error){
		func(Spec) (Process, error) { return nil, &exec.Error{Name: "fio", Err: exec.ErrNotFound} },
	}}
	rt := newTestRuntime(t, starter)

	_, err := rt.StartWithRetry(context.Background(), StartOptions{Command: "fio"}, retry.Policy{
		MaxAttempts: 5, Backoff: retry.Constant(time.Millisecond),
	})
	assert.Equal(t, failure.DependencyNotFound, failure.ReasonOf(err))
	assert.Equal(t, 1, starter.starts())
}

func TestTransientStartFailure(t *testing.T) {
	assert.True(t, TransientStartFailure(ErrTransientStart))
	assert.True(t, TransientStartFailure(errors.New("fork/exec /usr/bin/fio: text file busy")))
	assert.False(t, TransientStartFailure(errors.New("permission denied")))
	assert.False(t, TransientStartFailure(nil))
}

func TestKillAll(t *testing.T) {
	procs := []*fakeProcess{newFakeProcess(1), newFakeProcess(2)}
	i := 0
	starter := &fakeStarter{script: []func(Spec) (Process, error){
		func(Spec) (Process, error) { p := procs[i]; i++; return p, nil },
	}}
	rt := newTestRuntime(t, starter)

	h1, err := rt.Start(context.Background(), StartOptions{Command: "a"})
	require.NoError(t, err)
	h2, err := rt.Start(context.Background(), StartOptions{Command: "b"})
	require.NoError(t, err)

	assert.Equal(t, 2, rt.KillAll())
	<-h1.Done()
	<-h2.Done()
	assert.Empty(t, rt.Running())
	for _, p := range procs {
		assert.Equal(t, int32(1), p.kills.Load())
	}
}

func TestExitStatusErr(t *testing.T) {
	st := ExitStatus{Command: "fio", Outcome: OutcomeExited, ExitCode: 2, Stderr: "line one\nfatal: no disk\n"}
	err := st.Err()
	require.Error(t, err)
	assert.Equal(t, failure.WorkloadFailed, failure.ReasonOf(err))
	assert.Contains(t, err.Error(), "fatal: no disk")

	assert.NoError(t, st.Err(0, 2))

	st.SuccessCodes = []int{2}
	assert.NoError(t, st.Err())
}

func TestPlatformValidate(t *testing.T) {
	assert.NoError(t, Platform{OS: OSLinux, Arch: ArchARM64}.Validate())
	assert.Equal(t, failure.PlatformNotSupported, failure.ReasonOf(Platform{OS: "plan9", Arch: ArchAMD64}.Validate()))
	assert.Equal(t, failure.ProcessorArchitectureNotSupported, failure.ReasonOf(Platform{OS: OSLinux, Arch: "386"}.Validate()))

	p, err := ParsePlatform("linux-x64")
	require.NoError(t, err)
	assert.Equal(t, Platform{OS: OSLinux, Arch: ArchAMD64}, p)
	assert.Equal(t, "linux/amd64", p.String())

	_, err = ParsePlatform("linux")
	assert.Error(t, err)
}
