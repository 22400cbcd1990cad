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
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/benchfleet/benchfleet/internal/affinity"
)

// DefaultWaitDelay bounds how long output copying may outlive the process
// DefaultWaitDelay 限制进程退出后输出复制的最长时间
const DefaultWaitDelay = 2 * time.Second

// Spec is a fully wrapped command ready to spawn
// Spec 是已包装、可直接启动的命令
type Spec struct {
	Command  string
	Args     []string
	Dir      string
	Env      []string
	Affinity *affinity.Set
	Stdout   io.Writer
	Stderr   io.Writer
}

// Process is a spawned OS process
// Process 表示已启动的操作系统进程
type Process interface {
	// Pid returns the OS process id
	Pid() int

	// Wait blocks until the process exits and returns its exit code
	// Wait 阻塞直到进程退出并返回退出码
	Wait() (int, error)

	// Terminate asks the process group to stop (SIGTERM)
	Terminate() error

	// Kill forcibly stops the process group (SIGKILL)
	Kill() error
}

// Starter spawns processes. The runtime uses execStarter; tests inject fakes.
// Starter 负责启动进程，运行时使用 execStarter，测试可注入替身。
type Starter interface {
	Start(ctx context.Context, spec Spec) (Process, error)
}

// execStarter spawns real OS processes through os/exec
type execStarter struct {
	waitDelay time.Duration
}

func (s execStarter) Start(ctx context.Context, spec Spec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// The process is not bound to ctx: Runtime.Wait owns cancellation
	// 进程不绑定 ctx，取消由 Runtime.Wait 负责
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.WaitDelay = s.waitDelay
	setProcGroupAttr(cmd)

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &execProcess{cmd: cmd}
	if spec.Affinity != nil {
		if err := applyAffinity(cmd.Process.Pid, *spec.Affinity); err != nil {
			_ = p.Kill()
			_, _ = p.Wait()
			return nil, err
		}
	}
	return p, nil
}

// execProcess adapts exec.Cmd to Process
type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	// Output copying exceeded WaitDelay; the process itself has exited
	// 输出复制超过 WaitDelay，进程本身已退出
	if errors.Is(err, exec.ErrWaitDelay) && p.cmd.ProcessState != nil {
		return p.cmd.ProcessState.ExitCode(), nil
	}
	return KillSentinel, err
}

func (p *execProcess) Terminate() error {
	return ignoreDone(terminateProcessGroup(p.cmd))
}

func (p *execProcess) Kill() error {
	return ignoreDone(killProcessGroup(p.cmd))
}

func ignoreDone(err error) error {
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
