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
	"os"
	"strings"
)

// Default wrapper binaries
// 默认的包装程序
const (
	DefaultShell            = "bash"
	DefaultElevationCommand = "sudo"
)

// Wrapper transforms a command line before it is spawned.
// Implementations are pure and never touch the OS.
// Wrapper 在进程启动前转换命令行，实现必须是纯函数。
type Wrapper interface {
	Wrap(command string, args []string) (string, []string)
}

// WrapperConfig configures wrapper selection
// WrapperConfig 配置包装器的选择
type WrapperConfig struct {
	// Shell is the POSIX-compatible shell used on Windows hosts
	// Shell 是 Windows 主机上使用的 POSIX 兼容 shell
	Shell string

	// ElevationCommand is the privilege-escalation prefix on POSIX hosts
	// ElevationCommand 是 POSIX 主机上的提权前缀
	ElevationCommand string

	// AlreadyElevated skips the elevation prefix (agent runs as root)
	// AlreadyElevated 为 true 时跳过提权前缀（Agent 以 root 运行）
	AlreadyElevated bool
}

// DefaultWrapperConfig returns the defaults for the running agent
// DefaultWrapperConfig 返回当前 Agent 的默认配置
func DefaultWrapperConfig() WrapperConfig {
	return WrapperConfig{
		Shell:            DefaultShell,
		ElevationCommand: DefaultElevationCommand,
		AlreadyElevated:  os.Geteuid() == 0,
	}
}

func (c WrapperConfig) withDefaults() WrapperConfig {
	if c.Shell == "" {
		c.Shell = DefaultShell
	}
	if c.ElevationCommand == "" {
		c.ElevationCommand = DefaultElevationCommand
	}
	return c
}

// WrapperFor selects the wrapper for a platform and elevation flag:
//   - POSIX, elevated: sudo prefix (no-op when already root)
//   - Windows, elevated: POSIX-compatible login shell (bash -lc)
//   - otherwise: passthrough
//
// WrapperFor 根据平台和提权标志选择包装器。
func WrapperFor(platform Platform, elevated bool, cfg WrapperConfig) Wrapper {
	cfg = cfg.withDefaults()
	if !elevated {
		return passthroughWrapper{}
	}
	if platform.IsWindows() {
		return shellCompatWrapper{shell: cfg.Shell}
	}
	if cfg.AlreadyElevated {
		return passthroughWrapper{}
	}
	return sudoWrapper{command: cfg.ElevationCommand}
}

// passthroughWrapper leaves the command untouched
type passthroughWrapper struct{}

func (passthroughWrapper) Wrap(command string, args []string) (string, []string) {
	return command, append([]string(nil), args...)
}

// sudoWrapper prefixes the command with the elevation command
// sudoWrapper 为命令添加提权前缀
type sudoWrapper struct {
	command string
}

func (w sudoWrapper) Wrap(command string, args []string) (string, []string) {
	wrapped := make([]string, 0, len(args)+1)
	wrapped = append(wrapped, command)
	wrapped = append(wrapped, args...)
	return w.command, wrapped
}

// shellCompatWrapper runs the command line inside a POSIX login shell
// shellCompatWrapper 在 POSIX 登录 shell 中运行命令行
type shellCompatWrapper struct {
	shell string
}

func (w shellCompatWrapper) Wrap(command string, args []string) (string, []string) {
	return w.shell, []string{"-lc", JoinCommandLine(command, args)}
}

// JoinCommandLine renders a command and its arguments as a single POSIX
// shell string, single-quoting tokens that need it.
// JoinCommandLine 将命令和参数渲染为单个 POSIX shell 字符串。
func JoinCommandLine(command string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(command))
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, needsQuote) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func needsQuote(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return !strings.ContainsRune("-_./=:,+@%", r)
}
