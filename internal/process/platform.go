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
	"fmt"
	"runtime"
	"strings"

	"github.com/benchfleet/benchfleet/internal/failure"
)

// Operating systems and architectures the agent runs on
// Agent 支持的操作系统和架构
const (
	OSLinux   = "linux"
	OSWindows = "windows"
	OSDarwin  = "darwin"

	ArchAMD64 = "amd64"
	ArchARM64 = "arm64"
)

// Platform identifies the OS and CPU architecture a command targets
// Platform 标识命令面向的操作系统和 CPU 架构
type Platform struct {
	OS   string `json:"os" yaml:"os"`
	Arch string `json:"arch" yaml:"arch"`
}

// CurrentPlatform returns the platform of the running agent
// CurrentPlatform 返回当前 Agent 运行的平台
func CurrentPlatform() Platform {
	return Platform{OS: runtime.GOOS, Arch: runtime.GOARCH}
}

// ParsePlatform parses "os/arch" or "os-arch"
// ParsePlatform 解析 "os/arch" 或 "os-arch"
func ParsePlatform(s string) (Platform, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	sep := "/"
	if !strings.Contains(s, sep) {
		sep = "-"
	}
	osName, arch, ok := strings.Cut(s, sep)
	if !ok || osName == "" || arch == "" {
		return Platform{}, fmt.Errorf("invalid platform %q, expected os/arch", s)
	}
	switch arch {
	case "x64", "x86_64":
		arch = ArchAMD64
	case "aarch64":
		arch = ArchARM64
	}
	return Platform{OS: osName, Arch: arch}, nil
}

func (p Platform) String() string {
	return p.OS + "/" + p.Arch
}

// IsWindows reports whether the platform is Windows
func (p Platform) IsWindows() bool {
	return p.OS == OSWindows
}

// IsLinux reports whether the platform is Linux
func (p Platform) IsLinux() bool {
	return p.OS == OSLinux
}

// Validate fails with PlatformNotSupported or ProcessorArchitectureNotSupported
// when the agent cannot run workloads on the platform.
// Validate 在平台不受支持时返回 PlatformNotSupported 或 ProcessorArchitectureNotSupported。
func (p Platform) Validate() error {
	switch p.OS {
	case OSLinux, OSWindows, OSDarwin:
	default:
		return failure.New(failure.PlatformNotSupported, "operating system %q is not supported", p.OS)
	}
	switch p.Arch {
	case ArchAMD64, ArchARM64:
	default:
		return failure.New(failure.ProcessorArchitectureNotSupported, "architecture %q is not supported", p.Arch)
	}
	return nil
}
