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
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/benchfleet/benchfleet/internal/affinity"
	"github.com/benchfleet/benchfleet/internal/process"
	"github.com/benchfleet/benchfleet/internal/retry"
	"gopkg.in/yaml.v3"
)

// Defaults for state rendezvous in profile steps
// 配置步骤中状态汇合的默认值
const (
	DefaultStateTimeout  = 5 * time.Minute
	DefaultStateInterval = 5 * time.Second
)

// ErrInvalidProfile indicates a malformed profile file
var ErrInvalidProfile = errors.New("executor: invalid profile")

// Profile is an ordered list of workload steps
// Profile 是有序的工作负载步骤列表
type Profile struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// Step describes one workload process and its rendezvous points
// Step 描述一个工作负载进程及其汇合点
type Step struct {
	Name             string            `yaml:"name"`
	Role             string            `yaml:"role"`
	Command          string            `yaml:"command"`
	Arguments        []string          `yaml:"arguments"`
	WorkingDirectory string            `yaml:"working_directory"`
	Environment      map[string]string `yaml:"environment"`
	Elevated         bool              `yaml:"elevated"`
	SuccessCodes     []int             `yaml:"success_codes"`
	Timeout          time.Duration     `yaml:"timeout"`
	Affinity         string            `yaml:"affinity"`
	Parser           string            `yaml:"parser"`

	// AwaitState blocks the step until a peer publishes this id
	// AwaitState 使步骤阻塞直到对端发布该 id
	AwaitState string `yaml:"await_state"`

	// AwaitRole selects the peer whose state API is polled; empty polls the local API
	// AwaitRole 指定被轮询状态 API 的对端角色，为空时轮询本机 API
	AwaitRole string `yaml:"await_role"`

	// PublishState is written to the local state API after the step succeeds
	// PublishState 在步骤成功后写入本机状态 API
	PublishState   string         `yaml:"publish_state"`
	PublishPayload map[string]any `yaml:"publish_payload"`

	StateTimeout  time.Duration `yaml:"state_timeout"`
	StateInterval time.Duration `yaml:"state_interval"`
}

// ParseProfile parses and validates a YAML profile
// ParseProfile 解析并校验 YAML 配置文件
func ParseProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidProfile, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadProfile reads a profile from disk
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile %s: %w", path, err)
	}
	return ParseProfile(data)
}

// Validate checks every step
func (p *Profile) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: no steps", ErrInvalidProfile)
	}
	seen := make(map[string]bool, len(p.Steps))
	for i, s := range p.Steps {
		if s.Name == "" {
			return fmt.Errorf("%w: step %d has no name", ErrInvalidProfile, i+1)
		}
		key := strings.ToLower(s.Name)
		if seen[key] {
			return fmt.Errorf("%w: duplicate step %q", ErrInvalidProfile, s.Name)
		}
		seen[key] = true
		if s.Command == "" {
			return fmt.Errorf("%w: step %q has no command", ErrInvalidProfile, s.Name)
		}
		if s.Timeout < 0 || s.StateTimeout < 0 || s.StateInterval < 0 {
			return fmt.Errorf("%w: step %q has a negative duration", ErrInvalidProfile, s.Name)
		}
		if s.Affinity != "" {
			if _, err := affinity.Parse(s.Affinity); err != nil {
				return fmt.Errorf("%w: step %q: %w", ErrInvalidProfile, s.Name, err)
			}
		}
		if _, err := ParserFor(s.Parser); err != nil {
			return fmt.Errorf("%w: step %q: %w", ErrInvalidProfile, s.Name, err)
		}
	}
	return nil
}

// StepsFor returns the steps an agent with role runs, in order.
// Steps without a role run everywhere; a standalone agent (empty role)
// runs only those.
// StepsFor 返回指定角色的 Agent 需要执行的步骤。
func (p *Profile) StepsFor(role string) []Step {
	out := make([]Step, 0, len(p.Steps))
	for _, s := range p.Steps {
		if s.Role == "" || (role != "" && strings.EqualFold(s.Role, role)) {
			out = append(out, s)
		}
	}
	return out
}

// StartOptions converts the step to runtime options
// StartOptions 将步骤转换为运行时选项
func (s Step) StartOptions() (process.StartOptions, error) {
	opts := process.StartOptions{
		Command:          s.Command,
		Arguments:        append([]string(nil), s.Arguments...),
		WorkingDirectory: s.WorkingDirectory,
		Elevated:         s.Elevated,
		Environment:      s.Environment,
		SuccessCodes:     append([]int(nil), s.SuccessCodes...),
	}
	if s.Affinity != "" {
		set, err := affinity.Parse(s.Affinity)
		if err != nil {
			return process.StartOptions{}, err
		}
		opts.Affinity = &set
	}
	return opts, nil
}

// StatePolicy returns the rendezvous policy: constant interval until the
// state timeout is spent
// StatePolicy 返回汇合策略：以固定间隔轮询直到超时
func (s Step) StatePolicy() retry.Policy {
	timeout, interval := s.StateTimeout, s.StateInterval
	if timeout <= 0 {
		timeout = DefaultStateTimeout
	}
	if interval <= 0 {
		interval = DefaultStateInterval
	}
	attempts := int(timeout/interval) + 1
	return retry.Policy{MaxAttempts: attempts, Backoff: retry.Constant(interval)}
}
