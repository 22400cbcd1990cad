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

// Package layout models the environment layout: the set of agents taking
// part in a multi-machine run, their addresses and roles.
// layout 包描述环境布局：参与多机运行的 Agent 集合、地址和角色。
package layout

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/benchfleet/benchfleet/internal/failure"
	"gopkg.in/yaml.v3"
)

// Well-known roles
// 常用角色
const (
	RoleClient = "Client"
	RoleServer = "Server"
)

// ClientInstance is one agent in the layout
// ClientInstance 是布局中的一个 Agent
type ClientInstance struct {
	Name      string `json:"name" yaml:"name"`
	IPAddress string `json:"ipAddress" yaml:"ipAddress"`
	Role      string `json:"role" yaml:"role"`
}

// HasRole reports whether the instance plays role (case-insensitive)
func (c ClientInstance) HasRole(role string) bool {
	return strings.EqualFold(c.Role, role)
}

func (c ClientInstance) String() string {
	return fmt.Sprintf("%s(%s, %s)", c.Name, c.IPAddress, c.Role)
}

// Identity is how the local agent recognises itself in a layout
// Identity 是本地 Agent 在布局中识别自身的方式
type Identity struct {
	Name        string
	IPAddresses []string
}

// matches reports whether the instance refers to this identity by name or IP
func (id Identity) matches(c ClientInstance) bool {
	if id.Name != "" && strings.EqualFold(id.Name, c.Name) {
		return true
	}
	want := net.ParseIP(c.IPAddress)
	for _, addr := range id.IPAddresses {
		if want != nil {
			if ip := net.ParseIP(addr); ip != nil && ip.Equal(want) {
				return true
			}
			continue
		}
		if strings.EqualFold(addr, c.IPAddress) {
			return true
		}
	}
	return false
}

// LocalIdentity builds the identity of this machine from its hostname and
// interface addresses
// LocalIdentity 根据主机名和网卡地址构建本机身份
func LocalIdentity() (Identity, error) {
	name, err := os.Hostname()
	if err != nil {
		return Identity{}, fmt.Errorf("failed to get hostname: %w", err)
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return Identity{}, fmt.Errorf("failed to list interface addresses: %w", err)
	}

	id := Identity{Name: name}
	for _, addr := range addrs {
		var ip net.IP
		switch v := addr.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip == nil || ip.IsLoopback() {
			continue
		}
		id.IPAddresses = append(id.IPAddresses, ip.String())
	}
	return id, nil
}

// Layout is an ordered set of client instances, unique by name
// Layout 是按名称唯一的有序客户端实例集合
type Layout struct {
	instances []ClientInstance
}

// file is the on-disk layout document
type file struct {
	Clients []ClientInstance `yaml:"clients"`
}

// New validates instances and builds a Layout. Names are unique
// (case-insensitive); name, address and role must be set.
// New 校验实例并构建 Layout，名称不区分大小写且必须唯一。
func New(instances []ClientInstance) (*Layout, error) {
	seen := make(map[string]struct{}, len(instances))
	out := make([]ClientInstance, 0, len(instances))
	for i, inst := range instances {
		inst.Name = strings.TrimSpace(inst.Name)
		inst.IPAddress = strings.TrimSpace(inst.IPAddress)
		inst.Role = strings.TrimSpace(inst.Role)

		switch {
		case inst.Name == "":
			return nil, failure.New(failure.EnvironmentLayoutInvalid, "client %d: name is required", i)
		case inst.IPAddress == "":
			return nil, failure.New(failure.EnvironmentLayoutInvalid, "client %q: ipAddress is required", inst.Name)
		case inst.Role == "":
			return nil, failure.New(failure.EnvironmentLayoutInvalid, "client %q: role is required", inst.Name)
		}

		key := strings.ToLower(inst.Name)
		if _, dup := seen[key]; dup {
			return nil, failure.New(failure.EnvironmentLayoutClientInstanceDuplicates,
				"client name %q appears more than once", inst.Name)
		}
		seen[key] = struct{}{}
		out = append(out, inst)
	}
	return &Layout{instances: out}, nil
}

// Parse parses a YAML (or JSON) layout document
// Parse 解析 YAML（或 JSON）布局文档
func Parse(data []byte) (*Layout, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, failure.Wrap(failure.EnvironmentLayoutInvalid, err, "failed to parse layout")
	}
	return New(f.Clients)
}

// Load reads a layout file
// Load 读取布局文件
func Load(path string) (*Layout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, failure.Wrap(failure.EnvironmentLayoutInvalid, err, "failed to read layout %s", path)
	}
	return Parse(data)
}

// Instances returns a copy of all instances in layout order
func (l *Layout) Instances() []ClientInstance {
	if l == nil {
		return nil
	}
	return append([]ClientInstance(nil), l.instances...)
}

// Len returns the number of instances
func (l *Layout) Len() int {
	if l == nil {
		return 0
	}
	return len(l.instances)
}

// Resolve finds the instance matching the local identity by name or IP.
// Zero matches return ok=false (standalone, no error); more than one match
// fails with EnvironmentLayoutClientInstanceDuplicates.
// Resolve 按名称或 IP 匹配本地身份。无匹配返回 ok=false（独立运行），多于一个匹配则失败。
func (l *Layout) Resolve(id Identity) (ClientInstance, bool, error) {
	if l == nil {
		return ClientInstance{}, false, nil
	}

	var matches []ClientInstance
	for _, inst := range l.instances {
		if id.matches(inst) {
			matches = append(matches, inst)
		}
	}

	switch len(matches) {
	case 0:
		return ClientInstance{}, false, nil
	case 1:
		return matches[0], true, nil
	default:
		names := make([]string, 0, len(matches))
		for _, m := range matches {
			names = append(names, m.String())
		}
		return ClientInstance{}, false, failure.New(failure.EnvironmentLayoutClientInstanceDuplicates,
			"local identity %q matches %d clients: %s", id.Name, len(matches), strings.Join(names, ", "))
	}
}

// InstancesWithRole returns the instances playing role, in layout order
// InstancesWithRole 按布局顺序返回扮演指定角色的实例
func (l *Layout) InstancesWithRole(role string) []ClientInstance {
	if l == nil {
		return nil
	}
	var out []ClientInstance
	for _, inst := range l.instances {
		if inst.HasRole(role) {
			out = append(out, inst)
		}
	}
	return out
}
