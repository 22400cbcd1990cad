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
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benchfleet/benchfleet/internal/layout"
	"github.com/benchfleet/benchfleet/internal/process"
	"github.com/benchfleet/benchfleet/internal/stateclient"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNoPeer indicates the layout has no instance with the requested role
var ErrNoPeer = errors.New("component: no peer with role")

// Context is the process-wide runtime context shared by every component
// of one agent run.
// Context 是一次 Agent 运行中所有组件共享的运行时上下文。
type Context struct {
	// RunID identifies this run across the fleet
	RunID string

	// Layout is nil when the agent runs standalone
	Layout *layout.Layout

	// Instance is the local entry of Layout, valid when HasInstance is true
	Instance    layout.ClientInstance
	HasInstance bool

	Platform process.Platform
	Runtime  *process.Runtime

	// State is the client of the local agent's state API
	State *stateclient.Client

	// APIPort is the port peers serve their state API on
	APIPort int

	// ClientOptions are applied to peer clients created by Peer
	ClientOptions []stateclient.Option

	Logger *zap.Logger

	rebootRequested atomic.Bool

	peersMu sync.Mutex
	peers   map[string]*stateclient.Client
}

// NewContext fills defaults: a fresh run id, a nop logger and the current platform
// NewContext 填充默认值：新的运行 ID、空日志记录器和当前平台
func NewContext(c *Context) *Context {
	if c == nil {
		c = &Context{}
	}
	if c.RunID == "" {
		c.RunID = uuid.NewString()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Platform == (process.Platform{}) {
		c.Platform = process.CurrentPlatform()
	}
	if c.Runtime == nil {
		c.Runtime = process.NewRuntime(process.WithLogger(c.Logger), process.WithPlatform(c.Platform))
	}
	return c
}

// Role returns the local role, empty when standalone
// Role 返回本机角色，独立运行时为空
func (c *Context) Role() string {
	if !c.HasInstance {
		return ""
	}
	return c.Instance.Role
}

// Standalone reports whether the agent has no entry in the layout
func (c *Context) Standalone() bool {
	return !c.HasInstance
}

// RequestReboot flags that the host must reboot after the run
// RequestReboot 标记运行结束后主机需要重启
func (c *Context) RequestReboot() {
	c.rebootRequested.Store(true)
}

// RebootRequested reports whether any component requested a reboot
func (c *Context) RebootRequested() bool {
	return c.rebootRequested.Load()
}

// Peer returns a client for the first layout instance with role.
// Clients are cached per instance name.
// Peer 返回布局中第一个具有该角色的实例的客户端。
func (c *Context) Peer(role string) (*stateclient.Client, error) {
	if c.Layout == nil {
		return nil, fmt.Errorf("%w %q: agent is standalone", ErrNoPeer, role)
	}
	instances := c.Layout.InstancesWithRole(role)
	if len(instances) == 0 {
		return nil, fmt.Errorf("%w %q", ErrNoPeer, role)
	}
	inst := instances[0]

	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	if client, ok := c.peers[inst.Name]; ok {
		return client, nil
	}
	opts := append([]stateclient.Option{stateclient.WithLogger(c.Logger)}, c.ClientOptions...)
	client, err := stateclient.ForInstance(inst, c.APIPort, opts...)
	if err != nil {
		return nil, err
	}
	if c.peers == nil {
		c.peers = make(map[string]*stateclient.Client)
	}
	c.peers[inst.Name] = client
	return client, nil
}
