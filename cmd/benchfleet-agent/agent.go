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

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/benchfleet/benchfleet/internal/api"
	"github.com/benchfleet/benchfleet/internal/component"
	"github.com/benchfleet/benchfleet/internal/config"
	"github.com/benchfleet/benchfleet/internal/executor"
	"github.com/benchfleet/benchfleet/internal/failure"
	"github.com/benchfleet/benchfleet/internal/layout"
	"github.com/benchfleet/benchfleet/internal/process"
	"github.com/benchfleet/benchfleet/internal/retry"
	"github.com/benchfleet/benchfleet/internal/state"
	"github.com/benchfleet/benchfleet/internal/stateclient"
	"go.uber.org/zap"
)

// ErrAlreadyRunning is returned when Run or Serve is called twice
var ErrAlreadyRunning = errors.New("agent is already running / Agent 已在运行")

// Agent wires the state API, the process runtime and the profile driver
// Agent 组装状态 API、进程运行时和配置驱动器
type Agent struct {
	// config holds the agent configuration
	// config 保存 Agent 配置
	config *config.Config

	log *zap.Logger

	// ctx is the root context, cancelled by Shutdown
	// ctx 是根上下文，由 Shutdown 取消
	ctx    context.Context
	cancel context.CancelFunc

	runtime *process.Runtime
	store   state.Store
	server  *api.Server

	// results holds the component results of the last run
	results []component.Result

	running bool
	mu      sync.RWMutex
}

// NewAgent creates a new Agent instance
// NewAgent 创建一个新的 Agent 实例
func NewAgent(cfg *config.Config, log *zap.Logger) *Agent {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	wrapperCfg := process.DefaultWrapperConfig()
	wrapperCfg.Shell = cfg.Process.Shell
	wrapperCfg.ElevationCommand = cfg.Process.ElevationCommand

	rt := process.NewRuntime(
		process.WithLogger(log.Named("process")),
		process.WithWrapperConfig(wrapperCfg),
		process.WithKillGrace(cfg.Process.KillGrace),
	)

	return &Agent{
		config:  cfg,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		runtime: rt,
	}
}

func (a *Agent) markRunning() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return ErrAlreadyRunning
	}
	a.running = true
	return nil
}

// retryPolicy 根据配置构建 HTTP 调用的重试策略
func (a *Agent) retryPolicy(pred retry.Predicate) retry.Policy {
	return retry.Policy{
		MaxAttempts: a.config.Retry.MaxAttempts,
		Backoff:     retry.Linear(a.config.Retry.BaseDelay),
		Retryable:   pred,
	}
}

// startAPI opens the state store and serves it when the API is enabled
// startAPI 打开状态存储并在启用 API 时提供服务
func (a *Agent) startAPI() error {
	store, err := state.Open(a.ctx, a.config.State, a.log.Named("state"))
	if err != nil {
		return fmt.Errorf("failed to open state store: %w / 打开状态存储失败", err)
	}
	var server *api.Server
	if a.config.API.Enabled {
		server = api.NewServer(a.config.API.Addr(), store, a.log.Named("api"),
			api.WithServiceName(a.config.Telemetry.ServiceName))
	}

	a.mu.Lock()
	a.store = store
	a.server = server
	a.mu.Unlock()

	if server == nil {
		a.log.Info("[Agent] state API is disabled / 状态 API 已禁用")
		return nil
	}
	return server.Start(a.ctx)
}

// resolveInstance 在环境布局中查找本机实例
func (a *Agent) resolveInstance() (*layout.Layout, layout.ClientInstance, bool, error) {
	if a.config.Layout.File == "" {
		return nil, layout.ClientInstance{}, false, nil
	}
	l, err := layout.Load(a.config.Layout.File)
	if err != nil {
		return nil, layout.ClientInstance{}, false, err
	}

	id, err := layout.LocalIdentity()
	if err != nil {
		a.log.Warn("[Agent] failed to read local interfaces", zap.Error(err))
	}
	if a.config.Agent.Name != "" {
		id.Name = a.config.Agent.Name
	}
	inst, ok, err := l.Resolve(id)
	if err != nil {
		return nil, layout.ClientInstance{}, false, err
	}
	return l, inst, ok, nil
}

// newRuntimeContext builds the context shared by every component of the run
func (a *Agent) newRuntimeContext() (*component.Context, error) {
	l, inst, ok, err := a.resolveInstance()
	if err != nil {
		return nil, err
	}

	clientOpts := []stateclient.Option{
		stateclient.WithLogger(a.log.Named("stateclient")),
		stateclient.WithReadPolicy(stateclient.DefaultReadPolicy().
			WithMaxAttempts(a.config.Retry.MaxAttempts).
			WithBackoff(retry.Linear(a.config.Retry.BaseDelay))),
		stateclient.WithWritePolicy(a.retryPolicy(stateclient.HTTPRetryable)),
	}

	rc := &component.Context{
		RunID:         a.config.Agent.RunID,
		Layout:        l,
		Instance:      inst,
		HasInstance:   ok,
		Platform:      a.runtime.Platform(),
		Runtime:       a.runtime,
		APIPort:       a.config.API.Port,
		ClientOptions: clientOpts,
		Logger:        a.log,
	}
	if a.server != nil {
		local, err := stateclient.New(loopbackAddr(a.server.Addr()), clientOpts...)
		if err != nil {
			return nil, err
		}
		rc.State = local
	}
	rc = component.NewContext(rc)

	if ok {
		a.log.Info("[Agent] resolved local instance / 已解析本机实例",
			zap.String("name", inst.Name), zap.String("role", inst.Role), zap.String("run_id", rc.RunID))
	} else {
		a.log.Info("[Agent] running standalone / 独立运行", zap.String("run_id", rc.RunID))
	}
	return rc, nil
}

// Run starts the state API and executes the profile
// Run 启动状态 API 并执行配置文件
func (a *Agent) Run() error {
	if err := a.markRunning(); err != nil {
		return err
	}

	fmt.Println("========================================")
	fmt.Println("  BenchFleet Agent Starting...")
	fmt.Println("  BenchFleet Agent 正在启动...")
	fmt.Println("========================================")
	fmt.Printf("Version: %s, Commit: %s, Build: %s\n", Version, GitCommit, BuildTime)

	fmt.Println("[1/4] Starting state API... / 启动状态 API...")
	if err := a.startAPI(); err != nil {
		return err
	}

	fmt.Println("[2/4] Resolving environment layout... / 解析环境布局...")
	rc, err := a.newRuntimeContext()
	if err != nil {
		return err
	}

	fmt.Println("[3/4] Loading profile... / 加载配置文件...")
	if a.config.Profile.File == "" {
		return errors.New("profile.file is required / 必须指定 profile.file")
	}
	profile, err := executor.LoadProfile(a.config.Profile.File)
	if err != nil {
		return err
	}

	fmt.Println("[4/4] Running steps... / 运行步骤...")
	lifecycle := component.NewLifecycle(rc,
		component.WithInitializePolicy(a.retryPolicy(nil)))
	startPolicy := a.retryPolicy(process.TransientStartFailure)
	results, err := executor.NewDriver(rc, lifecycle, executor.WithStartPolicy(startPolicy)).Run(a.ctx, profile)

	a.mu.Lock()
	a.results = results
	a.mu.Unlock()

	for _, res := range results {
		fmt.Printf("  %-24s %-10s %s\n", res.Name, res.Outcome, res.Duration().Round(time.Millisecond))
	}
	if rc.RebootRequested() {
		fmt.Println("Reboot requested by a component / 组件请求重启主机")
	}
	return err
}

// Linger keeps the state API up after a run so peers can still read the
// documents this agent published. It returns when api.linger elapses or
// Shutdown is called; a negative api.linger waits for Shutdown only.
// Linger 在运行结束后继续提供状态 API，使对端仍可读取本机发布的文档。
func (a *Agent) Linger() {
	a.mu.RLock()
	server := a.server
	a.mu.RUnlock()

	d := a.config.API.Linger
	if server == nil || d == 0 {
		return
	}

	if d < 0 {
		fmt.Printf("Serving state API on %s until interrupted / 持续提供状态 API 直到中断\n", server.Addr())
		<-a.ctx.Done()
		return
	}

	fmt.Printf("Serving state API on %s for %s / 继续提供状态 API %s\n", server.Addr(), d, d)
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-a.ctx.Done():
	}
}

// RunAndLinger runs the profile, then lingers; the run error is returned
// RunAndLinger 运行配置后继续提供 API，返回运行错误
func (a *Agent) RunAndLinger() error {
	err := a.Run()
	a.Linger()
	return err
}

// Serve runs only the state API until Shutdown
// Serve 仅运行状态 API 直到 Shutdown
func (a *Agent) Serve() error {
	if err := a.markRunning(); err != nil {
		return err
	}
	if err := a.startAPI(); err != nil {
		return err
	}
	<-a.ctx.Done()
	return nil
}

// Results returns the component results of the last run
func (a *Agent) Results() []component.Result {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]component.Result(nil), a.results...)
}

// Shutdown kills workloads, stops the API and closes the store
// Shutdown 终止工作负载、停止 API 并关闭存储
func (a *Agent) Shutdown() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		a.cancel()
		return
	}
	a.running = false
	server, store := a.server, a.store
	a.mu.Unlock()

	fmt.Println("[1/3] Cancelling run... / 取消运行...")
	a.cancel()

	fmt.Println("[2/3] Killing workloads... / 终止工作负载...")
	if n := a.runtime.KillAll(); n > 0 {
		a.log.Warn("[Agent] killed running workloads", zap.Int("count", n))
	}

	fmt.Println("[3/3] Stopping state API... / 停止状态 API...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), api.DefaultShutdownTimeout)
	defer shutdownCancel()
	if server != nil {
		if err := server.Stop(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Error stopping state API: %v / 警告：停止状态 API 出错\n", err)
		}
	}
	if store != nil {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Error closing state store: %v / 警告：关闭状态存储出错\n", err)
		}
	}
}

// describeFailure renders kind, reason and message for the operator
// describeFailure 为操作员渲染失败的类别、原因和消息
func describeFailure(err error) string {
	err = failure.Classify(err)
	return fmt.Sprintf("kind=%s reason=%s: %v", failure.KindOf(err), failure.ReasonOf(err), err)
}

// loopbackAddr 将通配监听地址转换为本机回环地址
func loopbackAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
