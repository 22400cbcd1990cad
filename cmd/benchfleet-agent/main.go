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

// Package main is the entry point for the BenchFleet agent.
// main 包是 BenchFleet Agent 的入口点。
//
// The agent runs on every benchmark host and:
// Agent 运行在每台压测主机上，负责：
// - Serves the state rendezvous API / 提供状态汇合 API
// - Resolves its role from the environment layout / 根据环境布局解析角色
// - Runs the profile steps for that role / 运行该角色的配置步骤
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/benchfleet/benchfleet/internal/config"
	"github.com/benchfleet/benchfleet/internal/failure"
	"github.com/benchfleet/benchfleet/internal/logger"
	"github.com/benchfleet/benchfleet/internal/otel_trace"
	"github.com/spf13/cobra"
)

// Version information, set at build time
// 版本信息，在构建时设置
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "benchfleet-agent",
	Short: "BenchFleet Agent - benchmark workload driver for fleet hosts",
	Long: `BenchFleet Agent runs on every host of a benchmark environment.
BenchFleet Agent 运行在压测环境的每台主机上。

It coordinates with its peers through a small HTTP state API to:
它通过轻量的 HTTP 状态 API 与对端协作，用于：
- Resolve the local role from the environment layout / 根据环境布局解析本机角色
- Run profile steps as managed components / 以受管组件方式运行配置步骤
- Await and publish rendezvous documents / 等待和发布汇合文档`,
	RunE: runAgent,
}

// runCmd is an explicit alias of the root command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the profile for the local role / 运行本机角色的配置",
	RunE:  runAgent,
}

// apiCmd serves the state store only
// apiCmd 仅提供状态存储服务
var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Serve the state API until interrupted / 提供状态 API 直到中断",
	RunE:  runAPI,
}

// versionCmd shows version information
// versionCmd 显示版本信息
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information / 打印版本信息",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "BenchFleet Agent\n")
		fmt.Fprintf(out, "  Version:    %s\n", Version)
		fmt.Fprintf(out, "  Git Commit: %s\n", GitCommit)
		fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
		fmt.Fprintf(out, "  Go Version: %s\n", runtime.Version())
		fmt.Fprintf(out, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

// Command line flags
// 命令行标志
var (
	configFile  string
	profileFile string
	layoutFile  string
	lingerFor   string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (default: "+config.DefaultConfigPath+")")
	rootCmd.PersistentFlags().StringVar(&profileFile, "profile", "", "profile file path, overrides profile.file")
	rootCmd.PersistentFlags().StringVar(&layoutFile, "layout", "", "environment layout file path, overrides layout.file")
	rootCmd.PersistentFlags().StringVar(&lingerFor, "linger", "", "serve the state API this long after the run (e.g. 10m, -1s until interrupted), overrides api.linger")

	rootCmd.AddCommand(runCmd, apiCmd, versionCmd)
}

// commandArgs collects the flags that override the config file
// commandArgs 收集覆盖配置文件的命令行参数
func commandArgs() map[string]any {
	args := map[string]any{}
	if profileFile != "" {
		args["profile.file"] = profileFile
	}
	if layoutFile != "" {
		args["layout.file"] = layoutFile
	}
	if lingerFor != "" {
		args["api.linger"] = lingerFor
	}
	return args
}

// setup loads and validates the config, then initializes logging and tracing
// setup 加载并验证配置，然后初始化日志和链路追踪
func setup() (*config.Config, func(), error) {
	cfg, err := config.LoadWithPriority(configFile, commandArgs())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w / 加载配置失败", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w / 无效配置", err)
	}

	if _, err := logger.Init(cfg.Log); err != nil {
		return nil, nil, fmt.Errorf("failed to init logger: %w / 初始化日志失败", err)
	}
	otel_trace.Init(context.Background(), cfg.Telemetry)

	teardown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		otel_trace.Shutdown(ctx)
		logger.Sync()
	}
	return cfg, teardown, nil
}

// waitFor runs fn until it returns or a shutdown signal arrives
// waitFor 运行 fn，直到其返回或收到关闭信号
func waitFor(agent *Agent, fn func() error) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	errChan := make(chan error, 1)
	go func() {
		errChan <- fn()
	}()

	select {
	case sig := <-sigChan:
		fmt.Printf("\nReceived signal: %v / 收到信号：%v\n", sig, sig)
		agent.Shutdown()
		// A run that finished before the signal still reports its failure
		// 信号之前已结束的运行仍需报告失败
		if err := <-errChan; err != nil && failure.ReasonOf(failure.Classify(err)) != failure.Cancelled {
			return err
		}
		return nil
	case err := <-errChan:
		agent.Shutdown()
		return err
	}
}

// runAgent is the main entry point for the profile driver
// runAgent 是配置驱动器的主入口点
func runAgent(cmd *cobra.Command, args []string) error {
	cfg, teardown, err := setup()
	if err != nil {
		return err
	}
	defer teardown()

	agent := NewAgent(cfg, logger.L())
	if err := waitFor(agent, agent.RunAndLinger); err != nil {
		return fmt.Errorf("run failed: %s", describeFailure(err))
	}
	fmt.Println("Run completed / 运行完成")
	return nil
}

// runAPI serves the state API until a signal arrives
// runAPI 提供状态 API 直到收到信号
func runAPI(cmd *cobra.Command, args []string) error {
	cfg, teardown, err := setup()
	if err != nil {
		return err
	}
	defer teardown()

	cfg.API.Enabled = true
	agent := NewAgent(cfg, logger.L())
	fmt.Printf("State API listening on %s / 状态 API 监听于 %s\n", cfg.API.Addr(), cfg.API.Addr())
	return waitFor(agent, agent.Serve)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
