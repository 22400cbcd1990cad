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
	"bytes"
	"context"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/benchfleet/benchfleet/internal/config"
	"github.com/benchfleet/benchfleet/internal/failure"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConfig(apiEnabled bool) *config.Config {
	return &config.Config{
		Agent: config.AgentConfig{ID: "test-agent", RunID: "run-1"},
		API:   config.APIConfig{Enabled: apiEnabled, Host: "127.0.0.1", Port: 0},
		State: config.StateConfig{Backend: config.BackendMemory},
		Retry: config.RetryConfig{MaxAttempts: 2, BaseDelay: 10 * time.Millisecond},
		Log:   config.LogConfig{Level: "info"},
	}
}

func TestNewAgent(t *testing.T) {
	cfg := newTestConfig(true)

	agent := NewAgent(cfg, nil)
	require.NotNil(t, agent)
	assert.Equal(t, cfg, agent.config)
	assert.NotNil(t, agent.ctx)
	assert.NotNil(t, agent.cancel)
	assert.NotNil(t, agent.runtime)
	assert.NotNil(t, agent.log)
}

func TestAgentShutdownBeforeRun(t *testing.T) {
	agent := NewAgent(newTestConfig(true), nil)
	agent.Shutdown()
	assert.Error(t, agent.ctx.Err())
}

func TestAgentServeAndShutdown(t *testing.T) {
	agent := NewAgent(newTestConfig(true), nil)

	done := make(chan error, 1)
	go func() {
		done <- agent.Serve()
	}()

	require.Eventually(t, func() bool {
		agent.mu.RLock()
		defer agent.mu.RUnlock()
		return agent.server != nil
	}, 2*time.Second, 10*time.Millisecond)

	// heartbeat 必须可达
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + agent.server.Addr() + "/api/heartbeat")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	agent.Shutdown()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Agent did not shutdown in time")
	}
}

func TestAgentRunTwice(t *testing.T) {
	agent := NewAgent(newTestConfig(false), nil)
	t.Cleanup(agent.Shutdown)

	require.NoError(t, agent.markRunning())
	assert.ErrorIs(t, agent.Run(), ErrAlreadyRunning)
}

func TestAgentRunRequiresProfile(t *testing.T) {
	agent := NewAgent(newTestConfig(false), nil)
	t.Cleanup(agent.Shutdown)

	err := agent.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "profile.file")
}

func TestLoopbackAddr(t *testing.T) {
	assert.Equal(t, "127.0.0.1:4500", loopbackAddr("0.0.0.0:4500"))
	assert.Equal(t, "127.0.0.1:4500", loopbackAddr(":4500"))
	assert.Equal(t, "127.0.0.1:4500", loopbackAddr("[::]:4500"))
	assert.Equal(t, "10.0.0.2:4500", loopbackAddr("10.0.0.2:4500"))
	assert.Equal(t, "garbage", loopbackAddr("garbage"))
}

func TestDescribeFailure(t *testing.T) {
	err := failure.New(failure.DependencyNotFound, "iperf3 not found")
	msg := describeFailure(err)
	assert.Contains(t, msg, "kind=dependency")
	assert.Contains(t, msg, "reason=DependencyNotFound")

	msg = describeFailure(context.Canceled)
	assert.Contains(t, msg, "reason=Cancelled")
}

func TestCommandArgs(t *testing.T) {
	profileFile, layoutFile, lingerFor = "", "", ""
	assert.Empty(t, commandArgs())

	profileFile, layoutFile, lingerFor = "/tmp/p.yaml", "/tmp/l.yaml", "10m"
	t.Cleanup(func() { profileFile, layoutFile, lingerFor = "", "", "" })
	assert.Equal(t, map[string]any{
		"profile.file": "/tmp/p.yaml",
		"layout.file":  "/tmp/l.yaml",
		"api.linger":   "10m",
	}, commandArgs())
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)

	assert.Contains(t, out.String(), "BenchFleet Agent")
	assert.Contains(t, out.String(), Version)
}

func TestRootCommand(t *testing.T) {
	assert.Equal(t, "benchfleet-agent", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotNil(t, rootCmd.RunE)

	for _, name := range []string{"config", "profile", "layout", "linger"} {
		assert.NotNil(t, rootCmd.PersistentFlags().Lookup(name), name)
	}
	assert.Equal(t, "c", rootCmd.PersistentFlags().Lookup("config").Shorthand)

	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["run"])
	assert.True(t, names["api"])
	assert.True(t, names["version"])
}

func TestSetupRejectsInvalidConfig(t *testing.T) {
	configFile = t.TempDir() + "/agent.yaml"
	t.Cleanup(func() { configFile = "" })
	require.NoError(t, writeFile(configFile, "state:\n  backend: cassandra\n"))

	_, _, err := setup()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
