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

package config

import (
	"testing"
	"time"

	"pgregory.net/rapid"
)

// TestProperty_ConfigYAMLRoundTrip checks that serializing any valid
// configuration to YAML and parsing it back yields an equal configuration.
// 属性：任何有效配置序列化为 YAML 再解析回来应与原配置相等。
func TestProperty_ConfigYAMLRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cfg := generateValidConfig(t)

		yamlData, err := cfg.ToYAML()
		if err != nil {
			t.Fatalf("Failed to serialize config to YAML: %v", err)
		}

		parsedCfg, err := LoadFromYAML(yamlData)
		if err != nil {
			t.Fatalf("Failed to parse config from YAML: %v\nYAML content:\n%s", err, string(yamlData))
		}

		if !cfg.Equal(parsedCfg) {
			t.Fatalf("Round-trip failed\nOriginal: %+v\nParsed: %+v\nYAML:\n%s", cfg, parsedCfg, string(yamlData))
		}
		if err := parsedCfg.Validate(); err != nil {
			t.Fatalf("generated config is invalid: %v", err)
		}
	})
}

// generateValidConfig generates a valid Config for property testing
// generateValidConfig 为属性测试生成有效的 Config
func generateValidConfig(t *rapid.T) *Config {
	name := func(label string) string {
		return rapid.StringMatching(`[a-z][a-z0-9-]{0,12}`).Draw(t, label)
	}

	backend := rapid.SampledFrom([]string{BackendMemory, BackendSQLite, BackendMySQL, BackendPostgres, BackendRedis}).Draw(t, "backend")
	state := StateConfig{
		Backend:     backend,
		SQLitePath:  "/var/lib/" + name("sqliteName") + ".db",
		LogLevel:    rapid.SampledFrom([]string{"silent", "error", "warn", "info"}).Draw(t, "dbLogLevel"),
		RedisPrefix: name("prefix") + ":",
	}
	switch backend {
	case BackendMySQL, BackendPostgres:
		state.Host = name("dbHost")
		state.Port = rapid.IntRange(1, 65535).Draw(t, "dbPort")
		state.Username = name("dbUser")
		state.Password = rapid.StringMatching(`[a-zA-Z0-9]{0,16}`).Draw(t, "dbPassword")
		state.Database = name("dbName")
		state.MaxIdleConn = rapid.IntRange(0, 50).Draw(t, "maxIdle")
		state.MaxOpenConn = rapid.IntRange(0, 100).Draw(t, "maxOpen")
	case BackendRedis:
		state.RedisAddr = name("redisHost") + ":6379"
		state.RedisDB = rapid.IntRange(0, 15).Draw(t, "redisDB")
	}

	return &Config{
		Agent: AgentConfig{
			ID:    rapid.StringMatching(`[a-zA-Z0-9_-]{0,20}`).Draw(t, "agentID"),
			Name:  name("agentName"),
			RunID: rapid.StringMatching(`[a-f0-9]{0,32}`).Draw(t, "runID"),
		},
		API: APIConfig{
			Enabled: rapid.Bool().Draw(t, "apiEnabled"),
			Host:    rapid.SampledFrom([]string{"0.0.0.0", "127.0.0.1", "localhost"}).Draw(t, "apiHost"),
			Port:    rapid.IntRange(1024, 65535).Draw(t, "apiPort"),
		},
		State:   state,
		Layout:  LayoutConfig{File: "/etc/benchfleet/" + name("layout") + ".yaml"},
		Profile: ProfileConfig{File: "/etc/benchfleet/" + name("profile") + ".yaml"},
		Process: ProcessConfig{
			Shell:            rapid.SampledFrom([]string{"bash", "/usr/bin/bash", "sh"}).Draw(t, "shell"),
			ElevationCommand: rapid.SampledFrom([]string{"sudo", "doas"}).Draw(t, "elevation"),
			KillGrace:        time.Duration(rapid.IntRange(0, 60).Draw(t, "killGrace")) * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: rapid.IntRange(1, 50).Draw(t, "maxAttempts"),
			BaseDelay:   time.Duration(rapid.IntRange(0, 10000).Draw(t, "baseDelayMs")) * time.Millisecond,
		},
		Log: LogConfig{
			Level:      rapid.SampledFrom([]string{"debug", "info", "warn", "error"}).Draw(t, "logLevel"),
			File:       "/var/log/" + name("logFile") + ".log",
			MaxSize:    rapid.IntRange(1, 1000).Draw(t, "maxSize"),
			MaxBackups: rapid.IntRange(1, 100).Draw(t, "maxBackups"),
			MaxAge:     rapid.IntRange(1, 365).Draw(t, "maxAge"),
		},
		Telemetry: TelemetryConfig{
			Enabled:     rapid.Bool().Draw(t, "telemetryEnabled"),
			Endpoint:    name("collector") + ":4317",
			ServiceName: name("service"),
			Insecure:    rapid.Bool().Draw(t, "insecure"),
		},
	}
}
