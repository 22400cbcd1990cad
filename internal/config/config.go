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

// Package config provides configuration management for the benchmark agent.
// config 包提供基准测试 Agent 的配置管理功能。
//
// Configuration loading priority (highest to lowest):
// 配置加载优先级（从高到低）：
// 1. Command line arguments / 命令行参数
// 2. Environment variables (BENCHFLEET_*) / 环境变量（BENCHFLEET_*）
// 3. Configuration file / 配置文件
// 4. Default values / 默认值
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment variable overrides
// EnvPrefix 是环境变量覆盖的前缀
const EnvPrefix = "BENCHFLEET"

// Default configuration values
// 默认配置值
const (
	DefaultConfigPath       = "/etc/benchfleet/agent.yaml"
	DefaultAPIHost          = "0.0.0.0"
	DefaultAPIPort          = 4500
	DefaultAPILinger        = 5 * time.Minute
	DefaultStateBackend     = BackendSQLite
	DefaultSQLitePath       = "./data/state.db"
	DefaultRedisPrefix      = "benchfleet:state:"
	DefaultShell            = "bash"
	DefaultElevationCommand = "sudo"
	DefaultRetryAttempts    = 5
	DefaultRetryBaseDelay   = 1 * time.Second
	DefaultLogLevel         = "info"
	DefaultLogFile          = "/var/log/benchfleet/agent.log"
	DefaultLogMaxSize       = 100 // MB
	DefaultLogMaxBackups    = 3
	DefaultLogMaxAge        = 7 // days
	DefaultServiceName      = "benchfleet-agent"
	DefaultOTLPEndpoint     = "localhost:4317"
)

// State backends
// 状态存储后端
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendMySQL    = "mysql"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config represents the agent configuration
// Config 表示 Agent 配置
type Config struct {
	Agent     AgentConfig     `mapstructure:"agent" yaml:"agent"`
	API       APIConfig       `mapstructure:"api" yaml:"api"`
	State     StateConfig     `mapstructure:"state" yaml:"state"`
	Layout    LayoutConfig    `mapstructure:"layout" yaml:"layout"`
	Profile   ProfileConfig   `mapstructure:"profile" yaml:"profile"`
	Process   ProcessConfig   `mapstructure:"process" yaml:"process"`
	Retry     RetryConfig     `mapstructure:"retry" yaml:"retry"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
}

// AgentConfig contains agent identity settings
// AgentConfig 包含 Agent 身份设置
type AgentConfig struct {
	// ID is the unique identifier for this agent (auto-generated if empty)
	// ID 是此 Agent 的唯一标识符（如果为空则自动生成）
	ID string `mapstructure:"id" yaml:"id"`

	// Name overrides the hostname when resolving the layout
	// Name 在解析布局时覆盖主机名
	Name string `mapstructure:"name" yaml:"name"`

	// RunID identifies the run shared by all agents (auto-generated if empty)
	// RunID 标识所有 Agent 共享的运行（如果为空则自动生成）
	RunID string `mapstructure:"run_id" yaml:"run_id"`
}

// APIConfig contains the state API server settings
// APIConfig 包含状态 API 服务器设置
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Host    string `mapstructure:"host" yaml:"host"`
	Port    int    `mapstructure:"port" yaml:"port"`

	// Linger keeps the API serving peers after the profile ends:
	// 0 stops at once, a negative value serves until a signal arrives
	// Linger 是配置运行结束后继续为对端提供服务的时长：0 立即停止，负数表示直到收到信号
	Linger time.Duration `mapstructure:"linger" yaml:"linger"`
}

// Addr returns host:port
func (c APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StateConfig selects and configures the state store backend
// StateConfig 选择并配置状态存储后端
type StateConfig struct {
	Backend    string `mapstructure:"backend" yaml:"backend"`
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`

	// SQL server settings (mysql, postgres) / SQL 服务器设置
	Host            string `mapstructure:"host" yaml:"host"`
	Port            int    `mapstructure:"port" yaml:"port"`
	Username        string `mapstructure:"username" yaml:"username"`
	Password        string `mapstructure:"password" yaml:"password"`
	Database        string `mapstructure:"database" yaml:"database"`
	MaxIdleConn     int    `mapstructure:"max_idle_conn" yaml:"max_idle_conn"`
	MaxOpenConn     int    `mapstructure:"max_open_conn" yaml:"max_open_conn"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"` // seconds
	LogLevel        string `mapstructure:"log_level" yaml:"log_level"`

	// Redis settings / Redis 设置
	RedisAddr     string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password" yaml:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db" yaml:"redis_db"`
	RedisPrefix   string `mapstructure:"redis_prefix" yaml:"redis_prefix"`
}

// LayoutConfig points at the environment layout file
// LayoutConfig 指向环境布局文件
type LayoutConfig struct {
	File string `mapstructure:"file" yaml:"file"`
}

// ProfileConfig points at the workload profile file
// ProfileConfig 指向工作负载配置文件
type ProfileConfig struct {
	File string `mapstructure:"file" yaml:"file"`
}

// ProcessConfig contains process runtime settings
// ProcessConfig 包含进程运行时设置
type ProcessConfig struct {
	// Shell is the POSIX shell used to run elevated commands on Windows hosts
	// Shell 是 Windows 主机上运行提权命令的 POSIX shell
	Shell string `mapstructure:"shell" yaml:"shell"`

	// ElevationCommand prefixes elevated commands on POSIX hosts
	// ElevationCommand 是 POSIX 主机上提权命令的前缀
	ElevationCommand string `mapstructure:"elevation_command" yaml:"elevation_command"`

	// KillGrace is the SIGTERM-to-SIGKILL delay (0 kills immediately)
	// KillGrace 是 SIGTERM 到 SIGKILL 的间隔（0 表示立即终止）
	KillGrace time.Duration `mapstructure:"kill_grace" yaml:"kill_grace"`
}

// RetryConfig contains the default state API retry policy
// RetryConfig 包含状态 API 的默认重试策略
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
}

// LogConfig contains logging settings
// LogConfig 包含日志设置
type LogConfig struct {
	// Level is the log level (debug, info, warn, error)
	// Level 是日志级别（debug, info, warn, error）
	Level string `mapstructure:"level" yaml:"level"`

	// File is the log file path, empty logs to stdout only
	// File 是日志文件路径，为空时仅输出到标准输出
	File string `mapstructure:"file" yaml:"file"`

	// MaxSize is the maximum size of log file in MB before rotation
	// MaxSize 是日志文件轮转前的最大大小（MB）
	MaxSize int `mapstructure:"max_size" yaml:"max_size"`

	// MaxBackups is the maximum number of old log files to retain
	// MaxBackups 是保留的旧日志文件的最大数量
	MaxBackups int `mapstructure:"max_backups" yaml:"max_backups"`

	// MaxAge is the maximum number of days to retain old log files
	// MaxAge 是保留旧日志文件的最大天数
	MaxAge int `mapstructure:"max_age" yaml:"max_age"`
}

// TelemetryConfig contains OpenTelemetry settings
// TelemetryConfig 包含 OpenTelemetry 设置
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	Insecure    bool   `mapstructure:"insecure" yaml:"insecure"`
}

// newViper creates a viper instance with defaults and env overrides
// newViper 创建带默认值和环境变量覆盖的 viper 实例
func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	// Enable environment variable override / 启用环境变量覆盖
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load loads configuration from file and environment variables
// Load 从文件和环境变量加载配置
func Load(configPath string) (*Config, error) {
	return LoadWithPriority(configPath, nil)
}

// LoadWithPriority loads configuration with explicit priority handling
// LoadWithPriority 使用显式优先级处理加载配置
// Priority: cmdArgs > envVars > configFile > defaults
// 优先级：命令行参数 > 环境变量 > 配置文件 > 默认值
func LoadWithPriority(configPath string, cmdArgs map[string]any) (*Config, error) {
	v := newViper()

	// Set config file path / 设置配置文件路径
	if configPath == "" {
		configPath = os.Getenv(EnvPrefix + "_CONFIG_PATH")
	}
	if configPath == "" {
		configPath = DefaultConfigPath
	}
	v.SetConfigFile(configPath)

	// Read config file / 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		// A missing file falls back to defaults / 文件不存在时使用默认值
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			if _, statErr := os.Stat(v.ConfigFileUsed()); statErr == nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	// Apply command line arguments (highest priority)
	// 应用命令行参数（最高优先级）
	for key, value := range cmdArgs {
		v.Set(key, value)
	}

	return unmarshal(v)
}

// LoadFromYAML loads configuration from YAML bytes
// LoadFromYAML 从 YAML 字节加载配置
func LoadFromYAML(yamlData []byte) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// Set defaults first / 首先设置默认值
	setDefaults(v)

	if err := v.ReadConfig(strings.NewReader(string(yamlData))); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default configuration values
// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	// Agent defaults / Agent 默认值
	v.SetDefault("agent.id", "")
	v.SetDefault("agent.name", "")
	v.SetDefault("agent.run_id", "")

	// API defaults / API 默认值
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.host", DefaultAPIHost)
	v.SetDefault("api.port", DefaultAPIPort)
	v.SetDefault("api.linger", DefaultAPILinger)

	// State defaults / 状态存储默认值
	v.SetDefault("state.backend", DefaultStateBackend)
	v.SetDefault("state.sqlite_path", DefaultSQLitePath)
	v.SetDefault("state.host", "")
	v.SetDefault("state.port", 0)
	v.SetDefault("state.username", "")
	v.SetDefault("state.password", "")
	v.SetDefault("state.database", "")
	v.SetDefault("state.max_idle_conn", 0)
	v.SetDefault("state.max_open_conn", 0)
	v.SetDefault("state.conn_max_lifetime", 0)
	v.SetDefault("state.log_level", "warn")
	v.SetDefault("state.redis_addr", "")
	v.SetDefault("state.redis_password", "")
	v.SetDefault("state.redis_db", 0)
	v.SetDefault("state.redis_prefix", DefaultRedisPrefix)

	// Layout and profile defaults / 布局和配置文件默认值
	v.SetDefault("layout.file", "")
	v.SetDefault("profile.file", "")

	// Process defaults / 进程默认值
	v.SetDefault("process.shell", DefaultShell)
	v.SetDefault("process.elevation_command", DefaultElevationCommand)
	v.SetDefault("process.kill_grace", time.Duration(0))

	// Retry defaults / 重试默认值
	v.SetDefault("retry.max_attempts", DefaultRetryAttempts)
	v.SetDefault("retry.base_delay", DefaultRetryBaseDelay)

	// Log defaults / 日志默认值
	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.file", DefaultLogFile)
	v.SetDefault("log.max_size", DefaultLogMaxSize)
	v.SetDefault("log.max_backups", DefaultLogMaxBackups)
	v.SetDefault("log.max_age", DefaultLogMaxAge)

	// Telemetry defaults / 遥测默认值
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", DefaultOTLPEndpoint)
	v.SetDefault("telemetry.service_name", DefaultServiceName)
	v.SetDefault("telemetry.insecure", true)
}

// Validate validates the configuration
// Validate 验证配置
func (c *Config) Validate() error {
	// Validate API port / 验证 API 端口
	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		return fmt.Errorf("api.port must be between 1 and 65535, got %d", c.API.Port)
	}

	// Validate state backend / 验证状态存储后端
	switch strings.ToLower(c.State.Backend) {
	case BackendMemory:
	case BackendSQLite:
		if c.State.SQLitePath == "" {
			return errors.New("state.sqlite_path is required for the sqlite backend")
		}
	case BackendMySQL, BackendPostgres:
		if c.State.Host == "" || c.State.Database == "" {
			return fmt.Errorf("state.host and state.database are required for the %s backend", c.State.Backend)
		}
	case BackendRedis:
		if c.State.RedisAddr == "" {
			return errors.New("state.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("invalid state.backend: %s (must be memory, sqlite, mysql, postgres or redis)", c.State.Backend)
	}

	// Validate retry policy / 验证重试策略
	if c.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be at least 1")
	}
	if c.Retry.BaseDelay < 0 {
		return errors.New("retry.base_delay must not be negative")
	}
	if c.Process.KillGrace < 0 {
		return errors.New("process.kill_grace must not be negative")
	}

	// Validate log level / 验证日志级别
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level)
	}

	// Validate telemetry / 验证遥测
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return errors.New("telemetry.endpoint is required when telemetry is enabled")
	}

	return nil
}

// String returns a string representation of the config (for debugging)
// String 返回配置的字符串表示（用于调试）
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Agent.ID: %s, API: %s, State.Backend: %s, Layout: %s, Profile: %s, Log.Level: %s}",
		c.Agent.ID,
		c.API.Addr(),
		c.State.Backend,
		c.Layout.File,
		c.Profile.File,
		c.Log.Level,
	)
}

// ToYAML serializes the configuration to YAML format
// ToYAML 将配置序列化为 YAML 格式
func (c *Config) ToYAML() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

// Equal compares two configs for equality
// Equal 比较两个配置是否相等
func (c *Config) Equal(other *Config) bool {
	if c == nil || other == nil {
		return c == other
	}
	return *c == *other
}
