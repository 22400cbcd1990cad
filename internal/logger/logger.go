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

// Package logger 提供带追踪上下文的结构化日志
package logger

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/benchfleet/benchfleet/internal/config"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu     sync.RWMutex
	base   = zap.NewNop()
	traced = otelzap.New(base)
)

// consoleWriter 隐藏 *os.File 的 Sync，fsync 管道或非 TTY 的 stdout 会返回 EINVAL
type consoleWriter struct {
	io.Writer
}

// Init 根据日志配置初始化全局日志记录器
// 日志同时输出到标准输出，配置了 file 时额外写入 lumberjack 轮转文件
func Init(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "time"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.Lock(zapcore.AddSync(consoleWriter{os.Stdout})), level),
	}

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, err
		}
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(rotator), level))
	}

	l := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))
	Set(l)
	return l, nil
}

// Set 替换全局日志记录器
func Set(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	mu.Lock()
	defer mu.Unlock()
	base = l
	traced = otelzap.New(l, otelzap.WithMinLevel(zapcore.InfoLevel))
}

// L 返回全局 zap 日志记录器
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base.WithOptions(zap.AddCallerSkip(-1))
}

func sugar(ctx context.Context) otelzap.SugaredLoggerWithCtx {
	mu.RLock()
	defer mu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}
	return traced.Sugar().Ctx(ctx)
}

// DebugF 输出 debug 级别日志
func DebugF(ctx context.Context, format string, args ...any) {
	sugar(ctx).Debugf(format, args...)
}

// InfoF 输出 info 级别日志，span 存在时同时记录为 span 事件
func InfoF(ctx context.Context, format string, args ...any) {
	sugar(ctx).Infof(format, args...)
}

// WarnF 输出 warn 级别日志
func WarnF(ctx context.Context, format string, args ...any) {
	sugar(ctx).Warnf(format, args...)
}

// ErrorF 输出 error 级别日志
func ErrorF(ctx context.Context, format string, args ...any) {
	sugar(ctx).Errorf(format, args...)
}

// Sync 刷新缓冲的日志
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = base.Sync()
}
