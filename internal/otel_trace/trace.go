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

package otel_trace

import (
	"context"
	"sync"

	"github.com/benchfleet/benchfleet/internal/config"
	"github.com/benchfleet/benchfleet/internal/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/benchfleet/benchfleet"

var (
	mu            sync.RWMutex
	Tracer        trace.Tracer = noop.NewTracerProvider().Tracer("noop")
	shutdownFuncs []func(context.Context) error
	enabled       bool
)

// Init initializes OpenTelemetry tracing from the telemetry config.
// Init 根据遥测配置初始化 OpenTelemetry 追踪。
// Export failures degrade to a noop tracer and never abort the agent.
// 导出器初始化失败时降级为空操作追踪器，不会中断 Agent。
func Init(ctx context.Context, cfg config.TelemetryConfig) {
	mu.Lock()
	defer mu.Unlock()

	if !cfg.Enabled {
		logger.InfoF(ctx, "[Trace] OpenTelemetry tracing is disabled / OpenTelemetry 追踪已禁用")
		Tracer = noop.NewTracerProvider().Tracer("noop")
		enabled = false
		return
	}

	logger.InfoF(ctx, "[Trace] Initializing OpenTelemetry tracing... / 正在初始化 OpenTelemetry 追踪...")

	// 初始化 Propagator
	otel.SetTextMapPropagator(newPropagator())

	// 初始化 Trace Provider
	tracerProvider, err := newTracerProvider(ctx, cfg)
	if err != nil {
		logger.WarnF(ctx, "[Trace] Failed to init trace provider, using noop tracer: %v / 初始化追踪提供者失败，使用空操作追踪器", err)
		Tracer = noop.NewTracerProvider().Tracer("noop")
		enabled = false
		return
	}

	shutdownFuncs = append(shutdownFuncs, tracerProvider.Shutdown)
	otel.SetTracerProvider(tracerProvider)

	Tracer = tracerProvider.Tracer(instrumentationName)
	enabled = true
	logger.InfoF(ctx, "[Trace] OpenTelemetry tracing initialized, endpoint=%s / OpenTelemetry 追踪已初始化", cfg.Endpoint)
}

// IsEnabled returns whether tracing is enabled.
// IsEnabled 返回追踪是否已启用。
func IsEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return enabled
}

// Shutdown flushes and stops every registered provider
func Shutdown(ctx context.Context) {
	mu.Lock()
	fns := shutdownFuncs
	shutdownFuncs = nil
	enabled = false
	mu.Unlock()

	for _, fn := range fns {
		if err := fn(ctx); err != nil {
			logger.WarnF(ctx, "[Trace] shutdown trace provider failed: %v", err)
		}
	}
}

func Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	mu.RLock()
	t := Tracer
	mu.RUnlock()
	return t.Start(ctx, name, opts...)
}
