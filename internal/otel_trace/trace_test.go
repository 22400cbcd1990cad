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
	"testing"
	"time"

	"github.com/benchfleet/benchfleet/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitDisabledUsesNoopTracer(t *testing.T) {
	ctx := context.Background()
	Init(ctx, config.TelemetryConfig{Enabled: false})
	assert.False(t, IsEnabled())

	_, span := Start(ctx, "noop-span")
	defer span.End()
	assert.False(t, span.SpanContext().IsValid())
}

func TestInitEnabledRecordsSpans(t *testing.T) {
	ctx := context.Background()
	// gRPC 导出器惰性连接，无需真实 collector
	Init(ctx, config.TelemetryConfig{
		Enabled:     true,
		Endpoint:    "127.0.0.1:4317",
		ServiceName: "benchfleet-test",
		Insecure:    true,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		Shutdown(shutdownCtx)
	}()
	require.True(t, IsEnabled())

	_, span := Start(ctx, "real-span")
	assert.True(t, span.SpanContext().IsValid())
	span.End()
}

func TestPropagatorFields(t *testing.T) {
	fields := newPropagator().Fields()
	assert.Contains(t, fields, "traceparent")
	assert.Contains(t, fields, "baggage")
}
