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

package api

import (
	"time"

	"github.com/benchfleet/benchfleet/internal/state"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

// DefaultServiceName names the otelgin spans
const DefaultServiceName = "benchfleet-agent"

// RouterOption customizes NewRouter
type RouterOption func(*routerOptions)

type routerOptions struct {
	serviceName string
	log         *zap.Logger
	metrics     *Metrics
}

// WithServiceName sets the service name used by the tracing middleware
func WithServiceName(name string) RouterOption {
	return func(o *routerOptions) {
		if name != "" {
			o.serviceName = name
		}
	}
}

// WithLogger sets the request logger
func WithLogger(log *zap.Logger) RouterOption {
	return func(o *routerOptions) { o.log = log }
}

// WithMetrics sets the metrics instruments served on /metrics
func WithMetrics(m *Metrics) RouterOption {
	return func(o *routerOptions) { o.metrics = m }
}

// NewRouter 创建状态 API 路由
func NewRouter(store state.Store, opts ...RouterOption) *gin.Engine {
	o := routerOptions{serviceName: DefaultServiceName}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	if o.metrics == nil {
		o.metrics = NewMetrics()
	}

	r := gin.New()
	r.Use(gin.Recovery())

	// 补充中间件
	r.Use(otelgin.Middleware(o.serviceName), loggerMiddleware(o.log), o.metrics.Middleware())

	h := NewHandler(store)
	r.GET("/metrics", o.metrics.Handler())

	apiGroup := r.Group("/api")
	{
		apiGroup.GET("/heartbeat", h.Heartbeat)

		stateRouter := apiGroup.Group("/state")
		{
			stateRouter.POST("/:id", h.CreateState)
			stateRouter.GET("/:id", h.GetState)
			stateRouter.PUT("/:id", h.UpdateState)
			stateRouter.DELETE("/:id", h.DeleteState)
		}
	}
	return r
}

// loggerMiddleware 记录每个请求的方法、路径、状态码和耗时
func loggerMiddleware(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		switch status := c.Writer.Status(); {
		case status >= 500:
			log.Error("[API] request", fields...)
		case c.Request.URL.Path == "/api/heartbeat" || c.Request.URL.Path == "/metrics":
			log.Debug("[API] request", fields...)
		default:
			log.Info("[API] request", fields...)
		}
	}
}
