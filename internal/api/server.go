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
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benchfleet/benchfleet/internal/state"
	"go.uber.org/zap"
)

// DefaultShutdownTimeout bounds graceful shutdown
const DefaultShutdownTimeout = 5 * time.Second

// ErrServerStarted is returned by Start on a running server
var ErrServerStarted = errors.New("api: server already started")

// Server runs the state API until stopped.
// Server 运行状态 API 直到被停止。
type Server struct {
	addr string
	srv  *http.Server
	log  *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	done     chan error
	stopped  bool
}

// NewServer 创建状态 API 服务器
func NewServer(addr string, store state.Store, log *zap.Logger, opts ...RouterOption) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	opts = append([]RouterOption{WithLogger(log)}, opts...)
	return &Server{
		addr: addr,
		log:  log,
		srv: &http.Server{
			Handler:           NewRouter(store, opts...),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start binds the listener and serves in the background
// Start 绑定监听地址并在后台提供服务
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return ErrServerStarted
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.done = make(chan error, 1)

	s.log.Info("[API] 状态服务已启动", zap.String("addr", ln.Addr().String()))
	go func() {
		err := s.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.done <- err
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop gracefully shuts the server down
// Stop 优雅关闭服务器
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.listener == nil || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultShutdownTimeout)
		defer cancel()
	}

	if err := s.srv.Shutdown(ctx); err != nil {
		_ = s.srv.Close()
		return err
	}
	err := <-s.done
	s.log.Info("[API] 状态服务已停止")
	return err
}
