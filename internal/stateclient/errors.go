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

package stateclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"

	"github.com/benchfleet/benchfleet/internal/failure"
)

// Errors returned by the state client, matched with errors.Is
// 状态客户端返回的错误，使用 errors.Is 匹配
var (
	ErrNotFound          = errors.New("stateclient: state not found")
	ErrConflict          = errors.New("stateclient: state conflict")
	ErrBadRequest        = errors.New("stateclient: bad request")
	ErrServer            = errors.New("stateclient: server error")
	ErrUnexpectedStatus  = errors.New("stateclient: unexpected status")
	ErrRendezvousTimeout = errors.New("stateclient: rendezvous timed out")
)

// StatusError is a non-2xx response from the state API
// StatusError 表示状态 API 返回的非 2xx 响应
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.URL, e.StatusCode, http.StatusText(e.StatusCode), e.Message)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Unwrap exposes the sentinel for the status class
func (e *StatusError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case e.StatusCode == http.StatusConflict:
		return ErrConflict
	case e.StatusCode == http.StatusBadRequest:
		return ErrBadRequest
	case e.StatusCode >= http.StatusInternalServerError:
		return ErrServer
	default:
		return ErrUnexpectedStatus
	}
}

// transportError wraps a failure to reach the peer
type transportError struct {
	err error
}

func (e *transportError) Error() string { return "stateclient: transport: " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// HTTPRetryable retries server errors, conflicts and transport failures
// HTTPRetryable 对 5xx、409 和网络传输错误进行重试
//
// A transport error is retried even when it wraps a client timeout; the
// caller's own cancellation arrives as a bare ctx error from do.
// 传输错误（包括客户端超时）总是重试，调用方取消由 do 直接返回 ctx 错误。
func HTTPRetryable(err error) bool {
	var te *transportError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrServer) || errors.Is(err, ErrConflict) {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || isNetTimeout(err)
}

// NotFoundRetryable additionally treats 404 as "not yet published"
// NotFoundRetryable 在 HTTPRetryable 基础上将 404 视为“尚未发布”
func NotFoundRetryable(err error) bool {
	return errors.Is(err, ErrNotFound) || HTTPRetryable(err)
}

// readRetryable retries transport and server failures only
func readRetryable(err error) bool {
	if errors.Is(err, ErrConflict) {
		return false
	}
	return HTTPRetryable(err)
}

func isNetTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// classify 将最终错误包装为 API 类失败
func classify(err error, op, id string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return failure.Wrap(failure.Cancelled, err, "%s %s cancelled", op, id)
	}
	return failure.Wrap(failure.APIRequestFailed, err, "%s %s", op, id)
}
