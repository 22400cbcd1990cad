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

// Package stateclient calls a peer agent's state API and implements
// rendezvous by polling.
// stateclient 包调用对端 Agent 的状态 API，并通过轮询实现汇合。
package stateclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/benchfleet/benchfleet/internal/layout"
	"github.com/benchfleet/benchfleet/internal/retry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// DefaultTimeout bounds a single HTTP round trip
const DefaultTimeout = 10 * time.Second

// Document is a state document as seen by the client
// Document 是客户端视角的状态文档
type Document struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into v
func (d Document) Decode(v any) error {
	return json.Unmarshal(d.Payload, v)
}

// DefaultReadPolicy retries transport and 5xx failures, 5 attempts linear 1s
func DefaultReadPolicy() retry.Policy {
	return retry.Default().WithRetryable(readRetryable)
}

// DefaultWritePolicy retries transport, 409 and 5xx failures, 5 attempts linear 1s
func DefaultWritePolicy() retry.Policy {
	return retry.Default().WithRetryable(HTTPRetryable)
}

// DefaultRendezvousPolicy additionally treats 404 as retryable
func DefaultRendezvousPolicy() retry.Policy {
	return retry.Default().WithRetryable(NotFoundRetryable)
}

// Client talks to one agent's state API
// Client 与单个 Agent 的状态 API 通信
type Client struct {
	baseURL     *url.URL
	http        *http.Client
	readPolicy  retry.Policy
	writePolicy retry.Policy
	log         *zap.Logger
}

// Option customizes a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithReadPolicy sets the default policy for GetState
func WithReadPolicy(p retry.Policy) Option {
	return func(c *Client) { c.readPolicy = p }
}

// WithWritePolicy sets the default policy for Create, Update and Delete
func WithWritePolicy(p retry.Policy) Option {
	return func(c *Client) { c.writePolicy = p }
}

// WithLogger sets the client logger
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log }
}

// New creates a client for the API rooted at baseURL (e.g. http://10.0.0.2:4500)
// New 为 baseURL 指向的 API 创建客户端
func New(baseURL string, opts ...Option) (*Client, error) {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("stateclient: invalid base url %q: %w", baseURL, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("stateclient: invalid base url %q: missing host", baseURL)
	}
	u.Path = strings.TrimRight(u.Path, "/")

	c := &Client{
		baseURL: u,
		http: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		readPolicy:  DefaultReadPolicy(),
		writePolicy: DefaultWritePolicy(),
		log:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ForInstance creates a client targeting a peer from the environment layout
// ForInstance 为环境布局中的对端实例创建客户端
func ForInstance(inst layout.ClientInstance, port int, opts ...Option) (*Client, error) {
	if inst.IPAddress == "" {
		return nil, fmt.Errorf("stateclient: instance %s has no ip address", inst.Name)
	}
	return New("http://"+net.JoinHostPort(inst.IPAddress, strconv.Itoa(port)), opts...)
}

// BaseURL returns the API root
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// CallOption overrides per-call behaviour
type CallOption func(*retry.Policy)

// WithPolicy replaces the retry policy of a single call
// WithPolicy 替换单次调用的重试策略
func WithPolicy(p retry.Policy) CallOption {
	return func(dst *retry.Policy) { *dst = p }
}

func resolve(def retry.Policy, opts []CallOption) retry.Policy {
	p := def
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// Heartbeat checks that the peer API is reachable
// Heartbeat 检查对端 API 是否可达
func (c *Client) Heartbeat(ctx context.Context, opts ...CallOption) error {
	err := retry.Run(ctx, resolve(c.readPolicy, opts), func(ctx context.Context, attempt int) error {
		return c.do(ctx, http.MethodGet, "/api/heartbeat", nil, nil)
	})
	return classify(err, "heartbeat", c.baseURL.Host)
}

// GetState fetches a document. 404 is terminal unless the policy says otherwise.
// GetState 获取文档，除非策略另有规定，404 为终止错误。
func (c *Client) GetState(ctx context.Context, id string, opts ...CallOption) (Document, error) {
	doc, err := retry.Do(ctx, resolve(c.readPolicy, opts), func(ctx context.Context, attempt int) (Document, error) {
		var doc Document
		err := c.do(ctx, http.MethodGet, statePath(id), nil, &doc)
		if err != nil && attempt > 1 {
			c.log.Debug("[StateClient] get state retry", zap.String("id", id), zap.Int("attempt", attempt), zap.Error(err))
		}
		return doc, err
	})
	return doc, classify(err, "get state", id)
}

// CreateState publishes a document with exclusive-create semantics
// CreateState 以独占创建语义发布文档
func (c *Client) CreateState(ctx context.Context, id string, payload any, opts ...CallOption) (Document, error) {
	body, err := encode(id, payload)
	if err != nil {
		return Document{}, err
	}
	doc, err := retry.Do(ctx, resolve(c.writePolicy, opts), func(ctx context.Context, attempt int) (Document, error) {
		var doc Document
		return doc, c.do(ctx, http.MethodPost, statePath(id), body, &doc)
	})
	if err == nil {
		c.log.Info("[StateClient] state created", zap.String("id", id), zap.String("peer", c.baseURL.Host))
	}
	return doc, classify(err, "create state", id)
}

// UpdateState overwrites a document, creating it when absent
// UpdateState 覆盖写入文档，不存在时创建
func (c *Client) UpdateState(ctx context.Context, id string, payload any, opts ...CallOption) (Document, error) {
	body, err := encode(id, payload)
	if err != nil {
		return Document{}, err
	}
	doc, err := retry.Do(ctx, resolve(c.writePolicy, opts), func(ctx context.Context, attempt int) (Document, error) {
		var doc Document
		return doc, c.do(ctx, http.MethodPut, statePath(id), body, &doc)
	})
	return doc, classify(err, "update state", id)
}

// DeleteState removes a document; deleting a missing document succeeds
// DeleteState 删除文档，删除不存在的文档同样成功
func (c *Client) DeleteState(ctx context.Context, id string, opts ...CallOption) error {
	err := retry.Run(ctx, resolve(c.writePolicy, opts), func(ctx context.Context, attempt int) error {
		return c.do(ctx, http.MethodDelete, statePath(id), nil, nil)
	})
	return classify(err, "delete state", id)
}

// WaitForState polls until a peer publishes id. Exhausting the policy is a
// hard failure wrapping both ErrRendezvousTimeout and ErrNotFound.
// WaitForState 轮询直到对端发布 id，重试耗尽视为硬失败。
func (c *Client) WaitForState(ctx context.Context, id string, policy retry.Policy) (Document, error) {
	if policy.Retryable == nil {
		policy.Retryable = NotFoundRetryable
	}
	c.log.Info("[StateClient] waiting for state",
		zap.String("id", id),
		zap.String("peer", c.baseURL.Host),
		zap.Int("max_attempts", policy.MaxAttempts),
		zap.Duration("budget", policy.Budget()))

	doc, err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) (Document, error) {
		var doc Document
		return doc, c.do(ctx, http.MethodGet, statePath(id), nil, &doc)
	})
	if err == nil {
		return doc, nil
	}
	if errors.Is(err, retry.ErrAttemptsExhausted) && errors.Is(err, ErrNotFound) {
		err = fmt.Errorf("%w: %s: %w", ErrRendezvousTimeout, id, err)
	}
	return doc, classify(err, "wait for state", id)
}

func statePath(id string) string {
	return "/api/state/" + url.PathEscape(id)
}

func encode(id string, payload any) ([]byte, error) {
	var raw json.RawMessage
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("stateclient: encode payload for %s: %w", id, err)
		}
		raw = b
	}
	return json.Marshal(Document{ID: id, Payload: raw})
}

// do 执行一次 HTTP 请求并将非 2xx 响应转换为 StatusError
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return retry.Terminal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &transportError{err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &transportError{err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			ErrorMsg string `json:"error_msg"`
		}
		_ = json.Unmarshal(data, &apiErr)
		return &StatusError{
			Method:     method,
			URL:        req.URL.String(),
			StatusCode: resp.StatusCode,
			Message:    apiErr.ErrorMsg,
		}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return retry.Terminal(fmt.Errorf("stateclient: decode %s %s: %w", method, path, err))
	}
	return nil
}
