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

// Package state 提供 Agent 之间用于汇合（rendezvous）的状态文档存储
// 支持内存、SQL（SQLite/MySQL/PostgreSQL）和 Redis 三类后端，均保证独占创建语义
package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// 错误定义
var (
	ErrNotFound       = errors.New("state: document not found")
	ErrConflict       = errors.New("state: document already exists")
	ErrLocked         = errors.New("state: document is locked by a concurrent writer")
	ErrIDMismatch     = errors.New("state: payload id does not match path id")
	ErrInvalidID      = errors.New("state: invalid document id")
	ErrInvalidPayload = errors.New("state: payload must be a JSON object")
)

// MaxIDLength 文档 ID 的最大长度（与 SQL 后端主键长度一致）
const MaxIDLength = 191

// Document 状态文档
// ID 不区分大小写，存储时归一化为小写，返回时保留调用方写法
type Document struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Store 状态存储接口
type Store interface {
	// Create 独占创建文档，已存在返回 ErrConflict，并发写入中返回 ErrLocked
	Create(ctx context.Context, doc Document) (Document, error)

	// Get 获取文档，不存在返回 ErrNotFound
	Get(ctx context.Context, id string) (Document, error)

	// Update 覆盖写入文档（不存在时创建），doc.ID 必须与 id 一致，否则返回 ErrIDMismatch
	Update(ctx context.Context, id string, doc Document) (Document, error)

	// Delete 删除文档，幂等
	Delete(ctx context.Context, id string) error

	// Close 释放后端资源
	Close() error
}

// NormalizeID 校验并归一化文档 ID
func NormalizeID(id string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(id))
	if key == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if len(key) > MaxIDLength {
		return "", fmt.Errorf("%w: longer than %d characters", ErrInvalidID, MaxIDLength)
	}
	if strings.ContainsAny(key, "/\\") {
		return "", fmt.Errorf("%w: %q contains a path separator", ErrInvalidID, id)
	}
	return key, nil
}

// SameID 判断两个 ID 是否指向同一文档
func SameID(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// ValidatePayload 校验 payload 为 JSON 对象
func ValidatePayload(payload json.RawMessage) error {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return ErrInvalidPayload
	}
	return nil
}

// prepare 校验文档并返回归一化后的 key
func prepare(doc Document) (string, error) {
	key, err := NormalizeID(doc.ID)
	if err != nil {
		return "", err
	}
	if err := ValidatePayload(doc.Payload); err != nil {
		return "", err
	}
	return key, nil
}

// prepareUpdate 额外校验路径 ID 与文档 ID 一致
func prepareUpdate(id string, doc Document) (string, error) {
	if doc.ID == "" {
		doc.ID = id
	}
	if !SameID(id, doc.ID) {
		return "", fmt.Errorf("%w: path %q, payload %q", ErrIDMismatch, id, doc.ID)
	}
	return prepare(doc)
}

// compact 去除 payload 中多余的空白，保证各后端返回一致的字节
func compact(payload json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return payload
	}
	return buf.Bytes()
}
