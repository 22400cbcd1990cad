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

package state

import (
	"context"
	"sync"
	"time"
)

// MemoryStore 内存状态存储实现
// 使用 sync.Map 的 LoadOrStore 作为原子的 insert-if-absent 原语
type MemoryStore struct {
	data sync.Map
}

// NewMemoryStore 创建新的内存存储实例
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Create 独占创建文档
func (m *MemoryStore) Create(ctx context.Context, doc Document) (Document, error) {
	key, err := prepare(doc)
	if err != nil {
		return Document{}, err
	}

	now := time.Now().UTC()
	doc.Payload = compact(doc.Payload)
	doc.CreatedAt, doc.UpdatedAt = now, now

	stored := &doc
	if _, loaded := m.data.LoadOrStore(key, stored); loaded {
		return Document{}, ErrConflict
	}
	return *stored, nil
}

// Get 从内存中获取文档
func (m *MemoryStore) Get(ctx context.Context, id string) (Document, error) {
	key, err := NormalizeID(id)
	if err != nil {
		return Document{}, err
	}
	value, ok := m.data.Load(key)
	if !ok {
		return Document{}, ErrNotFound
	}
	return *value.(*Document), nil
}

// Update 覆盖写入文档，保留原始创建时间
func (m *MemoryStore) Update(ctx context.Context, id string, doc Document) (Document, error) {
	if doc.ID == "" {
		doc.ID = id
	}
	key, err := prepareUpdate(id, doc)
	if err != nil {
		return Document{}, err
	}
	doc.Payload = compact(doc.Payload)

	for {
		if err := ctx.Err(); err != nil {
			return Document{}, err
		}

		now := time.Now().UTC()
		next := doc
		next.UpdatedAt = now

		old, loaded := m.data.Load(key)
		if !loaded {
			next.CreatedAt = now
			if _, raced := m.data.LoadOrStore(key, &next); !raced {
				return next, nil
			}
			continue
		}

		next.CreatedAt = old.(*Document).CreatedAt
		if m.data.CompareAndSwap(key, old, &next) {
			return next, nil
		}
	}
}

// Delete 从内存中删除文档
func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	key, err := NormalizeID(id)
	if err != nil {
		return err
	}
	m.data.Delete(key)
	return nil
}

// Close 内存存储无需释放资源
func (m *MemoryStore) Close() error {
	return nil
}
