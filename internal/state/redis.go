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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/benchfleet/benchfleet/internal/config"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore Redis 状态存储实现
// 创建使用 SETNX，更新使用 WATCH/MULTI 乐观事务
type RedisStore struct {
	client redis.UniversalClient
	prefix string // key 前缀，用于区分不同运行环境的状态
	owned  bool   // 是否由 RedisStore 负责关闭客户端
}

// NewRedisStore 使用已有客户端创建 Redis 存储实例
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = config.DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// OpenRedis 根据配置创建 Redis 客户端并注入 OpenTelemetry 追踪
func OpenRedis(ctx context.Context, cfg config.StateConfig, log *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	if err := redisotel.InstrumentTracing(client); err != nil {
		log.Warn("[State] 初始化 Redis 追踪失败", zap.Error(err))
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("[State] 连接 Redis 失败: %w", err)
	}

	log.Info("[State] 成功连接到 Redis", zap.String("addr", cfg.RedisAddr), zap.Int("db", cfg.RedisDB))
	store := NewRedisStore(client, cfg.RedisPrefix)
	store.owned = true
	return store, nil
}

// buildKey 构建带前缀的 key
func (r *RedisStore) buildKey(key string) string {
	return r.prefix + key
}

// Create 独占创建文档
func (r *RedisStore) Create(ctx context.Context, doc Document) (Document, error) {
	key, err := prepare(doc)
	if err != nil {
		return Document{}, err
	}

	now := time.Now().UTC()
	doc.Payload = compact(doc.Payload)
	doc.CreatedAt, doc.UpdatedAt = now, now

	data, err := json.Marshal(doc)
	if err != nil {
		return Document{}, err
	}

	ok, err := r.client.SetNX(ctx, r.buildKey(key), data, 0).Result()
	if err != nil {
		return Document{}, err
	}
	if !ok {
		return Document{}, ErrConflict
	}
	return doc, nil
}

// Get 从 Redis 中获取文档
func (r *RedisStore) Get(ctx context.Context, id string) (Document, error) {
	key, err := NormalizeID(id)
	if err != nil {
		return Document{}, err
	}
	return r.get(ctx, r.client, r.buildKey(key))
}

// getter 同时被 redis.Client 和 redis.Tx 实现
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *RedisStore) get(ctx context.Context, c getter, fullKey string) (Document, error) {
	result, err := c.Get(ctx, fullKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Document{}, ErrNotFound
		}
		return Document{}, err
	}

	var doc Document
	if err := json.Unmarshal(result, &doc); err != nil {
		return Document{}, fmt.Errorf("state: corrupt document %s: %w", fullKey, err)
	}
	return doc, nil
}

// Update 在 WATCH 事务中覆盖写入文档，并发修改导致事务失败时返回 ErrLocked
func (r *RedisStore) Update(ctx context.Context, id string, doc Document) (Document, error) {
	if doc.ID == "" {
		doc.ID = id
	}
	key, err := prepareUpdate(id, doc)
	if err != nil {
		return Document{}, err
	}
	fullKey := r.buildKey(key)
	doc.Payload = compact(doc.Payload)

	var out Document
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		now := time.Now().UTC()
		out = doc
		out.CreatedAt, out.UpdatedAt = now, now

		old, err := r.get(ctx, tx, fullKey)
		switch {
		case err == nil:
			out.CreatedAt = old.CreatedAt
		case !errors.Is(err, ErrNotFound):
			return err
		}

		data, err := json.Marshal(out)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, fullKey, data, 0)
			return nil
		})
		return err
	}, fullKey)

	if errors.Is(err, redis.TxFailedErr) {
		return Document{}, ErrLocked
	}
	if err != nil {
		return Document{}, err
	}
	return out, nil
}

// Delete 从 Redis 中删除文档
func (r *RedisStore) Delete(ctx context.Context, id string) error {
	key, err := NormalizeID(id)
	if err != nil {
		return err
	}
	return r.client.Del(ctx, r.buildKey(key)).Err()
}

// Close 关闭自行创建的 Redis 客户端
func (r *RedisStore) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}
