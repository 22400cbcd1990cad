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
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/benchfleet/benchfleet/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// backends 返回所有待测试的存储后端
func backends(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			store, err := Open(context.Background(), config.StateConfig{
				Backend:    config.BackendSQLite,
				SQLitePath: filepath.Join(t.TempDir(), "state.db"),
				LogLevel:   "silent",
			}, zap.NewNop())
			require.NoError(t, err)
			return store
		},
		"redis": func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return NewRedisStore(client, "test:state:")
		},
	}
}

func doc(id, payload string) Document {
	return Document{ID: id, Payload: json.RawMessage(payload)}
}

// TestStoreContract 对所有后端执行相同的行为契约
func TestStoreContract(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("create then get returns original payload", func(t *testing.T) {
				store := open(t)
				defer store.Close()

				created, err := store.Create(ctx, doc("Build-Done", `{"status": "ok", "n": 1}`))
				require.NoError(t, err)
				assert.Equal(t, "Build-Done", created.ID)
				assert.JSONEq(t, `{"status":"ok","n":1}`, string(created.Payload))
				assert.False(t, created.CreatedAt.IsZero())

				got, err := store.Get(ctx, "build-done")
				require.NoError(t, err)
				assert.Equal(t, "Build-Done", got.ID)
				assert.JSONEq(t, `{"status":"ok","n":1}`, string(got.Payload))
			})

			t.Run("second create conflicts without mutating", func(t *testing.T) {
				store := open(t)
				defer store.Close()

				_, err := store.Create(ctx, doc("phase", `{"v":1}`))
				require.NoError(t, err)

				_, err = store.Create(ctx, doc("PHASE", `{"v":2}`))
				assert.ErrorIs(t, err, ErrConflict)

				got, err := store.Get(ctx, "phase")
				require.NoError(t, err)
				assert.JSONEq(t, `{"v":1}`, string(got.Payload))
			})

			t.Run("get missing", func(t *testing.T) {
				store := open(t)
				defer store.Close()

				_, err := store.Get(ctx, "nope")
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("update overwrites and keeps created time", func(t *testing.T) {
				store := open(t)
				defer store.Close()

				created, err := store.Create(ctx, doc("cfg", `{"v":1}`))
				require.NoError(t, err)

				updated, err := store.Update(ctx, "cfg", doc("cfg", `{"v":2}`))
				require.NoError(t, err)
				assert.JSONEq(t, `{"v":2}`, string(updated.Payload))
				assert.WithinDuration(t, created.CreatedAt, updated.CreatedAt, 0)
				assert.False(t, updated.UpdatedAt.Before(created.UpdatedAt))

				got, err := store.Get(ctx, "cfg")
				require.NoError(t, err)
				assert.JSONEq(t, `{"v":2}`, string(got.Payload))
			})

			t.Run("update missing creates", func(t *testing.T) {
				store := open(t)
				defer store.Close()

				_, err := store.Update(ctx, "fresh", doc("fresh", `{"v":1}`))
				require.NoError(t, err)
				_, err = store.Get(ctx, "fresh")
				assert.NoError(t, err)
			})

			t.Run("update with mismatched id never mutates", func(t *testing.T) {
				store := open(t)
				defer store.Close()

				_, err := store.Create(ctx, doc("a", `{"v":1}`))
				require.NoError(t, err)

				_, err = store.Update(ctx, "a", doc("b", `{"v":2}`))
				assert.ErrorIs(t, err, ErrIDMismatch)

				got, err := store.Get(ctx, "a")
				require.NoError(t, err)
				assert.JSONEq(t, `{"v":1}`, string(got.Payload))
				_, err = store.Get(ctx, "b")
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("delete is idempotent", func(t *testing.T) {
				store := open(t)
				defer store.Close()

				_, err := store.Create(ctx, doc("gone", `{}`))
				require.NoError(t, err)
				require.NoError(t, store.Delete(ctx, "GONE"))
				require.NoError(t, store.Delete(ctx, "gone"))

				_, err = store.Get(ctx, "gone")
				assert.ErrorIs(t, err, ErrNotFound)

				// 删除后可重新创建
				_, err = store.Create(ctx, doc("gone", `{"again":true}`))
				assert.NoError(t, err)
			})

			t.Run("invalid input", func(t *testing.T) {
				store := open(t)
				defer store.Close()

				_, err := store.Create(ctx, doc("", `{}`))
				assert.ErrorIs(t, err, ErrInvalidID)
				_, err = store.Create(ctx, doc("a/b", `{}`))
				assert.ErrorIs(t, err, ErrInvalidID)
				_, err = store.Create(ctx, doc("x", `[1,2]`))
				assert.ErrorIs(t, err, ErrInvalidPayload)
				_, err = store.Create(ctx, doc("x", `{"broken"`))
				assert.ErrorIs(t, err, ErrInvalidPayload)
			})

			t.Run("concurrent creates yield exactly one winner", func(t *testing.T) {
				store := open(t)
				defer store.Close()

				const writers = 8
				var (
					wg      sync.WaitGroup
					mu      sync.Mutex
					winners int
				)
				for i := 0; i < writers; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						_, err := store.Create(ctx, doc("race", fmt.Sprintf(`{"writer":%d}`, i)))
						if err == nil {
							mu.Lock()
							winners++
							mu.Unlock()
							return
						}
						assert.ErrorIs(t, err, ErrConflict)
					}(i)
				}
				wg.Wait()
				assert.Equal(t, 1, winners)
			})
		})
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), config.StateConfig{Backend: "etcd"}, nil)
	assert.Error(t, err)

	store, err := Open(context.Background(), config.StateConfig{Backend: config.BackendMemory}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)
}

// 外部传入的客户端不随存储关闭
func TestRedisStoreCloseKeepsBorrowedClient(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisStore(client, "")
	require.NoError(t, store.Close())
	assert.NoError(t, client.Ping(context.Background()).Err())
	assert.False(t, mr.Exists(config.DefaultRedisPrefix+"missing"))
}

func TestTranslateSQLError(t *testing.T) {
	assert.ErrorIs(t, translateSQLError(fmt.Errorf("database is locked (5) (SQLITE_BUSY)")), ErrLocked)
	assert.ErrorIs(t, translateSQLError(fmt.Errorf("Error 1062: Duplicate entry 'x' for key 'PRIMARY'")), ErrConflict)
	assert.NoError(t, translateSQLError(nil))
}
