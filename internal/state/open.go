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
	"fmt"
	"strings"

	"github.com/benchfleet/benchfleet/internal/config"
	"go.uber.org/zap"
)

// Open 根据 state.backend 创建状态存储
func Open(ctx context.Context, cfg config.StateConfig, log *zap.Logger) (Store, error) {
	if log == nil {
		log = zap.NewNop()
	}

	switch strings.ToLower(cfg.Backend) {
	case "", config.BackendMemory:
		log.Info("[State] 使用内存状态存储")
		return NewMemoryStore(), nil
	case config.BackendSQLite, config.BackendMySQL, config.BackendPostgres:
		db, err := OpenGorm(cfg, log)
		if err != nil {
			return nil, err
		}
		store, err := NewGormStore(db)
		if err != nil {
			if sqlDB, dbErr := db.DB(); dbErr == nil {
				_ = sqlDB.Close()
			}
			return nil, err
		}
		return store, nil
	case config.BackendRedis:
		return OpenRedis(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("[State] 不支持的存储后端: %s", cfg.Backend)
	}
}
