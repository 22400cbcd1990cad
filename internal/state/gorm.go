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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/benchfleet/benchfleet/internal/config"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"
)

// stateRecord 状态文档的数据库记录
// state_key 为归一化后的 ID，doc_id 保留调用方写法
type stateRecord struct {
	Key       string    `gorm:"column:state_key;primaryKey;size:191"`
	DocID     string    `gorm:"column:doc_id;size:191;not null"`
	Payload   string    `gorm:"column:payload;type:text;not null"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName 指定表名
func (stateRecord) TableName() string {
	return "benchfleet_states"
}

func (r stateRecord) document() Document {
	return Document{
		ID:        r.DocID,
		Payload:   []byte(r.Payload),
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
}

// GormStore 基于 GORM 的状态存储实现
// 独占创建通过 INSERT ... ON CONFLICT DO NOTHING 实现
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 使用已有的 GORM 连接创建存储并迁移表结构
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&stateRecord{}); err != nil {
		return nil, fmt.Errorf("[State] 迁移状态表失败: %w", err)
	}
	return &GormStore{db: db}, nil
}

// OpenGorm 根据配置打开数据库连接
// 支持 SQLite、MySQL、PostgreSQL 三种数据库类型
func OpenGorm(cfg config.StateConfig, log *zap.Logger) (*gorm.DB, error) {
	var (
		dialector gorm.Dialector
		err       error
	)

	dbType := strings.ToLower(cfg.Backend)
	switch dbType {
	case config.BackendSQLite:
		dialector, err = initSQLiteDialector(cfg.SQLitePath, log)
	case config.BackendMySQL:
		dialector = initMySQLDialector(cfg, log)
	case config.BackendPostgres:
		dialector = initPostgresDialector(cfg, log)
	default:
		return nil, fmt.Errorf("[State] 不支持的数据库类型: %s，支持的类型: sqlite, mysql, postgres", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("[State] 初始化 %s 驱动失败: %w", dbType, err)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		TranslateError:                           true,
		Logger:                                   getGormLogger(cfg.LogLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("[State] 连接 %s 数据库失败: %w", dbType, err)
	}

	// 注入 OpenTelemetry 追踪
	if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		log.Warn("[State] 初始化追踪插件失败", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("[State] 获取底层数据库连接失败: %w", err)
	}
	if dbType == config.BackendSQLite {
		// SQLite 单写者，串行化连接避免 database is locked
		sqlDB.SetMaxOpenConns(1)
	} else {
		if cfg.MaxIdleConn > 0 {
			sqlDB.SetMaxIdleConns(cfg.MaxIdleConn)
		}
		if cfg.MaxOpenConn > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConn)
		}
		if cfg.ConnMaxLifetime > 0 {
			sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
		}
	}

	log.Info("[State] 成功连接到数据库", zap.String("type", dbType))
	return db, nil
}

// initSQLiteDialector 初始化 SQLite 驱动
func initSQLiteDialector(sqlitePath string, log *zap.Logger) (gorm.Dialector, error) {
	if sqlitePath == "" {
		sqlitePath = config.DefaultSQLitePath
	}

	if sqlitePath == ":memory:" {
		return sqlite.Open(sqlitePath), nil
	}

	// 确保目录存在
	if err := os.MkdirAll(filepath.Dir(sqlitePath), 0755); err != nil {
		return nil, fmt.Errorf("创建 SQLite 目录失败: %w", err)
	}

	log.Info("[State] 使用 SQLite 数据库", zap.String("path", sqlitePath))
	return sqlite.Open(sqlitePath + "?_pragma=busy_timeout(5000)"), nil
}

// initMySQLDialector 初始化 MySQL 驱动
func initMySQLDialector(cfg config.StateConfig, log *zap.Logger) gorm.Dialector {
	dsn := fmt.Sprintf(
		"%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database,
	)
	log.Info("[State] 连接 MySQL 数据库", zap.String("host", cfg.Host), zap.Int("port", cfg.Port), zap.String("database", cfg.Database))
	return mysql.Open(dsn)
}

// initPostgresDialector 初始化 PostgreSQL 驱动
func initPostgresDialector(cfg config.StateConfig, log *zap.Logger) gorm.Dialector {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable TimeZone=UTC",
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database,
	)
	log.Info("[State] 连接 PostgreSQL 数据库", zap.String("host", cfg.Host), zap.Int("port", cfg.Port), zap.String("database", cfg.Database))
	return postgres.Open(dsn)
}

// getGormLogger 根据配置获取 GORM 日志记录器
func getGormLogger(level string) logger.Interface {
	var logLevel logger.LogLevel
	switch level {
	case "silent":
		logLevel = logger.Silent
	case "error":
		logLevel = logger.Error
	case "warn":
		logLevel = logger.Warn
	case "info":
		logLevel = logger.Info
	default:
		logLevel = logger.Warn
	}
	return logger.Default.LogMode(logLevel)
}

// Create 独占创建文档
func (s *GormStore) Create(ctx context.Context, doc Document) (Document, error) {
	key, err := prepare(doc)
	if err != nil {
		return Document{}, err
	}

	now := time.Now().UTC()
	rec := stateRecord{
		Key:       key,
		DocID:     doc.ID,
		Payload:   string(compact(doc.Payload)),
		CreatedAt: now,
		UpdatedAt: now,
	}

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
	if result.Error != nil {
		return Document{}, translateSQLError(result.Error)
	}
	if result.RowsAffected == 0 {
		return Document{}, ErrConflict
	}
	return rec.document(), nil
}

// Get 获取文档
func (s *GormStore) Get(ctx context.Context, id string) (Document, error) {
	key, err := NormalizeID(id)
	if err != nil {
		return Document{}, err
	}

	var rec stateRecord
	if err := s.db.WithContext(ctx).Where("state_key = ?", key).Take(&rec).Error; err != nil {
		return Document{}, translateSQLError(err)
	}
	return rec.document(), nil
}

// Update 覆盖写入文档，不存在时创建
func (s *GormStore) Update(ctx context.Context, id string, doc Document) (Document, error) {
	if doc.ID == "" {
		doc.ID = id
	}
	key, err := prepareUpdate(id, doc)
	if err != nil {
		return Document{}, err
	}

	now := time.Now().UTC()
	rec := stateRecord{
		Key:       key,
		DocID:     doc.ID,
		Payload:   string(compact(doc.Payload)),
		CreatedAt: now,
		UpdatedAt: now,
	}

	var out stateRecord
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		upsert := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "state_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"doc_id", "payload", "updated_at"}),
		}).Create(&rec)
		if upsert.Error != nil {
			return upsert.Error
		}
		return tx.Where("state_key = ?", key).Take(&out).Error
	})
	if err != nil {
		return Document{}, translateSQLError(err)
	}
	return out.document(), nil
}

// Delete 删除文档，幂等
func (s *GormStore) Delete(ctx context.Context, id string) error {
	key, err := NormalizeID(id)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Where("state_key = ?", key).Delete(&stateRecord{}).Error; err != nil {
		return translateSQLError(err)
	}
	return nil
}

// Close 关闭底层数据库连接
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// lockSignatures 各数据库表示锁冲突的错误片段
var lockSignatures = []string{
	"database is locked",
	"sqlite_busy",
	"lock wait timeout",
	"deadlock",
	"could not serialize access",
	"could not obtain lock",
}

// duplicateSignatures 各数据库表示主键冲突的错误片段
var duplicateSignatures = []string{
	"unique constraint failed",
	"duplicate key",
	"duplicate entry",
}

// translateSQLError 将数据库错误转换为状态存储错误
func translateSQLError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrConflict
	}

	msg := strings.ToLower(err.Error())
	for _, sig := range duplicateSignatures {
		if strings.Contains(msg, sig) {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
	}
	for _, sig := range lockSignatures {
		if strings.Contains(msg, sig) {
			return fmt.Errorf("%w: %v", ErrLocked, err)
		}
	}
	return err
}
