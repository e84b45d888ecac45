package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"cdpwatch/internal/logger"
)

// Record 一个已结束请求（含重定向中的每一跳）的记录
type Record struct {
	ID              string    `gorm:"primaryKey;size:36" json:"id"`
	RunID           string    `gorm:"index;size:36" json:"runId"`
	SessionID       string    `gorm:"index;size:64" json:"sessionId"`
	RequestID       string    `gorm:"index;size:64" json:"requestId"`
	URL             string    `json:"url"`
	Method          string    `gorm:"size:16" json:"method"`
	ResourceType    string    `gorm:"size:32" json:"resourceType"`
	Status          int       `json:"status"`
	StatusText      string    `json:"statusText"`
	MIMEType        string    `json:"mimeType"`
	RemoteAddress   string    `json:"remoteAddress"`
	RedirectCount   int       `json:"redirectCount"`
	FromCache       bool      `json:"fromCache"`
	Navigation      bool      `json:"navigation"`
	Failed          bool      `gorm:"index" json:"failed"`
	FailureText     string    `json:"failureText"`
	RequestHeaders  string    `json:"requestHeaders"`
	ResponseHeaders string    `json:"responseHeaders"`
	CreatedAt       time.Time `gorm:"index" json:"createdAt"`
}

// Options 存储配置
type Options struct {
	DSN    string
	Prefix string
	Logger logger.Logger
}

// Store 基于 SQLite 的请求记录存储
type Store struct {
	db *gorm.DB
}

// ErrClosed 存储已关闭
var ErrClosed = errors.New("store is closed")

// Open 打开数据库并迁移表结构
func Open(opts Options) (*Store, error) {
	if opts.DSN == "" {
		return nil, errors.New("sqlite dsn is empty")
	}
	db, err := gorm.Open(sqlite.Open(opts.DSN), &gorm.Config{
		Logger:         NewGormLogger(opts.Logger),
		NamingStrategy: schema.NamingStrategy{TablePrefix: opts.Prefix},
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", opts.DSN, err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Save 写入记录，空 id 和时间会被补齐
func (s *Store) Save(ctx context.Context, records ...*Record) error {
	if len(records) == 0 {
		return nil
	}
	now := time.Now()
	for _, r := range records {
		if r.ID == "" {
			r.ID = newID()
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
	}
	return s.db.WithContext(ctx).Create(records).Error
}

// Query 查询条件，零值字段不参与过滤
type Query struct {
	RunID      string
	URLLike    string
	FailedOnly bool
	Limit      int
}

// Recent 按时间倒序返回最近 n 条记录
func (s *Store) Recent(ctx context.Context, n int) ([]Record, error) {
	return s.Find(ctx, Query{Limit: n})
}

// Find 按条件查询，时间倒序
func (s *Store) Find(ctx context.Context, q Query) ([]Record, error) {
	tx := s.db.WithContext(ctx).Model(&Record{})
	if q.RunID != "" {
		tx = tx.Where("run_id = ?", q.RunID)
	}
	if q.URLLike != "" {
		tx = tx.Where("url LIKE ?", "%"+q.URLLike+"%")
	}
	if q.FailedOnly {
		tx = tx.Where("failed = ?", true)
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	var out []Record
	if err := tx.Order("created_at DESC").Order("id").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Count 记录总数
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Record{}).Count(&n).Error
	return n, err
}

// Close 关闭底层连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
