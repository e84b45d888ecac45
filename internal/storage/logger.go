package storage

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"cdpwatch/internal/ctxkeys"
	"cdpwatch/internal/logger"
)

// defaultSlowThreshold 超过该耗时的 SQL 记为慢查询
const defaultSlowThreshold = 200 * time.Millisecond

// GormLogger 把 GORM 日志转发到 logger.Logger，并带上链路 id
type GormLogger struct {
	log           logger.Logger
	level         gormlogger.LogLevel
	slowThreshold time.Duration
}

// NewGormLogger 创建 GORM 日志适配器，默认只输出告警及以上
func NewGormLogger(l logger.Logger) *GormLogger {
	if l == nil {
		l = logger.NewNop()
	}
	return &GormLogger{
		log:           l.With("component", "storage"),
		level:         gormlogger.Warn,
		slowThreshold: defaultSlowThreshold,
	}
}

// LogMode 返回指定级别的副本
func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *l
	cp.level = level
	return &cp
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Info {
		l.log.Info(msg, l.fields(ctx, "data", data)...)
	}
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Warn {
		l.log.Warn(msg, l.fields(ctx, "data", data)...)
	}
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Error {
		l.log.Error(msg, l.fields(ctx, "data", data)...)
	}
}

// Trace 记录 SQL 执行，未找到记录不视为错误
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := l.fields(ctx, "sql", sql, "rows", rows, "elapsedMs", float64(elapsed.Nanoseconds())/1e6)

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= gormlogger.Error:
		l.log.Err(err, "SQL执行错误", fields...)
	case l.slowThreshold > 0 && elapsed > l.slowThreshold && l.level >= gormlogger.Warn:
		l.log.Warn("慢SQL查询", append(fields, "threshold", l.slowThreshold.String())...)
	case l.level >= gormlogger.Info:
		l.log.Debug("SQL执行", fields...)
	}
}

func (l *GormLogger) fields(ctx context.Context, kv ...any) []any {
	if id := ctxkeys.TraceID(ctx); id != "" {
		return append([]any{"traceId", id}, kv...)
	}
	return kv
}
