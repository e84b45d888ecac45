package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 统一日志接口，kv 为交替的键值对
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
	Err(err error, msg string, kv ...any)
	With(kv ...any) Logger
}

// Options 日志输出配置
type Options struct {
	Level      string   // debug, info, warn, error
	Writers    []string // console, file
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// DefaultOptions 返回默认配置
func DefaultOptions() Options {
	return Options{
		Level:      "info",
		Writers:    []string{"console"},
		FilePath:   "logs/cdpwatch.log",
		MaxSizeMB:  100,
		MaxBackups: 3,
		MaxAgeDays: 28,
		Compress:   true,
	}
}

type zeroLogger struct {
	l zerolog.Logger
}

// New 按配置创建 zerolog 日志器，返回的 closer 用于关闭文件输出
func New(opts Options) (Logger, func() error, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}

	var writers []io.Writer
	closer := func() error { return nil }
	for _, w := range opts.Writers {
		switch strings.ToLower(w) {
		case "console":
			writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
		case "file":
			if dir := filepath.Dir(opts.FilePath); dir != "" {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, nil, err
				}
			}
			lj := &lumberjack.Logger{
				Filename:   opts.FilePath,
				MaxSize:    opts.MaxSizeMB,
				MaxBackups: opts.MaxBackups,
				MaxAge:     opts.MaxAgeDays,
				Compress:   opts.Compress,
				LocalTime:  true,
			}
			writers = append(writers, lj)
			closer = lj.Close
		}
	}
	if len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}

	l := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(level).With().Timestamp().Logger()
	return &zeroLogger{l: l}, closer, nil
}

// NewWriter 直接基于 writer 创建日志器，主要用于测试
func NewWriter(w io.Writer, level string) Logger {
	lv, err := zerolog.ParseLevel(level)
	if err != nil {
		lv = zerolog.DebugLevel
	}
	return &zeroLogger{l: zerolog.New(w).Level(lv).With().Timestamp().Logger()}
}

// NewNop 返回丢弃所有输出的日志器
func NewNop() Logger {
	return &zeroLogger{l: zerolog.Nop()}
}

func (z *zeroLogger) Debug(msg string, kv ...any) { z.emit(z.l.Debug(), msg, kv) }
func (z *zeroLogger) Info(msg string, kv ...any)  { z.emit(z.l.Info(), msg, kv) }
func (z *zeroLogger) Warn(msg string, kv ...any)  { z.emit(z.l.Warn(), msg, kv) }
func (z *zeroLogger) Error(msg string, kv ...any) { z.emit(z.l.Error(), msg, kv) }

func (z *zeroLogger) Err(err error, msg string, kv ...any) {
	z.emit(z.l.Error().Err(err), msg, kv)
}

func (z *zeroLogger) With(kv ...any) Logger {
	if len(kv) == 0 {
		return z
	}
	return &zeroLogger{l: z.l.With().Fields(normalize(kv)).Logger()}
}

func (z *zeroLogger) emit(e *zerolog.Event, msg string, kv []any) {
	if e == nil {
		return
	}
	if len(kv) > 0 {
		e = e.Fields(normalize(kv))
	}
	e.Msg(msg)
}

// normalize 保证键值对数量为偶数，键为字符串
func normalize(kv []any) []any {
	if len(kv)%2 != 0 {
		kv = append(kv, "<missing>")
	}
	out := make([]any, len(kv))
	for i := 0; i < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			out[i] = k
		} else {
			out[i] = "<bad-key>"
		}
		out[i+1] = kv[i+1]
	}
	return out
}
