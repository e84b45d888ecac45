package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"

	"cdpwatch/internal/ctxkeys"
	"cdpwatch/internal/logger"
	"cdpwatch/internal/network"
	"cdpwatch/internal/protocol"
)

const (
	defaultRecorderBuffer = 256
	redacted              = "[REDACTED]"
)

// sensitiveHeaders 写库前脱敏的头部
var sensitiveHeaders = []string{"authorization", "proxy-authorization", "cookie", "set-cookie"}

func newID() string { return uuid.NewString() }

// Recorder 订阅网络生命周期事件，异步写入已结束的请求
type Recorder struct {
	store   *Store
	runID   string
	log     logger.Logger
	records chan *Record
	dropped atomic.Int64

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewRecorder 创建并启动记录器，buffer 为待写队列长度
func NewRecorder(store *Store, runID string, buffer int, l logger.Logger) *Recorder {
	if l == nil {
		l = logger.NewNop()
	}
	if buffer <= 0 {
		buffer = defaultRecorderBuffer
	}
	r := &Recorder{
		store:   store,
		runID:   runID,
		log:     l.With("component", "recorder"),
		records: make(chan *Record, buffer),
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

// Listen 作为 network.Listener 使用；在分发协程上调用，队列满时丢弃
func (r *Recorder) Listen(ev network.Event) {
	var rec *Record
	switch e := ev.(type) {
	case network.RequestFinishedEvent:
		rec = r.toRecord(e.Request)
	case network.RequestFailedEvent:
		rec = r.toRecord(e.Request)
	default:
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.records <- rec:
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			r.log.Warn("记录队列已满，丢弃请求记录", "dropped", n)
		}
	}
}

// Dropped 因队列满被丢弃的记录数
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Close 停止接收并等待队列写完
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.closed = true
	close(r.records)
	r.mu.Unlock()
	<-r.done
	return nil
}

func (r *Recorder) loop() {
	defer close(r.done)
	ctx := ctxkeys.WithTraceID(context.Background(), r.runID)
	for rec := range r.records {
		if err := r.store.Save(ctx, rec); err != nil {
			r.log.Err(err, "写入请求记录失败", "url", rec.URL)
		}
	}
}

func (r *Recorder) toRecord(req *network.Request) *Record {
	rec := &Record{
		ID:             newID(),
		RunID:          r.runID,
		SessionID:      string(req.SessionID()),
		RequestID:      string(req.ID()),
		URL:            req.URL(),
		Method:         req.Method(),
		ResourceType:   req.ResourceType(),
		RedirectCount:  req.RedirectCount(),
		Navigation:     req.IsNavigationRequest(),
		RequestHeaders: redactHeaders(req.Headers()),
	}
	if text, failed := req.Failure(); failed {
		rec.Failed = true
		rec.FailureText = text
	}
	if resp := req.Response(); resp != nil {
		rec.Status = resp.Status()
		rec.StatusText = resp.StatusText()
		rec.MIMEType = resp.MIMEType()
		rec.FromCache = resp.FromCache()
		rec.ResponseHeaders = redactHeaders(resp.Headers())
		if addr := resp.RemoteAddress(); addr.IP != "" {
			rec.RemoteAddress = fmt.Sprintf("%s:%d", addr.IP, addr.Port)
		}
	} else if req.FromMemoryCache() {
		rec.FromCache = true
	}
	return rec
}

// redactHeaders 序列化头部并把敏感值替换为占位符，键为小写
func redactHeaders(h map[string]string) string {
	b, err := protocol.Marshal(h)
	if err != nil {
		return "{}"
	}
	for _, k := range sensitiveHeaders {
		if _, ok := h[k]; !ok {
			continue
		}
		if out, err := sjson.SetBytes(b, k, redacted); err == nil {
			b = out
		}
	}
	return string(b)
}
