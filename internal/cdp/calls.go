package cdp

import (
	"context"
	stdjson "encoding/json"
	"sync"

	"cdpwatch/internal/protocol"
)

// Call 一次已发出命令的结果句柄，只会完成一次
type Call struct {
	ID     int64
	Method string

	done   chan struct{}
	result stdjson.RawMessage
	err    error
}

func newCall(id int64, method string) *Call {
	return &Call{ID: id, Method: method, done: make(chan struct{})}
}

// CompletedCall 构造一个已完成的调用，供替身客户端与立即失败的路径使用
func CompletedCall(method string, result []byte, err error) *Call {
	c := newCall(0, method)
	c.complete(result, err)
	return c
}

func (c *Call) complete(result stdjson.RawMessage, err error) {
	c.result = result
	c.err = err
	close(c.done)
}

func (c *Call) resolve(msg *protocol.Message) {
	if msg.Error != nil {
		c.complete(nil, &ProtocolError{
			Method:  c.Method,
			Code:    msg.Error.Code,
			Message: msg.Error.Message,
			Data:    msg.Error.DataString(),
		})
		return
	}
	c.complete(msg.Result, nil)
}

// Done 在调用完成时关闭
func (c *Call) Done() <-chan struct{} { return c.done }

// Err 完成后的错误，未完成时为 nil
func (c *Call) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Result 完成后的原始结果
func (c *Call) Result() stdjson.RawMessage {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

// Wait 等待调用完成或 ctx 结束
func (c *Call) Wait(ctx context.Context) (stdjson.RawMessage, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Await 等待完成并把结果解码到 v，v 为 nil 时忽略结果
func (c *Call) Await(ctx context.Context, v any) error {
	res, err := c.Wait(ctx)
	if err != nil {
		return err
	}
	if v == nil || len(res) == 0 {
		return nil
	}
	return protocol.Unmarshal(res, v)
}

// callTable 某一作用域内尚未完成的调用
type callTable struct {
	mu     sync.Mutex
	calls  map[int64]*Call
	closed bool
}

func newCallTable() *callTable {
	return &callTable{calls: make(map[int64]*Call)}
}

// add 登记调用，作用域已关闭时返回 false
func (t *callTable) add(c *Call) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.calls[c.ID] = c
	return true
}

func (t *callTable) take(id int64) (*Call, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.calls[id]
	if ok {
		delete(t.calls, id)
	}
	return c, ok
}

func (t *callTable) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// rejectAll 关闭作用域并以 TargetClosedError 拒绝全部未完成调用
func (t *callTable) rejectAll(reason string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	calls := t.calls
	t.calls = make(map[int64]*Call)
	t.mu.Unlock()

	for _, c := range calls {
		c.complete(nil, &TargetClosedError{Method: c.Method, Reason: reason})
	}
}

func (t *callTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
