// Package networktest 提供网络管理器测试用的会话替身
package networktest

import (
	"context"
	"sync"
	"testing"

	"github.com/tidwall/gjson"

	"cdpwatch/internal/cdp"
	"cdpwatch/internal/protocol"
	"cdpwatch/pkg/domain"
)

// Command 已发出的命令
type Command struct {
	Method string
	Params gjson.Result
}

// Client 同步投递事件并记录发出命令的会话替身，满足 network.Client
type Client struct {
	id domain.SessionID

	mu        sync.Mutex
	sent      []Command
	listeners []cdp.Listener
	replies   map[string]string
	failures  map[string]error
}

// NewClient 创建会话替身
func NewClient(id string) *Client {
	return &Client{
		id:       domain.SessionID(id),
		replies:  make(map[string]string),
		failures: make(map[string]error),
	}
}

func (c *Client) ID() domain.SessionID { return c.id }

// Call 记录命令并立即完成，未设置应答时返回空对象
func (c *Client) Call(method string, params any) *cdp.Call {
	raw := "{}"
	if params != nil {
		b, err := protocol.Marshal(params)
		if err != nil {
			return cdp.CompletedCall(method, nil, err)
		}
		raw = string(b)
	}
	c.mu.Lock()
	c.sent = append(c.sent, Command{Method: method, Params: gjson.Parse(raw)})
	reply, ok := c.replies[method]
	err := c.failures[method]
	c.mu.Unlock()
	if err != nil {
		return cdp.CompletedCall(method, nil, err)
	}
	if !ok {
		reply = "{}"
	}
	return cdp.CompletedCall(method, []byte(reply), nil)
}

func (c *Client) Send(ctx context.Context, method string, params, result any) error {
	return c.Call(method, params).Await(ctx, result)
}

func (c *Client) On(fn cdp.Listener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
	idx := len(c.listeners) - 1
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.listeners[idx] = nil
	}
}

// SetReply 设置命令的应答 JSON
func (c *Client) SetReply(method, result string) {
	c.mu.Lock()
	c.replies[method] = result
	c.mu.Unlock()
}

// SetFailure 设置命令返回的错误
func (c *Client) SetFailure(method string, err error) {
	c.mu.Lock()
	c.failures[method] = err
	c.mu.Unlock()
}

// Emit 在调用方 goroutine 上投递事件
func (c *Client) Emit(ev protocol.Event) {
	c.mu.Lock()
	ls := append([]cdp.Listener(nil), c.listeners...)
	c.mu.Unlock()
	for _, l := range ls {
		if l != nil {
			l(ev)
		}
	}
}

// EmitJSON 按方法名解码参数后投递
func (c *Client) EmitJSON(t testing.TB, method, params string) {
	t.Helper()
	ev, err := protocol.DecodeEvent(method, []byte(params))
	if err != nil {
		t.Fatalf("decode %s: %v", method, err)
	}
	c.Emit(ev)
}

// Commands 返回指定方法的已发命令
func (c *Client) Commands(method string) []Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Command
	for _, cmd := range c.sent {
		if cmd.Method == method {
			out = append(out, cmd)
		}
	}
	return out
}

// Reset 清空命令记录
func (c *Client) Reset() {
	c.mu.Lock()
	c.sent = nil
	c.mu.Unlock()
}
