package cdp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mafredri/cdp/protocol/target"

	"cdpwatch/internal/logger"
	"cdpwatch/internal/protocol"
	"cdpwatch/pkg/domain"
)

// Options 连接选项
type Options struct {
	URL    string
	Delay  time.Duration // 每条入站消息处理前的延迟，用于慢动作调试
	Logger logger.Logger
}

// Connection 一条物理传输上的多路复用连接
type Connection struct {
	url       string
	transport Transport
	log       logger.Logger
	delay     time.Duration

	lastID atomic.Int64
	calls  *callTable
	events emitter

	mu       sync.Mutex
	sessions map[domain.SessionID]*Session
	closed   bool

	done chan struct{}
}

// NewConnection 基于已建立的传输创建连接并启动读循环
func NewConnection(t Transport, opts Options) *Connection {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	c := &Connection{
		url:       opts.URL,
		transport: t,
		log:       opts.Logger.With("component", "cdp"),
		delay:     opts.Delay,
		calls:     newCallTable(),
		sessions:  make(map[domain.SessionID]*Session),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Dial 解析端点并建立 WebSocket 连接
func Dial(ctx context.Context, endpoint string, opts Options) (*Connection, error) {
	wsURL, err := ResolveWebSocketURL(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	t, err := DialWebSocket(ctx, wsURL)
	if err != nil {
		return nil, err
	}
	opts.URL = wsURL
	return NewConnection(t, opts), nil
}

func (c *Connection) URL() string { return c.url }

// Done 连接关闭后关闭
func (c *Connection) Done() <-chan struct{} { return c.done }

// Closed 连接是否已关闭
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Call 发出连接级命令，立即返回结果句柄
func (c *Connection) Call(method string, params any) *Call {
	return c.rawSend("", method, params, c.calls, reasonTargetClosed)
}

// Send 发出连接级命令并等待结果
func (c *Connection) Send(ctx context.Context, method string, params, result any) error {
	return c.Call(method, params).Await(ctx, result)
}

// On 订阅无会话的全局事件
func (c *Connection) On(fn Listener) (off func()) {
	return c.events.on(fn)
}

// Session 按 id 查找会话
func (c *Connection) Session(id domain.SessionID) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	return s, ok
}

// Sessions 当前会话快照
func (c *Connection) Sessions() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

// PendingCalls 连接级未完成调用数
func (c *Connection) PendingCalls() int { return c.calls.len() }

// CreateSession 以 flatten 模式附加到目标并返回对应会话
func (c *Connection) CreateSession(ctx context.Context, targetID domain.TargetID) (*Session, error) {
	args := target.NewAttachToTargetArgs(target.ID(targetID)).SetFlatten(true)
	var reply target.AttachToTargetReply
	if err := c.Send(ctx, "Target.attachToTarget", args, &reply); err != nil {
		return nil, err
	}
	s, ok := c.Session(domain.SessionID(reply.SessionID))
	if !ok {
		return nil, fmt.Errorf("session %s for target %s was not created", reply.SessionID, targetID)
	}
	return s, nil
}

// Close 关闭连接，幂等
func (c *Connection) Close() error {
	if !c.shutdown() {
		return nil
	}
	return c.transport.Close()
}

func (c *Connection) rawSend(sessionID domain.SessionID, method string, params any, table *callTable, reason string) *Call {
	if table.isClosed() {
		return CompletedCall(method, nil, &TargetClosedError{Method: method, Reason: reason})
	}
	id := c.lastID.Add(1)
	b, err := protocol.EncodeCommand(id, sessionID, method, params)
	if err != nil {
		return CompletedCall(method, nil, err)
	}
	call := newCall(id, method)
	if !table.add(call) {
		call.complete(nil, &TargetClosedError{Method: method, Reason: reason})
		return call
	}
	c.log.Debug("SEND ►", "message", string(b))
	if err := c.transport.Send(b); err != nil {
		if _, ok := table.take(id); ok {
			call.complete(nil, fmt.Errorf("send %s: %w", method, err))
		}
	}
	return call
}

func (c *Connection) readLoop() {
	for {
		b, err := c.transport.Receive()
		if err != nil {
			if !c.Closed() {
				c.log.Warn("传输已断开", "error", err.Error())
			}
			if c.shutdown() {
				_ = c.transport.Close()
			}
			return
		}
		if c.delay > 0 {
			time.Sleep(c.delay)
		}
		if c.Closed() {
			return
		}
		c.dispatch(b)
	}
}

// dispatch 处理一条入站消息，只在读循环上调用
func (c *Connection) dispatch(raw []byte) {
	c.log.Debug("RECV ◀", "message", string(raw))
	msg, err := protocol.ParseMessage(raw)
	if err != nil {
		c.log.Err(err, "解析入站消息失败")
		return
	}

	var ev protocol.Event
	if msg.Method != "" && msg.ID == 0 {
		ev, err = protocol.DecodeEvent(msg.Method, msg.Params)
		if err != nil {
			c.log.Err(err, "解码事件失败", "method", msg.Method)
			return
		}
	}

	switch e := ev.(type) {
	case *protocol.AttachedToTarget:
		c.onAttached(msg.SessionID, e)
	case *protocol.DetachedFromTarget:
		c.onDetached(msg.SessionID, e)
	}

	if msg.SessionID != "" {
		s, ok := c.Session(msg.SessionID)
		if !ok {
			c.log.Debug("消息所属会话不存在", "session", string(msg.SessionID), "method", msg.Method, "id", msg.ID)
			return
		}
		if ev != nil {
			s.onEvent(ev)
		} else {
			s.onResponse(msg)
		}
		return
	}

	if msg.ID != 0 {
		if call, ok := c.calls.take(msg.ID); ok {
			call.resolve(msg)
		} else {
			c.log.Debug("收到未知 id 的响应", "id", msg.ID)
		}
		return
	}

	c.events.emit(ev)
}

// onAttached 创建会话；parentID 为宣告该附加的消息所属会话，连接级附加时为空
func (c *Connection) onAttached(parentID domain.SessionID, e *protocol.AttachedToTarget) {
	info := e.TargetInfo
	s := newSession(c, e.SessionID, parentID, domain.TargetKind(info.Type), info.TargetID)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.sessions[e.SessionID] = s
	parent := c.sessions[parentID]
	c.mu.Unlock()
	c.log.Debug("会话已附加", "session", string(e.SessionID), "parent", string(parentID), "type", info.Type, "target", string(info.TargetID))

	c.events.emit(&SessionAttached{Session: s})
	if parent != nil {
		parent.events.emit(&SessionAttached{Session: s})
	}
}

func (c *Connection) onDetached(parentID domain.SessionID, e *protocol.DetachedFromTarget) {
	c.mu.Lock()
	s, ok := c.sessions[e.SessionID]
	if ok {
		delete(c.sessions, e.SessionID)
	}
	parent := c.sessions[parentID]
	c.mu.Unlock()
	if !ok {
		return
	}
	s.onClosed()
	c.log.Debug("会话已分离", "session", string(e.SessionID))

	c.events.emit(&SessionDetached{Session: s})
	if parent != nil {
		parent.events.emit(&SessionDetached{Session: s})
	}
}

// shutdown 标记关闭并拒绝全部调用，首次调用返回 true
func (c *Connection) shutdown() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	sessions := c.sessions
	c.sessions = make(map[domain.SessionID]*Session)
	c.mu.Unlock()

	c.calls.rejectAll(reasonTargetClosed)
	for _, s := range sessions {
		s.onClosed()
	}
	c.events.emit(&Disconnected{})
	close(c.done)
	return true
}
