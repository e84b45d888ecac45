package cdp

import (
	"sync"

	"cdpwatch/internal/protocol"
	"cdpwatch/pkg/domain"
)

// EventDisconnected 作用域关闭时发布的事件名
const EventDisconnected = "cdp.disconnected"

// Disconnected 连接或会话关闭通知，SessionID 为空表示连接本身
type Disconnected struct {
	SessionID domain.SessionID
}

func (*Disconnected) EventName() string { return EventDisconnected }

// 会话树变化时发布的事件名
const (
	EventSessionAttached = "cdp.sessionattached"
	EventSessionDetached = "cdp.sessiondetached"
)

// SessionAttached 新会话已创建，在连接和父会话上发布
type SessionAttached struct {
	Session *Session
}

func (*SessionAttached) EventName() string { return EventSessionAttached }

// SessionDetached 会话已分离，在连接和父会话上发布
type SessionDetached struct {
	Session *Session
}

func (*SessionDetached) EventName() string { return EventSessionDetached }

// Listener 事件监听器，在分发协程上调用
type Listener func(protocol.Event)

type listenerEntry struct {
	id int
	fn Listener
}

// emitter 按注册顺序通知监听器
type emitter struct {
	mu        sync.Mutex
	next      int
	listeners []listenerEntry
}

func (e *emitter) on(fn Listener) func() {
	e.mu.Lock()
	e.next++
	id := e.next
	e.listeners = append(e.listeners, listenerEntry{id: id, fn: fn})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			for i, l := range e.listeners {
				if l.id == id {
					e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

func (e *emitter) emit(ev protocol.Event) {
	e.mu.Lock()
	snapshot := make([]Listener, len(e.listeners))
	for i, l := range e.listeners {
		snapshot[i] = l.fn
	}
	e.mu.Unlock()
	for _, fn := range snapshot {
		fn(ev)
	}
}
