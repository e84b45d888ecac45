package cdp

import (
	"context"
	"fmt"
	"sync"

	"github.com/mafredri/cdp/protocol/target"

	"cdpwatch/internal/protocol"
	"cdpwatch/pkg/domain"
)

// Session 连接上的一个逻辑子通道，对应一个目标
type Session struct {
	id       domain.SessionID
	parentID domain.SessionID
	kind     domain.TargetKind
	targetID domain.TargetID

	mu     sync.Mutex
	conn   *Connection // 关闭后置空，不持有连接
	calls  *callTable
	events emitter
}

func newSession(conn *Connection, id, parentID domain.SessionID, kind domain.TargetKind, targetID domain.TargetID) *Session {
	return &Session{
		id:       id,
		parentID: parentID,
		kind:     kind,
		targetID: targetID,
		conn:     conn,
		calls:    newCallTable(),
	}
}

func (s *Session) ID() domain.SessionID      { return s.id }
func (s *Session) Kind() domain.TargetKind   { return s.kind }
func (s *Session) TargetID() domain.TargetID { return s.targetID }
func (s *Session) PendingCalls() int         { return s.calls.len() }

// ParentSession 返回父会话；由连接直接附加或父会话已分离时返回 nil
func (s *Session) ParentSession() *Session {
	if s.parentID == "" {
		return nil
	}
	conn := s.Connection()
	if conn == nil {
		return nil
	}
	parent, ok := conn.Session(s.parentID)
	if !ok {
		return nil
	}
	return parent
}

// ParentID 父会话 id，可能为空
func (s *Session) ParentID() domain.SessionID { return s.parentID }

// Connection 所属连接，会话关闭后为 nil
func (s *Session) Connection() *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Closed 会话是否已分离
func (s *Session) Closed() bool { return s.Connection() == nil }

// Call 在会话上发出命令，立即返回结果句柄
func (s *Session) Call(method string, params any) *Call {
	reason := fmt.Sprintf(reasonSessionClosed, s.kind)
	conn := s.Connection()
	if conn == nil {
		return CompletedCall(method, nil, &TargetClosedError{Method: method, Reason: reason})
	}
	return conn.rawSend(s.id, method, params, s.calls, reason)
}

// Send 在会话上发出命令并等待结果
func (s *Session) Send(ctx context.Context, method string, params, result any) error {
	return s.Call(method, params).Await(ctx, result)
}

// On 订阅该会话上的事件
func (s *Session) On(fn Listener) (off func()) {
	return s.events.on(fn)
}

// Detach 请求从目标分离，会话在收到 detachedFromTarget 后关闭
func (s *Session) Detach(ctx context.Context) error {
	conn := s.Connection()
	if conn == nil {
		return &TargetClosedError{Method: "Target.detachFromTarget", Reason: fmt.Sprintf(reasonSessionClosed, s.kind)}
	}
	args := target.NewDetachFromTargetArgs().SetSessionID(target.SessionID(s.id))
	return conn.Send(ctx, "Target.detachFromTarget", args, nil)
}

func (s *Session) onResponse(msg *protocol.Message) {
	call, ok := s.calls.take(msg.ID)
	if !ok {
		if conn := s.Connection(); conn != nil {
			conn.log.Debug("收到未知 id 的会话响应", "session", string(s.id), "id", msg.ID)
		}
		return
	}
	call.resolve(msg)
}

func (s *Session) onEvent(ev protocol.Event) {
	s.events.emit(ev)
}

func (s *Session) onClosed() {
	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.mu.Unlock()

	s.calls.rejectAll(fmt.Sprintf(reasonSessionClosed, s.kind))
	s.events.emit(&Disconnected{SessionID: s.id})
}
