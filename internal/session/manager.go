package session

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/mafredri/cdp/protocol/target"

	"cdpwatch/internal/cdp"
	"cdpwatch/internal/logger"
	"cdpwatch/internal/network"
	"cdpwatch/internal/protocol"
	"cdpwatch/pkg/domain"
)

// networkKinds 需要交给网络管理器的目标类型
var networkKinds = map[domain.TargetKind]bool{
	domain.TargetPage:          true,
	domain.TargetIframe:        true,
	domain.TargetWorker:        true,
	domain.TargetServiceWorker: true,
	domain.TargetSharedWorker:  true,
}

// Manager 发现并自动附加目标，把会话注册到网络管理器
type Manager struct {
	conn    *cdp.Connection
	network *network.Manager
	log     logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	closed   bool
	targets  map[domain.TargetID]domain.TargetInfo
	sessions map[domain.TargetID]*cdp.Session
	offs     []func()
}

// NewManager 创建目标管理器
func NewManager(conn *cdp.Connection, nm *network.Manager, l logger.Logger) *Manager {
	if l == nil {
		l = logger.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		conn:     conn,
		network:  nm,
		log:      l.With("component", "session"),
		ctx:      ctx,
		cancel:   cancel,
		targets:  make(map[domain.TargetID]domain.TargetInfo),
		sessions: make(map[domain.TargetID]*cdp.Session),
	}
}

// Start 开启目标发现与 flatten 自动附加
func (m *Manager) Start(ctx context.Context) error {
	m.track(m.conn.On(m.handle))

	var reply target.GetTargetsReply
	if err := m.conn.Send(ctx, "Target.getTargets", nil, &reply); err != nil {
		return err
	}
	for _, info := range reply.TargetInfos {
		m.upsert(info)
	}
	if err := m.conn.Send(ctx, "Target.setDiscoverTargets", target.NewSetDiscoverTargetsArgs(true), nil); err != nil {
		return err
	}
	return m.conn.Send(ctx, "Target.setAutoAttach", autoAttachArgs(), nil)
}

func autoAttachArgs() *target.SetAutoAttachArgs {
	return target.NewSetAutoAttachArgs(true, true).SetFlatten(true)
}

// Close 停止会话初始化协程并解除监听
func (m *Manager) Close() {
	m.cancel()
	m.mu.Lock()
	m.closed = true
	offs := m.offs
	m.offs = nil
	m.mu.Unlock()
	for _, off := range offs {
		off()
	}
	m.wg.Wait()
}

func (m *Manager) track(off func()) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		off()
		return
	}
	m.offs = append(m.offs, off)
	m.mu.Unlock()
}

// Attach 手动附加到目标
func (m *Manager) Attach(ctx context.Context, id domain.TargetID) error {
	if s, ok := m.Session(id); ok && !s.Closed() {
		return nil
	}
	_, err := m.conn.CreateSession(ctx, id)
	return err
}

// Detach 分离目标
func (m *Manager) Detach(ctx context.Context, id domain.TargetID) error {
	s, ok := m.Session(id)
	if !ok {
		return nil
	}
	return s.Detach(ctx)
}

// Get 获取目标信息
func (m *Manager) Get(id domain.TargetID) (domain.TargetInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.targets[id]
	return info, ok
}

// Session 目标当前附加的会话
func (m *Manager) Session(id domain.TargetID) (*cdp.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List 返回已知目标，按 id 排序
func (m *Manager) List() []domain.TargetInfo {
	m.mu.RLock()
	list := make([]domain.TargetInfo, 0, len(m.targets))
	for _, t := range m.targets {
		list = append(list, t)
	}
	m.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// handle 在连接或会话的分发协程上调用，不能阻塞
func (m *Manager) handle(ev protocol.Event) {
	switch e := ev.(type) {
	case *protocol.TargetCreated:
		m.upsert(e.TargetInfo)
	case *protocol.TargetInfoChanged:
		m.upsert(e.TargetInfo)
	case *protocol.TargetDestroyed:
		m.mu.Lock()
		delete(m.targets, e.TargetID)
		delete(m.sessions, e.TargetID)
		m.mu.Unlock()
	case *protocol.AttachedToTarget:
		m.onAttached(e)
	case *protocol.DetachedFromTarget:
		m.onDetached(e)
	}
}

func (m *Manager) upsert(info target.Info) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.targets[info.TargetID]
	cur.ID = info.TargetID
	cur.Type = domain.TargetKind(info.Type)
	cur.URL = info.URL
	cur.Title = info.Title
	cur.Attached = info.Attached
	if !info.Attached {
		cur.Session = ""
	}
	m.targets[info.TargetID] = cur
}

func (m *Manager) onAttached(e *protocol.AttachedToTarget) {
	s, ok := m.conn.Session(e.SessionID)
	if !ok {
		return
	}
	info := e.TargetInfo
	info.Attached = true
	kind := domain.TargetKind(info.Type)
	m.upsert(info)
	m.mu.Lock()
	t := m.targets[info.TargetID]
	t.Session = e.SessionID
	m.targets[info.TargetID] = t
	m.sessions[info.TargetID] = s
	m.mu.Unlock()

	m.log.Info("目标已附加", "target", string(info.TargetID), "type", info.Type, "url", info.URL)

	if !networkKinds[kind] {
		if e.WaitingForDebugger {
			m.fireAndForget(s.Call("Runtime.runIfWaitingForDebugger", nil))
		}
		return
	}

	// 子目标的附加事件携带父会话 id，由父会话投递
	m.track(s.On(m.handle))

	waiting := e.WaitingForDebugger
	m.spawn(func() { m.setup(s, kind, waiting) })
}

// setup 下发网络设置后再恢复等待调试器的目标
func (m *Manager) setup(s *cdp.Session, kind domain.TargetKind, waiting bool) {
	if err := m.network.AddClient(m.ctx, s); err != nil {
		m.logSetupErr(err, s, "注册网络会话失败")
	}
	if kind == domain.TargetPage || kind == domain.TargetIframe {
		if err := s.Send(m.ctx, "Target.setAutoAttach", autoAttachArgs(), nil); err != nil {
			m.logSetupErr(err, s, "开启子目标自动附加失败")
		}
	}
	if waiting {
		if err := s.Send(m.ctx, "Runtime.runIfWaitingForDebugger", nil, nil); err != nil {
			m.logSetupErr(err, s, "恢复目标运行失败")
		}
	}
}

func (m *Manager) logSetupErr(err error, s *cdp.Session, msg string) {
	if errors.Is(err, cdp.ErrTargetClosed) || errors.Is(err, context.Canceled) {
		m.log.Debug(msg, "session", string(s.ID()), "error", err.Error())
		return
	}
	m.log.Err(err, msg, "session", string(s.ID()))
}

func (m *Manager) onDetached(e *protocol.DetachedFromTarget) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.targets {
		if t.Session != e.SessionID {
			continue
		}
		t.Attached = false
		t.Session = ""
		m.targets[id] = t
		delete(m.sessions, id)
		m.log.Info("目标已分离", "target", string(id))
		return
	}
}

func (m *Manager) fireAndForget(call *cdp.Call) {
	m.spawn(func() {
		select {
		case <-call.Done():
			if err := call.Err(); err != nil {
				m.log.Debug("命令执行失败", "method", call.Method, "error", err.Error())
			}
		case <-m.ctx.Done():
		}
	})
}

// spawn 启动受 Close 等待的协程；关闭后返回 false 且不启动
func (m *Manager) spawn(fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
	return true
}
