package network

import (
	"context"
	"strings"
	"sync"

	"github.com/mafredri/cdp/protocol/emulation"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/mafredri/cdp/protocol/security"
	"golang.org/x/sync/errgroup"

	"cdpwatch/internal/cdp"
	"cdpwatch/internal/logger"
	"cdpwatch/internal/protocol"
	"cdpwatch/pkg/domain"
)

// Client 管理器所需的会话能力，*cdp.Session 满足该接口
type Client interface {
	ID() domain.SessionID
	Call(method string, params any) *cdp.Call
	Send(ctx context.Context, method string, params, result any) error
	On(fn cdp.Listener) (off func())
}

// Frame 帧句柄
type Frame interface {
	ID() domain.FrameID
}

// FrameProvider 按 id 查找帧，未知时返回 nil
type FrameProvider interface {
	Frame(id domain.FrameID) Frame
}

// Interceptor 处理用户级拦截的请求；返回时仍未处理的请求会被自动放行
type Interceptor interface {
	Intercept(ctx context.Context, req *Request) error
}

// InterceptorFunc 函数形式的 Interceptor
type InterceptorFunc func(ctx context.Context, req *Request) error

func (f InterceptorFunc) Intercept(ctx context.Context, req *Request) error { return f(ctx, req) }

// Config 网络管理器配置
type Config struct {
	Frames            FrameProvider
	IgnoreHTTPSErrors bool
	Interceptor       Interceptor
	Logger            logger.Logger
}

type networkConditions struct {
	offline  bool
	upload   float64
	download float64
	latency  float64
}

type userAgent struct {
	value    string
	metadata *domain.UserAgentMetadata
}

type clientEntry struct {
	client Client
	off    func()
}

// Manager 关联各会话的网络事件并发布请求生命周期
type Manager struct {
	frames            FrameProvider
	ignoreHTTPSErrors bool
	log               logger.Logger
	store             *eventStore
	events            []listenerEntry
	nextListener      int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu                   sync.Mutex
	closed               bool
	interceptor          Interceptor
	clients              map[domain.SessionID]*clientEntry
	extraHTTPHeaders     map[string]string
	credentials          *domain.Credentials
	attemptedAuth        map[domain.FetchID]struct{}
	userInterception     bool
	protocolInterception bool
	userCacheDisabled    *bool
	conditions           *networkConditions
	userAgent            *userAgent

	lmu sync.Mutex
}

type listenerEntry struct {
	id int
	fn Listener
}

// New 创建网络管理器
func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		frames:            cfg.Frames,
		ignoreHTTPSErrors: cfg.IgnoreHTTPSErrors,
		log:               cfg.Logger.With("component", "network"),
		store:             newEventStore(),
		ctx:               ctx,
		cancel:            cancel,
		interceptor:       cfg.Interceptor,
		clients:           make(map[domain.SessionID]*clientEntry),
		attemptedAuth:     make(map[domain.FetchID]struct{}),
	}
}

// On 订阅生命周期事件
func (m *Manager) On(fn Listener) (off func()) {
	m.lmu.Lock()
	m.nextListener++
	id := m.nextListener
	m.events = append(m.events, listenerEntry{id: id, fn: fn})
	m.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.lmu.Lock()
			defer m.lmu.Unlock()
			for i, l := range m.events {
				if l.id == id {
					m.events = append(m.events[:i:i], m.events[i+1:]...)
					return
				}
			}
		})
	}
}

func (m *Manager) emit(ev Event) {
	m.lmu.Lock()
	snapshot := make([]Listener, len(m.events))
	for i, l := range m.events {
		snapshot[i] = l.fn
	}
	m.lmu.Unlock()
	for _, fn := range snapshot {
		fn(ev)
	}
}

// SetInterceptor 替换用户级拦截处理器
func (m *Manager) SetInterceptor(i Interceptor) {
	m.mu.Lock()
	m.interceptor = i
	m.mu.Unlock()
}

// Close 停止拦截处理协程并解除全部会话监听
func (m *Manager) Close() {
	m.cancel()
	m.mu.Lock()
	m.closed = true
	entries := make([]*clientEntry, 0, len(m.clients))
	for _, e := range m.clients {
		entries = append(entries, e)
	}
	m.clients = make(map[domain.SessionID]*clientEntry)
	m.mu.Unlock()
	for _, e := range entries {
		e.off()
	}
	m.wg.Wait()
}

// AddClient 监听会话事件并下发当前全部设置，重复添加无效果
func (m *Manager) AddClient(ctx context.Context, client Client) error {
	m.mu.Lock()
	if _, ok := m.clients[client.ID()]; ok {
		m.mu.Unlock()
		return nil
	}
	entry := &clientEntry{client: client}
	m.clients[client.ID()] = entry
	entry.off = client.On(func(ev protocol.Event) { m.handle(client, ev) })
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	if m.ignoreHTTPSErrors {
		g.Go(func() error {
			return client.Send(gctx, "Security.setIgnoreCertificateErrors", &security.SetIgnoreCertificateErrorsArgs{Ignore: true}, nil)
		})
	}
	g.Go(func() error { return client.Send(gctx, "Network.enable", nil, nil) })
	g.Go(func() error { return m.applyExtraHTTPHeaders(gctx, client) })
	g.Go(func() error { return m.applyNetworkConditions(gctx, client) })
	g.Go(func() error { return m.applyProtocolCacheDisabled(gctx, client) })
	g.Go(func() error { return m.applyProtocolRequestInterception(gctx, client) })
	g.Go(func() error { return m.applyUserAgent(gctx, client) })
	return g.Wait()
}

func (m *Manager) removeClient(client Client) {
	m.mu.Lock()
	entry, ok := m.clients[client.ID()]
	if ok {
		delete(m.clients, client.ID())
	}
	m.mu.Unlock()
	if ok {
		entry.off()
		m.log.Debug("会话已移除", "session", string(client.ID()))
	}
}

// Clients 当前会话数
func (m *Manager) Clients() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

func (m *Manager) applyToAllClients(ctx context.Context, fn func(context.Context, Client) error) error {
	m.mu.Lock()
	clients := make([]Client, 0, len(m.clients))
	for _, e := range m.clients {
		clients = append(clients, e.client)
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range clients {
		c := c
		g.Go(func() error { return fn(gctx, c) })
	}
	return g.Wait()
}

// Authenticate 设置 HTTP 认证凭据，nil 表示清除
func (m *Manager) Authenticate(ctx context.Context, creds *domain.Credentials) error {
	m.mu.Lock()
	m.credentials = creds
	changed := m.updateProtocolInterceptionLocked()
	m.mu.Unlock()
	if !changed {
		return nil
	}
	return m.applyToAllClients(ctx, m.applyProtocolRequestInterception)
}

// SetRequestInterception 开关用户级请求拦截
func (m *Manager) SetRequestInterception(ctx context.Context, enabled bool) error {
	m.mu.Lock()
	m.userInterception = enabled
	changed := m.updateProtocolInterceptionLocked()
	m.mu.Unlock()
	if !changed {
		return nil
	}
	return m.applyToAllClients(ctx, m.applyProtocolRequestInterception)
}

func (m *Manager) updateProtocolInterceptionLocked() bool {
	enabled := m.userInterception || m.credentials != nil
	if enabled == m.protocolInterception {
		return false
	}
	m.protocolInterception = enabled
	return true
}

func (m *Manager) applyProtocolRequestInterception(ctx context.Context, client Client) error {
	m.mu.Lock()
	if m.userCacheDisabled == nil {
		disabled := false
		m.userCacheDisabled = &disabled
	}
	enabled := m.protocolInterception
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.applyProtocolCacheDisabled(gctx, client) })
	if enabled {
		args := fetch.NewEnableArgs().
			SetHandleAuthRequests(true).
			SetPatterns([]fetch.RequestPattern{{URLPattern: strPtr("*")}})
		g.Go(func() error { return client.Send(gctx, "Fetch.enable", args, nil) })
	} else {
		g.Go(func() error { return client.Send(gctx, "Fetch.disable", nil, nil) })
	}
	return g.Wait()
}

// SetCacheEnabled 开关浏览器缓存
func (m *Manager) SetCacheEnabled(ctx context.Context, enabled bool) error {
	disabled := !enabled
	m.mu.Lock()
	m.userCacheDisabled = &disabled
	m.mu.Unlock()
	return m.applyToAllClients(ctx, m.applyProtocolCacheDisabled)
}

func (m *Manager) applyProtocolCacheDisabled(ctx context.Context, client Client) error {
	m.mu.Lock()
	if m.userCacheDisabled == nil {
		m.mu.Unlock()
		return nil
	}
	disabled := *m.userCacheDisabled
	m.mu.Unlock()
	return client.Send(ctx, "Network.setCacheDisabled", &network.SetCacheDisabledArgs{CacheDisabled: disabled}, nil)
}

// SetExtraHTTPHeaders 设置附加请求头，键统一为小写
func (m *Manager) SetExtraHTTPHeaders(ctx context.Context, headers map[string]string) error {
	m.mu.Lock()
	m.extraHTTPHeaders = lowerKeys(headers)
	m.mu.Unlock()
	return m.applyToAllClients(ctx, m.applyExtraHTTPHeaders)
}

// ExtraHTTPHeaders 当前附加请求头副本
func (m *Manager) ExtraHTTPHeaders() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.extraHTTPHeaders))
	for k, v := range m.extraHTTPHeaders {
		out[k] = v
	}
	return out
}

func (m *Manager) applyExtraHTTPHeaders(ctx context.Context, client Client) error {
	m.mu.Lock()
	if m.extraHTTPHeaders == nil {
		m.mu.Unlock()
		return nil
	}
	h, err := protocol.Headers(m.extraHTTPHeaders)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return client.Send(ctx, "Network.setExtraHTTPHeaders", network.NewSetExtraHTTPHeadersArgs(h), nil)
}

func (m *Manager) ensureConditionsLocked() *networkConditions {
	if m.conditions == nil {
		m.conditions = &networkConditions{upload: -1, download: -1}
	}
	return m.conditions
}

// SetOfflineMode 开关离线模式
func (m *Manager) SetOfflineMode(ctx context.Context, offline bool) error {
	m.mu.Lock()
	m.ensureConditionsLocked().offline = offline
	m.mu.Unlock()
	return m.applyToAllClients(ctx, m.applyNetworkConditions)
}

// EmulateNetworkConditions 模拟网络条件，nil 表示取消限速
func (m *Manager) EmulateNetworkConditions(ctx context.Context, nc *domain.NetworkConditions) error {
	m.mu.Lock()
	c := m.ensureConditionsLocked()
	if nc != nil {
		c.upload, c.download, c.latency = nc.Upload, nc.Download, nc.Latency
	} else {
		c.upload, c.download, c.latency = -1, -1, 0
	}
	m.mu.Unlock()
	return m.applyToAllClients(ctx, m.applyNetworkConditions)
}

func (m *Manager) applyNetworkConditions(ctx context.Context, client Client) error {
	m.mu.Lock()
	if m.conditions == nil {
		m.mu.Unlock()
		return nil
	}
	c := *m.conditions
	m.mu.Unlock()
	return client.Send(ctx, "Network.emulateNetworkConditions", &network.EmulateNetworkConditionsArgs{
		Offline:            c.offline,
		Latency:            c.latency,
		UploadThroughput:   c.upload,
		DownloadThroughput: c.download,
	}, nil)
}

// SetUserAgent 覆盖 User-Agent，metadata 可为 nil
func (m *Manager) SetUserAgent(ctx context.Context, ua string, metadata *domain.UserAgentMetadata) error {
	m.mu.Lock()
	m.userAgent = &userAgent{value: ua, metadata: metadata}
	m.mu.Unlock()
	return m.applyToAllClients(ctx, m.applyUserAgent)
}

func (m *Manager) applyUserAgent(ctx context.Context, client Client) error {
	m.mu.Lock()
	ua := m.userAgent
	m.mu.Unlock()
	if ua == nil {
		return nil
	}
	// Network 与 Emulation 域的 setUserAgentOverride 参数相同
	args := emulation.NewSetUserAgentOverrideArgs(ua.value)
	if ua.metadata != nil {
		args.SetUserAgentMetadata(userAgentMetadata(ua.metadata))
	}
	return client.Send(ctx, "Network.setUserAgentOverride", args, nil)
}

func userAgentMetadata(md *domain.UserAgentMetadata) emulation.UserAgentMetadata {
	out := emulation.UserAgentMetadata{
		Platform:        md.Platform,
		PlatformVersion: md.PlatformVersion,
		Architecture:    md.Architecture,
		Model:           md.Model,
		Mobile:          md.Mobile,
	}
	for _, b := range md.Brands {
		out.Brands = append(out.Brands, emulation.UserAgentBrandVersion{Brand: b.Brand, Version: b.Version})
	}
	if md.FullVersion != "" {
		v := md.FullVersion
		out.FullVersion = &v
	}
	return out
}

// InFlightRequestsCount 尚未收到响应的请求数
func (m *Manager) InFlightRequestsCount() int {
	return m.store.inFlightRequests()
}

func (m *Manager) userInterceptionEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userInterception
}

func (m *Manager) frame(id domain.FrameID) Frame {
	if id == "" || m.frames == nil {
		return nil
	}
	return m.frames.Frame(id)
}

// handle 按事件类型分派，只在会话的分发协程上调用
func (m *Manager) handle(client Client, ev protocol.Event) {
	switch e := ev.(type) {
	case *protocol.RequestPaused:
		m.onRequestPaused(client, e)
	case *protocol.AuthRequired:
		m.onAuthRequired(client, e)
	case *protocol.RequestWillBeSent:
		m.onRequestWillBeSent(client, e)
	case *protocol.RequestServedFromCache:
		m.onRequestServedFromCache(e)
	case *protocol.ResponseReceived:
		m.onResponseReceived(client, e)
	case *protocol.LoadingFinished:
		m.onLoadingFinished(e)
	case *protocol.LoadingFailed:
		m.onLoadingFailed(e)
	case *protocol.ResponseReceivedExtraInfo:
		m.onResponseReceivedExtraInfo(client, e)
	case *cdp.Disconnected:
		m.removeClient(client)
	case *protocol.Unknown:
		if strings.HasPrefix(e.Name, "Network.") || strings.HasPrefix(e.Name, "Fetch.") {
			m.log.Debug("忽略未处理的网络事件", "method", e.Name)
		}
	}
}

// fireAndForget 不等待命令结果，失败只记录日志
func (m *Manager) fireAndForget(call *cdp.Call) {
	select {
	case <-call.Done():
		if err := call.Err(); err != nil {
			m.log.Debug("命令执行失败", "method", call.Method, "error", err.Error())
		}
		return
	default:
	}
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

func strPtr(s string) *string { return &s }
