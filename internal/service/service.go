package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cdpwatch/internal/cdp"
	"cdpwatch/internal/logger"
	"cdpwatch/internal/network"
	"cdpwatch/internal/rules"
	"cdpwatch/internal/session"
	"cdpwatch/internal/storage"
	"cdpwatch/pkg/domain"
)

var (
	// ErrNotStarted 服务尚未启动
	ErrNotStarted = errors.New("service is not started")
	// ErrAlreadyStarted 服务已启动
	ErrAlreadyStarted = errors.New("service is already started")
)

const defaultEventBuffer = 128

// Options 服务依赖
type Options struct {
	Logger logger.Logger
	Store  *storage.Store // 为空时不记录请求
	RunID  string

	// RecordBuffer 记录器待写队列长度，0 使用默认值
	RecordBuffer int

	// Dial 建立连接，为空时使用 cdp.Dial
	Dial func(ctx context.Context, endpoint string, opts cdp.Options) (*cdp.Connection, error)
}

// Service 把连接、网络管理器、目标管理器和规则引擎组装在一起
type Service struct {
	log   logger.Logger
	store *storage.Store
	runID string
	dial  func(ctx context.Context, endpoint string, opts cdp.Options) (*cdp.Connection, error)

	recordBuffer int

	mu       sync.Mutex
	conn     *cdp.Connection
	network  *network.Manager
	targets  *session.Manager
	engine   *rules.Engine
	recorder *storage.Recorder
	offs     []func()

	subMu   sync.Mutex
	subs    map[int]chan domain.NetworkEvent
	nextSub int
	buffer  int
}

// New 创建服务
func New(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.Dial == nil {
		opts.Dial = cdp.Dial
	}
	return &Service{
		log:    opts.Logger,
		store:  opts.Store,
		runID:  opts.RunID,
		dial:   opts.Dial,
		engine: rules.New(rules.RuleSet{}),
		subs:   make(map[int]chan domain.NetworkEvent),
		buffer: defaultEventBuffer,

		recordBuffer: opts.RecordBuffer,
	}
}

// Start 连接浏览器、下发网络设置并开始自动附加目标
func (s *Service) Start(ctx context.Context, cfg domain.SessionConfig) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return ErrAlreadyStarted
	}

	if cfg.RulesFile != "" {
		rs, err := rules.LoadFile(cfg.RulesFile)
		if err != nil {
			return err
		}
		s.engine.Update(rs)
	}
	if cfg.EventBuffer > 0 {
		s.subMu.Lock()
		s.buffer = cfg.EventBuffer
		s.subMu.Unlock()
	}

	conn, err := s.dial(ctx, cfg.DevToolsURL, cdp.Options{
		Delay:  time.Duration(cfg.SlowMoMS) * time.Millisecond,
		Logger: s.log,
	})
	if err != nil {
		return fmt.Errorf("connect %s: %w", cfg.DevToolsURL, err)
	}

	nm := network.New(network.Config{
		IgnoreHTTPSErrors: cfg.IgnoreHTTPSErrors,
		Interceptor:       rules.NewInterceptor(s.engine, s.log),
		Logger:            s.log,
	})
	var offs []func()
	var recorder *storage.Recorder
	defer func() {
		if err == nil {
			return
		}
		for _, off := range offs {
			off()
		}
		nm.Close()
		if recorder != nil {
			_ = recorder.Close()
		}
		_ = conn.Close()
	}()

	// 尚无会话，设置只会被保存，附加时统一下发
	if err = applySettings(ctx, nm, cfg); err != nil {
		return err
	}
	offs = append(offs, nm.On(s.publish))
	if s.store != nil {
		recorder = storage.NewRecorder(s.store, s.runID, s.recordBuffer, s.log)
		offs = append(offs, nm.On(recorder.Listen))
	}

	tm := session.NewManager(conn, nm, s.log)
	if err = tm.Start(ctx); err != nil {
		tm.Close()
		return fmt.Errorf("start target discovery: %w", err)
	}

	s.conn, s.network, s.targets, s.recorder, s.offs = conn, nm, tm, recorder, offs
	s.log.Info("监听已启动", "endpoint", conn.URL(), "runId", s.runID)
	return nil
}

func applySettings(ctx context.Context, nm *network.Manager, cfg domain.SessionConfig) error {
	if len(cfg.ExtraHTTPHeaders) > 0 {
		if err := nm.SetExtraHTTPHeaders(ctx, cfg.ExtraHTTPHeaders); err != nil {
			return err
		}
	}
	if cfg.CacheDisabled {
		if err := nm.SetCacheEnabled(ctx, false); err != nil {
			return err
		}
	}
	if cfg.UserAgent != "" {
		if err := nm.SetUserAgent(ctx, cfg.UserAgent, cfg.UserAgentMetadata); err != nil {
			return err
		}
	}
	if cfg.Credentials != nil {
		if err := nm.Authenticate(ctx, cfg.Credentials); err != nil {
			return err
		}
	}
	if cfg.Offline {
		if err := nm.SetOfflineMode(ctx, true); err != nil {
			return err
		}
	}
	if cfg.Conditions != nil {
		if err := nm.EmulateNetworkConditions(ctx, cfg.Conditions); err != nil {
			return err
		}
	}
	if cfg.RequestInterception {
		if err := nm.SetRequestInterception(ctx, true); err != nil {
			return err
		}
	}
	return nil
}

// Stop 停止监听并关闭连接，订阅通道随之关闭
func (s *Service) Stop() error {
	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return ErrNotStarted
	}
	conn, nm, tm, recorder, offs := s.conn, s.network, s.targets, s.recorder, s.offs
	s.conn, s.network, s.targets, s.recorder, s.offs = nil, nil, nil, nil, nil
	s.mu.Unlock()

	tm.Close()
	for _, off := range offs {
		off()
	}
	nm.Close()
	var errs []error
	if recorder != nil {
		errs = append(errs, recorder.Close())
		if n := recorder.Dropped(); n > 0 {
			s.log.Warn("部分请求记录未写入", "dropped", n)
		}
	}
	errs = append(errs, conn.Close())

	s.subMu.Lock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.subMu.Unlock()
	s.log.Info("监听已停止")
	return errors.Join(errs...)
}

// Done 连接断开时关闭；未启动时返回 nil
func (s *Service) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.Done()
}

func (s *Service) running() (*network.Manager, *session.Manager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, nil, ErrNotStarted
	}
	return s.network, s.targets, nil
}

// ListTargets 列出已知目标
func (s *Service) ListTargets() ([]domain.TargetInfo, error) {
	_, tm, err := s.running()
	if err != nil {
		return nil, err
	}
	return tm.List(), nil
}

// AttachTarget 手动附加目标
func (s *Service) AttachTarget(ctx context.Context, id domain.TargetID) error {
	_, tm, err := s.running()
	if err != nil {
		return err
	}
	return tm.Attach(ctx, id)
}

// DetachTarget 分离目标
func (s *Service) DetachTarget(ctx context.Context, id domain.TargetID) error {
	_, tm, err := s.running()
	if err != nil {
		return err
	}
	return tm.Detach(ctx, id)
}

// SetRequestInterception 开关基于规则的请求拦截
func (s *Service) SetRequestInterception(ctx context.Context, enabled bool) error {
	nm, _, err := s.running()
	if err != nil {
		return err
	}
	return nm.SetRequestInterception(ctx, enabled)
}

// Authenticate 设置 HTTP 认证凭据
func (s *Service) Authenticate(ctx context.Context, creds *domain.Credentials) error {
	nm, _, err := s.running()
	if err != nil {
		return err
	}
	return nm.Authenticate(ctx, creds)
}

// LoadRules 校验并替换规则集，未启动时也可调用
func (s *Service) LoadRules(rs rules.RuleSet) error {
	if err := rs.Validate(); err != nil {
		return err
	}
	s.engine.Update(rs)
	s.log.Info("规则已加载", "count", len(rs.Rules))
	return nil
}

// Rules 当前生效的规则集
func (s *Service) Rules() rules.RuleSet {
	return s.engine.Rules()
}

// RuleStats 规则命中统计
func (s *Service) RuleStats() domain.EngineStats {
	return s.engine.Stats()
}

// InFlightRequests 尚未收到响应的请求数
func (s *Service) InFlightRequests() int {
	nm, _, err := s.running()
	if err != nil {
		return 0
	}
	return nm.InFlightRequestsCount()
}

// Subscribe 订阅生命周期事件摘要；消费过慢时事件被丢弃，cancel 关闭通道
func (s *Service) Subscribe() (<-chan domain.NetworkEvent, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.nextSub++
	id := s.nextSub
	ch := make(chan domain.NetworkEvent, s.buffer)
	s.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			if c, ok := s.subs[id]; ok {
				close(c)
				delete(s.subs, id)
			}
		})
	}
}

// publish 在分发协程上调用，不能阻塞
func (s *Service) publish(ev network.Event) {
	summary := Summarize(ev)
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- summary:
		default:
			s.log.Debug("订阅者处理过慢，丢弃事件", "type", string(summary.Type), "url", summary.URL)
		}
	}
}

// Summarize 把生命周期事件转换为对外摘要
func Summarize(ev network.Event) domain.NetworkEvent {
	req := network.RequestOf(ev)
	out := domain.NetworkEvent{
		Type:          domain.NetworkEventType(ev.Kind()),
		Session:       req.SessionID(),
		RequestID:     req.ID(),
		URL:           req.URL(),
		Method:        req.Method(),
		ResourceType:  req.ResourceType(),
		RedirectCount: req.RedirectCount(),
		FromCache:     req.FromMemoryCache(),
		Timestamp:     time.Now().UnixMilli(),
	}
	if resp := req.Response(); resp != nil && ev.Kind() != network.EventRequest {
		out.Status = resp.Status()
		out.FromCache = resp.FromCache()
	}
	if text, failed := req.Failure(); failed {
		out.FailureText = text
	}
	return out
}
