package api

import (
	"context"

	"cdpwatch/internal/rules"
	"cdpwatch/internal/service"
	"cdpwatch/pkg/domain"
)

// Service 服务接口
type Service interface {
	// Start 连接浏览器并开始监听
	Start(ctx context.Context, cfg domain.SessionConfig) error

	// Stop 停止监听
	Stop() error

	// Done 连接断开时关闭
	Done() <-chan struct{}

	// ListTargets 列出目标
	ListTargets() ([]domain.TargetInfo, error)

	// AttachTarget 附加目标
	AttachTarget(ctx context.Context, target domain.TargetID) error

	// DetachTarget 分离目标
	DetachTarget(ctx context.Context, target domain.TargetID) error

	// SetRequestInterception 开关请求拦截
	SetRequestInterception(ctx context.Context, enabled bool) error

	// Authenticate 设置 HTTP 认证凭据
	Authenticate(ctx context.Context, creds *domain.Credentials) error

	// LoadRules 加载规则配置
	LoadRules(rs rules.RuleSet) error

	// Rules 当前生效的规则集
	Rules() rules.RuleSet

	// RuleStats 获取规则统计信息
	RuleStats() domain.EngineStats

	// InFlightRequests 尚未收到响应的请求数
	InFlightRequests() int

	// Subscribe 订阅事件
	Subscribe() (<-chan domain.NetworkEvent, func())
}

// NewService 创建并返回服务接口实现
func NewService(opts service.Options) Service {
	return service.New(opts)
}
