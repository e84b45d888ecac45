package domain

import (
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/mafredri/cdp/protocol/page"
	"github.com/mafredri/cdp/protocol/target"
)

// SessionID CDP 会话标识（flatten 模式下的 sessionId）
type SessionID = target.SessionID

// TargetID 调试目标标识
type TargetID = target.ID

// TargetKind 目标类型（targetInfo.type）
type TargetKind string

const (
	TargetPage          TargetKind = "page"
	TargetIframe        TargetKind = "iframe"
	TargetWorker        TargetKind = "worker"
	TargetServiceWorker TargetKind = "service_worker"
	TargetSharedWorker  TargetKind = "shared_worker"
	TargetBrowser       TargetKind = "browser"
	TargetOther         TargetKind = "other"
)

// RequestID Network 域请求标识，重定向链共享同一个值
type RequestID = network.RequestID

// FetchID Fetch 域拦截标识，每次暂停唯一
type FetchID = fetch.RequestID

// FrameID 帧标识
type FrameID = page.FrameID

// LoaderID 加载器标识
type LoaderID = network.LoaderID

// RuleID 规则标识
type RuleID string

// Credentials HTTP 认证凭据
type Credentials struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

// NetworkConditions 网络模拟参数
type NetworkConditions struct {
	Download float64 `json:"download" yaml:"download"` // bytes/s，-1 表示不限制
	Upload   float64 `json:"upload" yaml:"upload"`     // bytes/s，-1 表示不限制
	Latency  float64 `json:"latency" yaml:"latency"`   // ms
}

// UserAgentBrand UA Client Hints 品牌
type UserAgentBrand struct {
	Brand   string `json:"brand" yaml:"brand"`
	Version string `json:"version" yaml:"version"`
}

// UserAgentMetadata UA Client Hints 元数据
type UserAgentMetadata struct {
	Brands          []UserAgentBrand `json:"brands,omitempty" yaml:"brands"`
	FullVersion     string           `json:"fullVersion,omitempty" yaml:"fullVersion"`
	Platform        string           `json:"platform" yaml:"platform"`
	PlatformVersion string           `json:"platformVersion" yaml:"platformVersion"`
	Architecture    string           `json:"architecture" yaml:"architecture"`
	Model           string           `json:"model" yaml:"model"`
	Mobile          bool             `json:"mobile" yaml:"mobile"`
}

// TargetInfo 目标信息
type TargetInfo struct {
	ID       TargetID   `json:"id"`
	Type     TargetKind `json:"type"`
	URL      string     `json:"url"`
	Title    string     `json:"title"`
	Attached bool       `json:"attached"`
	Session  SessionID  `json:"session,omitempty"`
}

// SessionConfig 监听会话配置
type SessionConfig struct {
	DevToolsURL         string             `json:"devToolsURL"`
	IgnoreHTTPSErrors   bool               `json:"ignoreHTTPSErrors"`
	RequestInterception bool               `json:"requestInterception"`
	CacheDisabled       bool               `json:"cacheDisabled"`
	Offline             bool               `json:"offline"`
	ExtraHTTPHeaders    map[string]string  `json:"extraHTTPHeaders"`
	UserAgent           string             `json:"userAgent"`
	UserAgentMetadata   *UserAgentMetadata `json:"userAgentMetadata"`
	Credentials         *Credentials       `json:"credentials"`
	Conditions          *NetworkConditions `json:"conditions"`
	SlowMoMS            int                `json:"slowMoMS"`
	RulesFile           string             `json:"rulesFile"`
	EventBuffer         int                `json:"eventBuffer"`
}

// NetworkEventType 生命周期事件类型，取值同 network.EventKind
type NetworkEventType string

// NetworkEvent 对外发布的生命周期事件摘要
type NetworkEvent struct {
	Type          NetworkEventType `json:"type"`
	Session       SessionID        `json:"session"`
	RequestID     RequestID        `json:"requestId"`
	URL           string           `json:"url"`
	Method        string           `json:"method"`
	ResourceType  string           `json:"resourceType"`
	Status        int              `json:"status,omitempty"`
	FromCache     bool             `json:"fromCache,omitempty"`
	RedirectCount int              `json:"redirectCount,omitempty"`
	FailureText   string           `json:"failureText,omitempty"`
	Timestamp     int64            `json:"timestamp"`
}

// EngineStats 规则引擎统计
type EngineStats struct {
	Total   int64            `json:"total"`
	Matched int64            `json:"matched"`
	ByRule  map[RuleID]int64 `json:"byRule"`
}
