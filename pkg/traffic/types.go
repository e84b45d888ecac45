// Package traffic 定义规则匹配使用的请求快照，与具体协议无关
package traffic

import (
	"net/url"
	"strings"
)

// Header 小写键的头部集合
type Header map[string]string

// Get 大小写不敏感地取值
func (h Header) Get(key string) string {
	return h[strings.ToLower(key)]
}

// Lookup 同 Get，额外返回键是否存在
func (h Header) Lookup(key string) (string, bool) {
	v, ok := h[strings.ToLower(key)]
	return v, ok
}

func (h Header) Set(key, value string) { h[strings.ToLower(key)] = value }

func (h Header) Del(key string) { delete(h, strings.ToLower(key)) }

// Clone 返回副本，nil 返回空集合
func (h Header) Clone() Header {
	out := make(Header, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Merge 以 src 覆盖同名头部
func (h Header) Merge(src map[string]string) {
	for k, v := range src {
		h.Set(k, v)
	}
}

// Map 转换为普通映射，供下发覆盖头部使用
func (h Header) Map() map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Request 某一跳请求在规则求值时的只读快照
type Request struct {
	ID            string
	URL           string
	Method        string
	ResourceType  string
	Headers       Header
	Body          []byte
	Query         map[string]string // 小写键，同名参数只保留第一个
	Cookies       map[string]string // 小写键
	RedirectCount int
}

// NewRequest 创建各集合已初始化的请求快照
func NewRequest() *Request {
	return &Request{
		Headers: make(Header),
		Query:   make(map[string]string),
		Cookies: make(map[string]string),
	}
}

// QueryParam 大小写不敏感地取查询参数
func (r *Request) QueryParam(key string) (string, bool) {
	v, ok := r.Query[strings.ToLower(key)]
	return v, ok
}

// Cookie 大小写不敏感地取 Cookie
func (r *Request) Cookie(name string) (string, bool) {
	v, ok := r.Cookies[strings.ToLower(name)]
	return v, ok
}

// ParseQuery 解析 URL 中的查询参数，URL 非法时返回空集合
func ParseQuery(rawURL string) map[string]string {
	out := make(map[string]string)
	u, err := url.Parse(rawURL)
	if err != nil {
		return out
	}
	for k, vs := range u.Query() {
		k = strings.ToLower(k)
		if _, seen := out[k]; !seen && len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}

// ParseCookies 解析 Cookie 请求头，忽略没有等号的片段
func ParseCookies(header string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(header, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || name == "" {
			continue
		}
		out[strings.ToLower(name)] = value
	}
	return out
}
