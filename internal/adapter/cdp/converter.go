package cdp

import (
	"cdpwatch/internal/network"
	"cdpwatch/pkg/traffic"
)

// ToNeutralRequest 将关联后的网络请求转换为规则匹配使用的快照
func ToNeutralRequest(r *network.Request) *traffic.Request {
	req := traffic.NewRequest()
	req.ID = string(r.ID())
	req.URL = r.URL()
	req.Method = r.Method()
	req.ResourceType = r.ResourceType()
	req.RedirectCount = r.RedirectCount()
	req.Headers.Merge(r.Headers())
	if r.HasPostData() {
		req.Body = []byte(r.PostData())
	}
	req.Query = traffic.ParseQuery(req.URL)
	if c := req.Headers.Get("cookie"); c != "" {
		req.Cookies = traffic.ParseCookies(c)
	}
	return req
}
