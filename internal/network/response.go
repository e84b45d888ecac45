package network

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"

	"github.com/mafredri/cdp/protocol/network"

	"cdpwatch/internal/protocol"
)

// ErrRedirectBody 重定向响应没有响应体
var ErrRedirectBody = errors.New("response body is unavailable for redirect responses")

// RemoteAddress 响应的远端地址
type RemoteAddress struct {
	IP   string
	Port int
}

// Response 请求对应的响应
type Response struct {
	client            Client
	request           *Request
	url               string
	status            int
	statusText        string
	headers           map[string]string
	remote            RemoteAddress
	mimeType          string
	fromDiskCache     bool
	fromServiceWorker bool
	protocol          string
	security          *network.SecurityDetails
	hasExtraInfo      bool

	bodyLoaded chan struct{}
	bodyOnce   sync.Once
	bodyErr    error

	mu   sync.Mutex
	body []byte
}

func newResponse(client Client, req *Request, payload network.Response, extra *protocol.ResponseReceivedExtraInfo) *Response {
	resp := &Response{
		client:     client,
		request:    req,
		url:        payload.URL,
		status:     payload.Status,
		statusText: payload.StatusText,
		headers:    lowerKeys(protocol.HeaderMap(payload.Headers)),
		remote: RemoteAddress{
			IP:   protocol.Deref(payload.RemoteIPAddress),
			Port: protocol.Deref(payload.RemotePort),
		},
		mimeType:          payload.MimeType,
		fromDiskCache:     protocol.Deref(payload.FromDiskCache),
		fromServiceWorker: protocol.Deref(payload.FromServiceWorker),
		protocol:          protocol.Deref(payload.Protocol),
		security:          payload.SecurityDetails,
		bodyLoaded:        make(chan struct{}),
	}
	if extra != nil {
		resp.hasExtraInfo = true
		resp.status = extra.StatusCode
		resp.headers = lowerKeys(protocol.HeaderMap(extra.Headers))
		if text := statusTextFromHeadersText(protocol.Deref(extra.HeadersText)); text != "" {
			resp.statusText = text
		}
	}
	return resp
}

// statusTextFromHeadersText 从原始响应头首行解析状态文本
func statusTextFromHeadersText(headersText string) string {
	if headersText == "" {
		return ""
	}
	first, _, _ := strings.Cut(headersText, "\r")
	first, _, _ = strings.Cut(first, "\n")
	parts := strings.SplitN(first, " ", 3)
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}

func (r *Response) Request() *Request                         { return r.request }
func (r *Response) URL() string                               { return r.url }
func (r *Response) Status() int                               { return r.status }
func (r *Response) StatusText() string                        { return r.statusText }
func (r *Response) MIMEType() string                          { return r.mimeType }
func (r *Response) RemoteAddress() RemoteAddress              { return r.remote }
func (r *Response) FromServiceWorker() bool                   { return r.fromServiceWorker }
func (r *Response) Protocol() string                          { return r.protocol }
func (r *Response) HasExtraInfo() bool                        { return r.hasExtraInfo }
func (r *Response) SecurityDetails() *network.SecurityDetails { return r.security }

// OK 状态码为 0 或 2xx
func (r *Response) OK() bool {
	return r.status == 0 || (r.status >= 200 && r.status <= 299)
}

// FromCache 响应来自磁盘缓存或内存缓存
func (r *Response) FromCache() bool {
	return r.fromDiskCache || r.request.FromMemoryCache()
}

// Headers 响应头副本，键为小写
func (r *Response) Headers() map[string]string {
	out := make(map[string]string, len(r.headers))
	for k, v := range r.headers {
		out[k] = v
	}
	return out
}

// resolveBody 标记响应体可读取，err 非空时读取将返回该错误
func (r *Response) resolveBody(err error) {
	r.bodyOnce.Do(func() {
		r.bodyErr = err
		close(r.bodyLoaded)
	})
}

// BodyLoaded 请求完成或失败后关闭
func (r *Response) BodyLoaded() <-chan struct{} { return r.bodyLoaded }

// Body 等待请求结束后读取响应体
func (r *Response) Body(ctx context.Context) ([]byte, error) {
	select {
	case <-r.bodyLoaded:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if r.bodyErr != nil {
		return nil, r.bodyErr
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.body != nil {
		return r.body, nil
	}
	var reply network.GetResponseBodyReply
	args := &network.GetResponseBodyArgs{RequestID: network.RequestID(r.request.ID())}
	if err := r.client.Send(ctx, "Network.getResponseBody", args, &reply); err != nil {
		return nil, err
	}
	if reply.Base64Encoded {
		b, err := base64.StdEncoding.DecodeString(reply.Body)
		if err != nil {
			return nil, err
		}
		r.body = b
	} else {
		r.body = []byte(reply.Body)
	}
	return r.body, nil
}

// Text 以字符串读取响应体
func (r *Response) Text(ctx context.Context) (string, error) {
	b, err := r.Body(ctx)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// JSON 把响应体解码到 v
func (r *Response) JSON(ctx context.Context, v any) error {
	b, err := r.Body(ctx)
	if err != nil {
		return err
	}
	return protocol.Unmarshal(b, v)
}
