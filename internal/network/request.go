package network

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"

	"cdpwatch/internal/protocol"
	"cdpwatch/pkg/domain"
)

var (
	// ErrInterceptionConflict 拦截请求的处理方式冲突，在发送命令前本地拒绝
	ErrInterceptionConflict = errors.New("interception conflict")
	// ErrInterceptionDisabled 请求未启用拦截
	ErrInterceptionDisabled = fmt.Errorf("%w: request interception is not enabled", ErrInterceptionConflict)
	// ErrAlreadyHandled 请求已被 continue/abort/respond 处理过
	ErrAlreadyHandled = fmt.Errorf("%w: request is already handled", ErrInterceptionConflict)
)

// errorReasons 对外错误码到 Fetch 失败原因的映射
var errorReasons = map[string]network.ErrorReason{
	"aborted":              network.ErrorReasonAborted,
	"accessdenied":         network.ErrorReasonAccessDenied,
	"addressunreachable":   network.ErrorReasonAddressUnreachable,
	"blockedbyclient":      network.ErrorReasonBlockedByClient,
	"blockedbyresponse":    network.ErrorReasonBlockedByResponse,
	"connectionaborted":    network.ErrorReasonConnectionAborted,
	"connectionclosed":     network.ErrorReasonConnectionClosed,
	"connectionfailed":     network.ErrorReasonConnectionFailed,
	"connectionrefused":    network.ErrorReasonConnectionRefused,
	"connectionreset":      network.ErrorReasonConnectionReset,
	"internetdisconnected": network.ErrorReasonInternetDisconnected,
	"namenotresolved":      network.ErrorReasonNameNotResolved,
	"timedout":             network.ErrorReasonTimedOut,
	"failed":               network.ErrorReasonFailed,
}

// ValidErrorCode 判断错误码是否可用于 Abort
func ValidErrorCode(code string) bool {
	_, ok := errorReasons[code]
	return ok
}

// ContinueOverrides 放行时可覆盖的请求字段，零值表示不覆盖
type ContinueOverrides struct {
	URL      string
	Method   string
	PostData []byte
	Headers  map[string]string
}

// RespondOptions 直接构造的响应
type RespondOptions struct {
	Status      int
	Headers     map[string]string
	ContentType string
	Body        []byte
}

// Request 一个被追踪的网络请求
type Request struct {
	client       Client
	id           domain.RequestID
	fetchID      domain.FetchID
	loaderID     domain.LoaderID
	frame        Frame
	url          string
	method       string
	postData     string
	hasPostData  bool
	headers      map[string]string
	resourceType string
	navigation   bool
	interception bool
	chain        []*Request

	mu              sync.Mutex
	response        *Response
	failureText     string
	fromMemoryCache bool
	handled         bool
}

func newRequest(client Client, frame Frame, fetchID domain.FetchID, interception bool, ev *protocol.RequestWillBeSent, chain []*Request) *Request {
	rt := string(ev.Type)
	if rt == "" {
		rt = "other"
	}
	return &Request{
		client:       client,
		id:           ev.RequestID,
		fetchID:      fetchID,
		loaderID:     ev.LoaderID,
		frame:        frame,
		url:          ev.Request.URL + protocol.Deref(ev.Request.URLFragment),
		method:       ev.Request.Method,
		postData:     protocol.Deref(ev.Request.PostData),
		hasPostData:  protocol.Deref(ev.Request.HasPostData),
		headers:      lowerKeys(protocol.HeaderMap(ev.Request.Headers)),
		resourceType: strings.ToLower(rt),
		navigation:   string(ev.RequestID) == string(ev.LoaderID) && ev.Type == network.ResourceTypeDocument,
		interception: interception,
		chain:        chain,
	}
}

// newPausedRequest 没有网络层事件的拦截请求，以 fetch id 作为请求 id
func newPausedRequest(client Client, frame Frame, interception bool, ev *protocol.RequestPaused) *Request {
	rt := string(ev.ResourceType)
	if rt == "" {
		rt = "other"
	}
	return &Request{
		client:       client,
		id:           domain.RequestID(ev.RequestID),
		fetchID:      ev.RequestID,
		frame:        frame,
		url:          ev.Request.URL + protocol.Deref(ev.Request.URLFragment),
		method:       ev.Request.Method,
		postData:     protocol.Deref(ev.Request.PostData),
		hasPostData:  protocol.Deref(ev.Request.HasPostData),
		headers:      lowerKeys(protocol.HeaderMap(ev.Request.Headers)),
		resourceType: strings.ToLower(rt),
		interception: interception,
	}
}

func (r *Request) ID() domain.RequestID        { return r.id }
func (r *Request) FetchID() domain.FetchID     { return r.fetchID }
func (r *Request) LoaderID() domain.LoaderID   { return r.loaderID }
func (r *Request) URL() string                 { return r.url }
func (r *Request) Method() string              { return r.method }
func (r *Request) PostData() string            { return r.postData }
func (r *Request) HasPostData() bool           { return r.hasPostData }
func (r *Request) ResourceType() string        { return r.resourceType }
func (r *Request) Frame() Frame                { return r.frame }
func (r *Request) IsNavigationRequest() bool   { return r.navigation }
func (r *Request) SessionID() domain.SessionID { return r.client.ID() }
func (r *Request) InterceptionEnabled() bool   { return r.interception }
func (r *Request) RedirectCount() int          { return len(r.chain) }

// Headers 请求头副本，键为小写
func (r *Request) Headers() map[string]string {
	out := make(map[string]string, len(r.headers))
	for k, v := range r.headers {
		out[k] = v
	}
	return out
}

// RedirectChain 之前的重定向请求，最早的在前
func (r *Request) RedirectChain() []*Request {
	out := make([]*Request, len(r.chain))
	copy(out, r.chain)
	return out
}

func (r *Request) Response() *Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.response
}

// Failure 失败原因，未失败时 ok 为 false
func (r *Request) Failure() (text string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failureText, r.failureText != ""
}

func (r *Request) FromMemoryCache() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fromMemoryCache
}

// InterceptionHandled 是否已被处理
func (r *Request) InterceptionHandled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handled
}

func (r *Request) setResponse(resp *Response) {
	r.mu.Lock()
	r.response = resp
	r.mu.Unlock()
}

func (r *Request) setFailure(text string) {
	r.mu.Lock()
	r.failureText = text
	r.mu.Unlock()
}

func (r *Request) markFromMemoryCache() {
	r.mu.Lock()
	r.fromMemoryCache = true
	r.mu.Unlock()
}

// claim 校验并占用拦截处理权；data: 地址返回 skip
func (r *Request) claim() (skip bool, err error) {
	if strings.HasPrefix(r.url, "data:") {
		return true, nil
	}
	if !r.interception || r.fetchID == "" {
		return false, ErrInterceptionDisabled
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handled {
		return false, ErrAlreadyHandled
	}
	r.handled = true
	return false, nil
}

// Continue 放行被拦截的请求
func (r *Request) Continue(ctx context.Context, o ContinueOverrides) error {
	skip, err := r.claim()
	if skip || err != nil {
		return err
	}
	return r.client.Send(ctx, "Fetch.continueRequest", r.continueArgs(o), nil)
}

func (r *Request) continueArgs(o ContinueOverrides) *fetch.ContinueRequestArgs {
	args := &fetch.ContinueRequestArgs{RequestID: fetch.RequestID(r.fetchID)}
	if o.URL != "" {
		u := o.URL
		args.URL = &u
	}
	if o.Method != "" {
		m := o.Method
		args.Method = &m
	}
	if len(o.PostData) > 0 {
		args.PostData = o.PostData
	}
	if o.Headers != nil {
		args.Headers = headerEntries(o.Headers)
	}
	return args
}

// Abort 以错误码使请求失败
func (r *Request) Abort(ctx context.Context, code string) error {
	if code == "" {
		code = "failed"
	}
	reason, ok := errorReasons[code]
	if !ok {
		return fmt.Errorf("unknown error code: %s", code)
	}
	skip, err := r.claim()
	if skip || err != nil {
		return err
	}
	return r.client.Send(ctx, "Fetch.failRequest", &fetch.FailRequestArgs{
		RequestID:   fetch.RequestID(r.fetchID),
		ErrorReason: reason,
	}, nil)
}

// Respond 用给定响应完成请求
func (r *Request) Respond(ctx context.Context, o RespondOptions) error {
	skip, err := r.claim()
	if skip || err != nil {
		return err
	}
	status := o.Status
	if status == 0 {
		status = http.StatusOK
	}
	headers := lowerKeys(o.Headers)
	if o.ContentType != "" {
		headers["content-type"] = o.ContentType
	}
	if len(o.Body) > 0 {
		if _, ok := headers["content-length"]; !ok {
			headers["content-length"] = strconv.Itoa(len(o.Body))
		}
	}
	args := &fetch.FulfillRequestArgs{
		RequestID:       fetch.RequestID(r.fetchID),
		ResponseCode:    status,
		ResponseHeaders: headerEntries(headers),
		Body:            o.Body,
	}
	if phrase := http.StatusText(status); phrase != "" {
		args.SetResponsePhrase(phrase)
	}
	return r.client.Send(ctx, "Fetch.fulfillRequest", args, nil)
}

func lowerKeys(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[strings.ToLower(k)] = v
	}
	return out
}

func headerEntries(h map[string]string) []fetch.HeaderEntry {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]fetch.HeaderEntry, 0, len(keys))
	for _, k := range keys {
		out = append(out, fetch.HeaderEntry{Name: k, Value: h[k]})
	}
	return out
}
