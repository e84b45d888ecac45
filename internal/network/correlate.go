package network

import (
	"errors"
	"strings"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"

	"cdpwatch/internal/protocol"
	"cdpwatch/pkg/domain"
)

// 认证质询的应答方式
const (
	authDefault = "Default"
	authCancel  = "CancelAuth"
	authProvide = "ProvideCredentials"
)

func (m *Manager) onRequestWillBeSent(client Client, ev *protocol.RequestWillBeSent) {
	// data: 地址不会触发拦截
	if m.userInterceptionEnabled() && !strings.HasPrefix(ev.Request.URL, "data:") {
		id := ev.RequestID
		m.store.storeRequestWillBeSent(id, ev)

		// 暂停事件可能已经先到达
		if paused := m.store.getRequestPaused(id); paused != nil && sameRequest(ev, paused) {
			patchHeaders(ev, paused)
			m.onRequest(client, ev, paused.RequestID)
			m.store.forgetRequestPaused(id)
		}
		return
	}
	m.onRequest(client, ev, "")
}

// onRequestPaused 暂停事件可能先于 requestWillBeSent 到达，也可能对同一请求到达多次
func (m *Manager) onRequestPaused(client Client, ev *protocol.RequestPaused) {
	m.mu.Lock()
	user, proto := m.userInterception, m.protocolInterception
	m.mu.Unlock()
	if !user && proto {
		// 仅因认证开启的拦截，直接放行
		m.fireAndForget(client.Call("Fetch.continueRequest", &fetch.ContinueRequestArgs{RequestID: fetch.RequestID(ev.RequestID)}))
	}

	if ev.NetworkID == nil || *ev.NetworkID == "" {
		m.onRequestWithoutNetworkInstrumentation(client, ev)
		return
	}

	id := *ev.NetworkID
	rwbs := m.store.getRequestWillBeSent(id)
	// 重定向复用同一个网络 id
	if rwbs != nil && !sameRequest(rwbs, ev) {
		m.store.forgetRequestWillBeSent(id)
		rwbs = nil
	}
	if rwbs != nil {
		patchHeaders(rwbs, ev)
		m.onRequest(client, rwbs, ev.RequestID)
		return
	}
	m.store.storeRequestPaused(id, ev)
}

func sameRequest(rwbs *protocol.RequestWillBeSent, paused *protocol.RequestPaused) bool {
	return rwbs.Request.URL == paused.Request.URL && rwbs.Request.Method == paused.Request.Method
}

// patchHeaders 合并两个事件的请求头，暂停事件中的值优先
func patchHeaders(rwbs *protocol.RequestWillBeSent, paused *protocol.RequestPaused) {
	merged := protocol.HeaderMap(rwbs.Request.Headers)
	for k, v := range protocol.HeaderMap(paused.Request.Headers) {
		merged[k] = v
	}
	if h, err := protocol.Headers(merged); err == nil {
		rwbs.Request.Headers = h
	}
}

func (m *Manager) onRequestWithoutNetworkInstrumentation(client Client, ev *protocol.RequestPaused) {
	req := newPausedRequest(client, m.frame(ev.FrameID), m.userInterceptionEnabled(), ev)
	m.emit(RequestEvent{Request: req})
	m.finalizeInterceptions(req)
}

func (m *Manager) onRequest(client Client, ev *protocol.RequestWillBeSent, fetchID domain.FetchID) {
	var chain []*Request
	if ev.RedirectResponse != nil {
		// 重定向响应需要与 extra info 配对后才能发布，且必须先于新请求发布
		var extra *protocol.ResponseReceivedExtraInfo
		if ev.RedirectHasExtraInfo {
			extra = m.store.shiftExtraInfo(ev.RequestID)
			if extra == nil {
				m.store.queueRedirectInfo(ev.RequestID, redirectInfo{event: ev, fetchID: fetchID})
				return
			}
		}

		// 连接较晚时可能错过了之前的请求
		if prev := m.store.getRequest(ev.RequestID); prev != nil {
			m.handleRequestRedirect(client, prev, *ev.RedirectResponse, extra)
			chain = append(prev.RedirectChain(), prev)
		}
	}

	req := newRequest(client, m.frame(protocol.Deref(ev.FrameID)), fetchID, m.userInterceptionEnabled(), ev, chain)
	m.store.storeRequest(ev.RequestID, req)
	m.emit(RequestEvent{Request: req})
	m.finalizeInterceptions(req)
}

func (m *Manager) handleRequestRedirect(client Client, req *Request, payload network.Response, extra *protocol.ResponseReceivedExtraInfo) {
	resp := newResponse(client, req, payload, extra)
	req.setResponse(resp)
	resp.resolveBody(ErrRedirectBody)
	m.forgetRequest(req, false)
	m.emit(ResponseEvent{Response: resp})
	m.emit(RequestFinishedEvent{Request: req})
}

// finalizeInterceptions 把拦截请求交给 Interceptor，未配置时直接放行
func (m *Manager) finalizeInterceptions(req *Request) {
	if !req.interception || req.fetchID == "" || strings.HasPrefix(req.url, "data:") {
		return
	}
	m.mu.Lock()
	ic := m.interceptor
	m.mu.Unlock()

	if ic == nil {
		if _, err := req.claim(); err != nil {
			return
		}
		m.fireAndForget(req.client.Call("Fetch.continueRequest", req.continueArgs(ContinueOverrides{})))
		return
	}

	started := m.spawn(func() {
		if err := ic.Intercept(m.ctx, req); err != nil {
			m.log.Err(err, "拦截处理失败", "url", req.URL())
		}
		if req.InterceptionHandled() {
			return
		}
		if err := req.Continue(m.ctx, ContinueOverrides{}); err != nil && !errors.Is(err, ErrAlreadyHandled) {
			m.log.Debug("放行请求失败", "url", req.URL(), "error", err.Error())
		}
	})
	if !started {
		m.log.Debug("管理器已关闭，未处理拦截请求", "url", req.URL())
	}
}

func (m *Manager) onRequestServedFromCache(ev *protocol.RequestServedFromCache) {
	req := m.store.getRequest(ev.RequestID)
	if req == nil {
		m.log.Debug("缓存命中事件没有对应请求", "requestId", string(ev.RequestID))
		return
	}
	req.markFromMemoryCache()
	m.emit(RequestServedFromCacheEvent{Request: req})
}

func (m *Manager) onResponseReceived(client Client, ev *protocol.ResponseReceived) {
	req := m.store.getRequest(ev.RequestID)
	var extra *protocol.ResponseReceivedExtraInfo
	if req != nil && !req.FromMemoryCache() && ev.HasExtraInfo {
		extra = m.store.shiftExtraInfo(ev.RequestID)
		if extra == nil {
			// 等待对应的 extra info
			m.store.queueEventGroup(ev.RequestID, &queuedEventGroup{responseReceived: ev})
			return
		}
	}
	m.emitResponseEvent(client, ev, extra)
}

func (m *Manager) emitResponseEvent(client Client, ev *protocol.ResponseReceived, extra *protocol.ResponseReceivedExtraInfo) {
	req := m.store.getRequest(ev.RequestID)
	// 文件上传等场景会出现没有请求的响应
	if req == nil {
		m.log.Debug("响应事件没有对应请求", "requestId", string(ev.RequestID))
		return
	}
	if n := m.store.extraInfoCount(ev.RequestID); n > 0 {
		m.log.Debug("存在未消费的 extra info", "requestId", string(ev.RequestID), "count", n)
	}
	// 磁盘缓存响应的 extra info 不可靠
	if protocol.Deref(ev.Response.FromDiskCache) {
		extra = nil
	}
	resp := newResponse(client, req, ev.Response, extra)
	req.setResponse(resp)
	m.emit(ResponseEvent{Response: resp})
}

func (m *Manager) onResponseReceivedExtraInfo(client Client, ev *protocol.ResponseReceivedExtraInfo) {
	id := ev.RequestID

	// 之前因等待 extra info 而搁置的重定向
	if info, ok := m.store.takeQueuedRedirectInfo(id); ok {
		m.store.pushExtraInfo(id, ev)
		m.onRequest(client, info.event, info.fetchID)
		return
	}

	// 之前搁置的响应及终止事件
	if g := m.store.getQueuedEventGroup(id); g != nil {
		m.store.forgetQueuedEventGroup(id)
		m.emitResponseEvent(client, g.responseReceived, ev)
		if g.loadingFinished != nil {
			m.emitLoadingFinished(g.loadingFinished)
		}
		if g.loadingFailed != nil {
			m.emitLoadingFailed(g.loadingFailed)
		}
		return
	}

	m.store.pushExtraInfo(id, ev)
}

func (m *Manager) forgetRequest(req *Request, events bool) {
	m.store.forgetRequest(req.id)
	if req.fetchID != "" {
		m.mu.Lock()
		delete(m.attemptedAuth, req.fetchID)
		m.mu.Unlock()
	}
	if events {
		m.store.forget(req.id)
	}
}

func (m *Manager) onLoadingFinished(ev *protocol.LoadingFinished) {
	if g := m.store.getQueuedEventGroup(ev.RequestID); g != nil {
		g.loadingFinished = ev
		return
	}
	m.emitLoadingFinished(ev)
}

func (m *Manager) emitLoadingFinished(ev *protocol.LoadingFinished) {
	req := m.store.getRequest(ev.RequestID)
	if req == nil {
		m.log.Debug("完成事件没有对应请求", "requestId", string(ev.RequestID))
		return
	}
	// 某些情况下不会收到 responseReceived
	if resp := req.Response(); resp != nil {
		resp.resolveBody(nil)
	}
	m.forgetRequest(req, true)
	m.emit(RequestFinishedEvent{Request: req})
}

func (m *Manager) onLoadingFailed(ev *protocol.LoadingFailed) {
	if g := m.store.getQueuedEventGroup(ev.RequestID); g != nil {
		g.loadingFailed = ev
		return
	}
	m.emitLoadingFailed(ev)
}

func (m *Manager) emitLoadingFailed(ev *protocol.LoadingFailed) {
	req := m.store.getRequest(ev.RequestID)
	if req == nil {
		m.log.Debug("失败事件没有对应请求", "requestId", string(ev.RequestID))
		return
	}
	req.setFailure(ev.ErrorText)
	if resp := req.Response(); resp != nil {
		resp.resolveBody(nil)
	}
	m.forgetRequest(req, true)
	m.emit(RequestFailedEvent{Request: req})
}

// onAuthRequired 同一请求只提供一次凭据，再次质询即取消
func (m *Manager) onAuthRequired(client Client, ev *protocol.AuthRequired) {
	m.mu.Lock()
	answer := fetch.AuthChallengeResponse{Response: authDefault}
	if _, tried := m.attemptedAuth[ev.RequestID]; tried {
		answer.Response = authCancel
	} else if m.credentials != nil {
		answer.Response = authProvide
		m.attemptedAuth[ev.RequestID] = struct{}{}
	}
	if m.credentials != nil {
		username, password := m.credentials.Username, m.credentials.Password
		answer.Username = &username
		answer.Password = &password
	}
	m.mu.Unlock()

	m.fireAndForget(client.Call("Fetch.continueWithAuth", &fetch.ContinueWithAuthArgs{
		RequestID:             fetch.RequestID(ev.RequestID),
		AuthChallengeResponse: answer,
	}))
}

func (m *Manager) attemptedAuthCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.attemptedAuth)
}
