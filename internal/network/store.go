package network

import (
	"sync"

	"cdpwatch/internal/protocol"
	"cdpwatch/pkg/domain"
)

type redirectInfo struct {
	event   *protocol.RequestWillBeSent
	fetchID domain.FetchID
}

// queuedEventGroup 等待 extra info 的响应以及期间到达的终止事件
type queuedEventGroup struct {
	responseReceived *protocol.ResponseReceived
	loadingFinished  *protocol.LoadingFinished
	loadingFailed    *protocol.LoadingFailed
}

// eventStore 按网络请求 id 缓存尚不能配对的协议事件
type eventStore struct {
	mu sync.Mutex

	requestWillBeSent map[domain.RequestID]*protocol.RequestWillBeSent
	requestPaused     map[domain.RequestID]*protocol.RequestPaused
	requests          map[domain.RequestID]*Request
	extraInfo         map[domain.RequestID][]*protocol.ResponseReceivedExtraInfo
	redirects         map[domain.RequestID][]redirectInfo
	eventGroups       map[domain.RequestID]*queuedEventGroup
}

func newEventStore() *eventStore {
	return &eventStore{
		requestWillBeSent: make(map[domain.RequestID]*protocol.RequestWillBeSent),
		requestPaused:     make(map[domain.RequestID]*protocol.RequestPaused),
		requests:          make(map[domain.RequestID]*Request),
		extraInfo:         make(map[domain.RequestID][]*protocol.ResponseReceivedExtraInfo),
		redirects:         make(map[domain.RequestID][]redirectInfo),
		eventGroups:       make(map[domain.RequestID]*queuedEventGroup),
	}
}

// forget 清除某个 id 的全部缓冲事件
func (s *eventStore) forget(id domain.RequestID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.requestWillBeSent, id)
	delete(s.requestPaused, id)
	delete(s.eventGroups, id)
	delete(s.redirects, id)
	delete(s.extraInfo, id)
}

func (s *eventStore) pushExtraInfo(id domain.RequestID, ev *protocol.ResponseReceivedExtraInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extraInfo[id] = append(s.extraInfo[id], ev)
}

// shiftExtraInfo 按 FIFO 取出最早的 extra info
func (s *eventStore) shiftExtraInfo(id domain.RequestID) *protocol.ResponseReceivedExtraInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.extraInfo[id]
	if len(q) == 0 {
		return nil
	}
	ev := q[0]
	if len(q) == 1 {
		delete(s.extraInfo, id)
	} else {
		s.extraInfo[id] = q[1:]
	}
	return ev
}

func (s *eventStore) extraInfoCount(id domain.RequestID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.extraInfo[id])
}

func (s *eventStore) queueRedirectInfo(id domain.RequestID, info redirectInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.redirects[id] = append(s.redirects[id], info)
}

func (s *eventStore) takeQueuedRedirectInfo(id domain.RequestID) (redirectInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.redirects[id]
	if len(q) == 0 {
		return redirectInfo{}, false
	}
	info := q[0]
	if len(q) == 1 {
		delete(s.redirects, id)
	} else {
		s.redirects[id] = q[1:]
	}
	return info, true
}

// inFlightRequests 尚未收到响应的请求数
func (s *eventStore) inFlightRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		if r.Response() == nil {
			n++
		}
	}
	return n
}

func (s *eventStore) storeRequestWillBeSent(id domain.RequestID, ev *protocol.RequestWillBeSent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestWillBeSent[id] = ev
}

func (s *eventStore) getRequestWillBeSent(id domain.RequestID) *protocol.RequestWillBeSent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestWillBeSent[id]
}

func (s *eventStore) forgetRequestWillBeSent(id domain.RequestID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.requestWillBeSent, id)
}

func (s *eventStore) storeRequestPaused(id domain.RequestID, ev *protocol.RequestPaused) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestPaused[id] = ev
}

func (s *eventStore) getRequestPaused(id domain.RequestID) *protocol.RequestPaused {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestPaused[id]
}

func (s *eventStore) forgetRequestPaused(id domain.RequestID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.requestPaused, id)
}

func (s *eventStore) storeRequest(id domain.RequestID, r *Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[id] = r
}

func (s *eventStore) getRequest(id domain.RequestID) *Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[id]
}

func (s *eventStore) forgetRequest(id domain.RequestID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.requests, id)
}

func (s *eventStore) queueEventGroup(id domain.RequestID, g *queuedEventGroup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventGroups[id] = g
}

func (s *eventStore) getQueuedEventGroup(id domain.RequestID) *queuedEventGroup {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eventGroups[id]
}

func (s *eventStore) forgetQueuedEventGroup(id domain.RequestID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.eventGroups, id)
}

// storeStats 各缓冲区的条目数
type storeStats struct {
	RequestWillBeSent int
	RequestPaused     int
	Requests          int
	ExtraInfo         int
	Redirects         int
	EventGroups       int
}

func (s storeStats) total() int {
	return s.RequestWillBeSent + s.RequestPaused + s.Requests + s.ExtraInfo + s.Redirects + s.EventGroups
}

func (s *eventStore) stats() storeStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return storeStats{
		RequestWillBeSent: len(s.requestWillBeSent),
		RequestPaused:     len(s.requestPaused),
		Requests:          len(s.requests),
		ExtraInfo:         len(s.extraInfo),
		Redirects:         len(s.redirects),
		EventGroups:       len(s.eventGroups),
	}
}
