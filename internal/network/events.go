package network

// EventKind 生命周期事件类别
type EventKind string

const (
	EventRequest                EventKind = "request"
	EventRequestServedFromCache EventKind = "requestservedfromcache"
	EventResponse               EventKind = "response"
	EventRequestFailed          EventKind = "requestfailed"
	EventRequestFinished        EventKind = "requestfinished"
)

// Event 对外发布的生命周期事件，变体集合是封闭的
type Event interface {
	Kind() EventKind
	networkEvent()
}

// RequestEvent 新请求
type RequestEvent struct{ Request *Request }

// RequestServedFromCacheEvent 请求由内存缓存满足
type RequestServedFromCacheEvent struct{ Request *Request }

// ResponseEvent 响应头已到达
type ResponseEvent struct{ Response *Response }

// RequestFailedEvent 请求失败
type RequestFailedEvent struct{ Request *Request }

// RequestFinishedEvent 请求完成
type RequestFinishedEvent struct{ Request *Request }

func (RequestEvent) Kind() EventKind                { return EventRequest }
func (RequestServedFromCacheEvent) Kind() EventKind { return EventRequestServedFromCache }
func (ResponseEvent) Kind() EventKind               { return EventResponse }
func (RequestFailedEvent) Kind() EventKind          { return EventRequestFailed }
func (RequestFinishedEvent) Kind() EventKind        { return EventRequestFinished }

func (RequestEvent) networkEvent()                {}
func (RequestServedFromCacheEvent) networkEvent() {}
func (ResponseEvent) networkEvent()               {}
func (RequestFailedEvent) networkEvent()          {}
func (RequestFinishedEvent) networkEvent()        {}

// RequestOf 返回事件关联的请求
func RequestOf(ev Event) *Request {
	switch e := ev.(type) {
	case RequestEvent:
		return e.Request
	case RequestServedFromCacheEvent:
		return e.Request
	case ResponseEvent:
		return e.Response.Request()
	case RequestFailedEvent:
		return e.Request
	case RequestFinishedEvent:
		return e.Request
	}
	return nil
}

// Listener 生命周期事件监听器，在分发协程上同步调用，不得阻塞等待命令结果
type Listener func(Event)
