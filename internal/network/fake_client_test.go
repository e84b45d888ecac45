package network

import (
	"sync"

	"cdpwatch/internal/network/networktest"
	"cdpwatch/pkg/domain"
)

type fakeClient = networktest.Client

func newFakeClient(id string) *fakeClient { return networktest.NewClient(id) }

// recorder 记录发布的生命周期事件
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) kinds() []EventKind {
	var out []EventKind
	for _, ev := range r.all() {
		out = append(out, ev.Kind())
	}
	return out
}

func (r *recorder) requests() []*Request {
	var out []*Request
	for _, ev := range r.all() {
		if e, ok := ev.(RequestEvent); ok {
			out = append(out, e.Request)
		}
	}
	return out
}

func (r *recorder) responses() []*Response {
	var out []*Response
	for _, ev := range r.all() {
		if e, ok := ev.(ResponseEvent); ok {
			out = append(out, e.Response)
		}
	}
	return out
}

type fakeFrame domain.FrameID

func (f fakeFrame) ID() domain.FrameID { return domain.FrameID(f) }

type fakeFrames struct{}

func (fakeFrames) Frame(id domain.FrameID) Frame { return fakeFrame(id) }
