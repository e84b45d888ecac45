package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/goleak"

	"cdpwatch/internal/cdp"
	"cdpwatch/internal/cdp/cdptest"
	"cdpwatch/internal/rules"
	"cdpwatch/internal/storage"
	"cdpwatch/pkg/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
}

// fakeBrowser 应答全部命令，记录 sessionId 与 method
type fakeBrowser struct {
	pipe *cdptest.Pipe

	mu   sync.Mutex
	sent []gjson.Result
}

func newFakeBrowser() *fakeBrowser {
	b := &fakeBrowser{pipe: cdptest.NewPipe()}
	b.pipe.Serve(func(cmd gjson.Result) []string {
		b.mu.Lock()
		b.sent = append(b.sent, cmd)
		b.mu.Unlock()
		id := cmd.Get("id").Int()
		if sid := cmd.Get("sessionId").String(); sid != "" {
			return []string{fmt.Sprintf(`{"id":%d,"sessionId":%q,"result":{}}`, id, sid)}
		}
		return []string{fmt.Sprintf(`{"id":%d,"result":{}}`, id)}
	})
	return b
}

func (b *fakeBrowser) count(sessionID, method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.sent {
		if c.Get("sessionId").String() == sessionID && c.Get("method").String() == method {
			n++
		}
	}
	return n
}

func (b *fakeBrowser) dial(context.Context, string, cdp.Options) (*cdp.Connection, error) {
	return cdp.NewConnection(b.pipe, cdp.Options{URL: "ws://fake"}), nil
}

// attachPage 附加页面并等待网络设置下发
func (b *fakeBrowser) attachPage(t *testing.T, sid string) {
	t.Helper()
	b.pipe.Push(fmt.Sprintf(`{"method":"Target.attachedToTarget","params":{"sessionId":%q,"targetInfo":{"targetId":"T-%s","type":"page","title":"","url":"about:blank","attached":true},"waitingForDebugger":false}}`, sid, sid))
	require.Eventually(t, func() bool { return b.count(sid, "Network.enable") == 1 }, 2*time.Second, 5*time.Millisecond)
}

func (b *fakeBrowser) event(sid, method, params string) {
	b.pipe.Push(fmt.Sprintf(`{"method":%q,"sessionId":%q,"params":%s}`, method, sid, params))
}

func receive(t *testing.T, ch <-chan domain.NetworkEvent) domain.NetworkEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return domain.NetworkEvent{}
	}
}

func TestStartStopLifecycle(t *testing.T) {
	b := newFakeBrowser()
	svc := New(Options{Dial: b.dial})

	assert.ErrorIs(t, svc.Stop(), ErrNotStarted)
	_, err := svc.ListTargets()
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.Nil(t, svc.Done())

	require.NoError(t, svc.Start(context.Background(), domain.SessionConfig{DevToolsURL: "ws://fake"}))
	assert.ErrorIs(t, svc.Start(context.Background(), domain.SessionConfig{}), ErrAlreadyStarted)
	assert.Equal(t, 1, b.count("", "Target.setAutoAttach"))

	ch, _ := svc.Subscribe()
	require.NoError(t, svc.Stop())
	_, ok := <-ch
	assert.False(t, ok)
}

func TestSubscribeReceivesLifecycle(t *testing.T) {
	b := newFakeBrowser()
	svc := New(Options{Dial: b.dial})
	require.NoError(t, svc.Start(context.Background(), domain.SessionConfig{
		DevToolsURL:      "ws://fake",
		ExtraHTTPHeaders: map[string]string{"X-Run": "1"},
		CacheDisabled:    true,
	}))
	defer svc.Stop()

	ch, cancel := svc.Subscribe()
	defer cancel()
	b.attachPage(t, "S1")
	require.Eventually(t, func() bool {
		return b.count("S1", "Network.setExtraHTTPHeaders") == 1 && b.count("S1", "Network.setCacheDisabled") > 0
	}, 2*time.Second, 5*time.Millisecond)

	b.event("S1", "Network.requestWillBeSent", `{"requestId":"R1","loaderId":"R1","type":"Document","frameId":"F1","request":{"url":"https://x/","method":"GET","headers":{}}}`)
	b.event("S1", "Network.responseReceived", `{"requestId":"R1","loaderId":"R1","type":"Document","response":{"url":"https://x/","status":200,"statusText":"OK","headers":{},"mimeType":"text/html"}}`)
	b.event("S1", "Network.loadingFinished", `{"requestId":"R1"}`)

	req := receive(t, ch)
	assert.Equal(t, domain.NetworkEventType("request"), req.Type)
	assert.Equal(t, "https://x/", req.URL)
	assert.Equal(t, domain.SessionID("S1"), req.Session)

	resp := receive(t, ch)
	assert.Equal(t, domain.NetworkEventType("response"), resp.Type)
	assert.Equal(t, 200, resp.Status)

	fin := receive(t, ch)
	assert.Equal(t, domain.NetworkEventType("requestfinished"), fin.Type)

	targets, err := svc.ListTargets()
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.True(t, targets[0].Attached)
}

func TestRulesDriveInterception(t *testing.T) {
	b := newFakeBrowser()
	svc := New(Options{Dial: b.dial})
	require.NoError(t, svc.LoadRules(rules.RuleSet{Rules: []rules.Rule{
		{ID: "block", Match: rules.Match{AllOf: []rules.Condition{{Type: "url", Pattern: "*.png"}}}, Action: rules.Action{Type: rules.ActionAbort}},
	}}))
	assert.Error(t, svc.LoadRules(rules.RuleSet{Rules: []rules.Rule{{ID: ""}}}))
	require.Len(t, svc.Rules().Rules, 1)
	assert.Equal(t, domain.RuleID("block"), svc.Rules().Rules[0].ID)

	require.NoError(t, svc.Start(context.Background(), domain.SessionConfig{DevToolsURL: "ws://fake", RequestInterception: true}))
	defer svc.Stop()
	b.attachPage(t, "S1")
	require.Eventually(t, func() bool { return b.count("S1", "Fetch.enable") == 1 }, 2*time.Second, 5*time.Millisecond)

	b.event("S1", "Fetch.requestPaused", `{"requestId":"F-1","frameId":"F1","resourceType":"Image","request":{"url":"https://x/a.png","method":"GET","headers":{}}}`)
	require.Eventually(t, func() bool { return b.count("S1", "Fetch.failRequest") == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), svc.RuleStats().ByRule["block"])

	require.NoError(t, svc.SetRequestInterception(context.Background(), false))
	assert.Equal(t, 1, b.count("S1", "Fetch.disable"))
}

func TestRecordingToStore(t *testing.T) {
	store, err := storage.Open(storage.Options{DSN: filepath.Join(t.TempDir(), "svc.sqlite3")})
	require.NoError(t, err)
	defer store.Close()

	b := newFakeBrowser()
	svc := New(Options{Dial: b.dial, Store: store, RunID: "run-7"})
	require.NoError(t, svc.Start(context.Background(), domain.SessionConfig{DevToolsURL: "ws://fake"}))
	b.attachPage(t, "S1")

	ch, cancel := svc.Subscribe()
	defer cancel()
	b.event("S1", "Network.requestWillBeSent", `{"requestId":"R1","loaderId":"L1","type":"XHR","frameId":"F1","request":{"url":"https://x/api","method":"POST","headers":{}}}`)
	b.event("S1", "Network.loadingFailed", `{"requestId":"R1","type":"XHR","errorText":"net::ERR_ABORTED"}`)
	assert.Equal(t, domain.NetworkEventType("request"), receive(t, ch).Type)
	failed := receive(t, ch)
	assert.Equal(t, domain.NetworkEventType("requestfailed"), failed.Type)
	assert.Equal(t, "net::ERR_ABORTED", failed.FailureText)

	// 停止时记录队列被写完
	require.NoError(t, svc.Stop())

	rows, err := store.Find(context.Background(), storage.Query{RunID: "run-7"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Failed)
	assert.Equal(t, "POST", rows[0].Method)
}
