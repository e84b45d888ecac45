package rules

import (
	"context"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/goleak"

	"cdpwatch/internal/network"
	"cdpwatch/internal/network/networktest"
	"cdpwatch/internal/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startIntercepting(t *testing.T, rs RuleSet) (*networktest.Client, *Engine) {
	t.Helper()
	engine := New(rs)
	m := network.New(network.Config{Interceptor: NewInterceptor(engine, nil)})
	t.Cleanup(m.Close)
	client := networktest.NewClient("S1")
	require.NoError(t, m.AddClient(context.Background(), client))
	require.NoError(t, m.SetRequestInterception(context.Background(), true))
	return client, engine
}

func paused(fetchID, method, url, postData string) string {
	return fmt.Sprintf(`{"requestId":%q,"frameId":"F1","resourceType":"XHR","request":{"url":%q,"method":%q,"headers":{"Content-Type":"application/json","X-Drop":"1"},"postData":%q,"hasPostData":%t}}`,
		fetchID, url, method, postData, postData != "")
}

func waitCommand(t *testing.T, c *networktest.Client, method string) networktest.Command {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.Commands(method)) > 0 }, 2*time.Second, 5*time.Millisecond)
	return c.Commands(method)[0]
}

func decodeBytes(t *testing.T, r gjson.Result) string {
	t.Helper()
	b, err := base64.StdEncoding.DecodeString(r.String())
	require.NoError(t, err)
	return string(b)
}

func TestInterceptorAbort(t *testing.T) {
	client, engine := startIntercepting(t, RuleSet{Rules: []Rule{
		{ID: "ads", Match: Match{AllOf: []Condition{{Type: "url", Pattern: "*/ads/*"}}}, Action: Action{Type: ActionAbort, ErrorCode: "blockedbyclient"}},
	}})

	client.EmitJSON(t, protocol.MethodRequestPaused, paused("F-1", "GET", "https://x/ads/a.js", ""))
	cmd := waitCommand(t, client, "Fetch.failRequest")
	assert.Equal(t, "F-1", cmd.Params.Get("requestId").String())
	assert.Equal(t, "BlockedByClient", cmd.Params.Get("errorReason").String())
	assert.Empty(t, client.Commands("Fetch.continueRequest"))
	assert.Equal(t, int64(1), engine.Stats().ByRule["ads"])
}

func TestInterceptorRespond(t *testing.T) {
	client, _ := startIntercepting(t, RuleSet{Rules: []Rule{
		{ID: "mock", Match: Match{AllOf: []Condition{{Type: "url", Mode: "prefix", Pattern: "https://api/"}}}, Action: Action{
			Type: ActionRespond, Status: 201, ContentType: "application/json", Body: `{"mock":true}`,
			Headers: map[string]string{"X-Mock": "yes"},
		}},
	}})

	client.EmitJSON(t, protocol.MethodRequestPaused, paused("F-1", "GET", "https://api/user", ""))
	cmd := waitCommand(t, client, "Fetch.fulfillRequest")
	assert.Equal(t, int64(201), cmd.Params.Get("responseCode").Int())
	assert.Equal(t, "Created", cmd.Params.Get("responsePhrase").String())
	assert.Equal(t, `{"mock":true}`, decodeBytes(t, cmd.Params.Get("body")))

	headers := map[string]string{}
	for _, h := range cmd.Params.Get("responseHeaders").Array() {
		headers[h.Get("name").String()] = h.Get("value").String()
	}
	assert.Equal(t, "application/json", headers["content-type"])
	assert.Equal(t, "yes", headers["x-mock"])
	assert.Equal(t, "13", headers["content-length"])
}

func TestInterceptorContinueWithOverrides(t *testing.T) {
	client, _ := startIntercepting(t, RuleSet{Rules: []Rule{
		{ID: "login", Match: Match{AllOf: []Condition{
			{Type: "method", Values: []string{"POST"}},
			{Type: "json", Path: "user", Op: "equals", Value: "ann"},
		}}, Action: Action{
			Type:          ActionContinue,
			URL:           "https://x/login/v2",
			SetHeaders:    map[string]string{"X-Debug": "1"},
			RemoveHeaders: []string{"x-drop"},
			BodyPatches:   []BodyPatch{{Path: "debug", Value: true}, {Path: "password", Delete: true}},
		}},
	}})

	client.EmitJSON(t, protocol.MethodRequestPaused, paused("F-1", "POST", "https://x/login", `{"user":"ann","password":"pw"}`))
	cmd := waitCommand(t, client, "Fetch.continueRequest")
	assert.Equal(t, "https://x/login/v2", cmd.Params.Get("url").String())
	assert.False(t, cmd.Params.Get("method").Exists())

	body := decodeBytes(t, cmd.Params.Get("postData"))
	assert.JSONEq(t, `{"user":"ann","debug":true}`, body)

	headers := map[string]string{}
	for _, h := range cmd.Params.Get("headers").Array() {
		headers[h.Get("name").String()] = h.Get("value").String()
	}
	assert.Equal(t, "1", headers["x-debug"])
	assert.Equal(t, "application/json", headers["content-type"])
	assert.NotContains(t, headers, "x-drop")
}

func TestInterceptorNoMatchAutoContinues(t *testing.T) {
	client, engine := startIntercepting(t, RuleSet{})

	client.EmitJSON(t, protocol.MethodRequestPaused, paused("F-1", "GET", "https://x/", ""))
	cmd := waitCommand(t, client, "Fetch.continueRequest")
	assert.Equal(t, "F-1", cmd.Params.Get("requestId").String())
	assert.False(t, cmd.Params.Get("headers").Exists())
	assert.Equal(t, int64(1), engine.Stats().Total)
	assert.Zero(t, engine.Stats().Matched)
}

func TestInterceptorBadPatchFallsBackToContinue(t *testing.T) {
	client, _ := startIntercepting(t, RuleSet{Rules: []Rule{
		{ID: "patch", Action: Action{Type: ActionContinue, BodyPatches: []BodyPatch{{Path: "", Value: 1}}}},
	}})

	client.EmitJSON(t, protocol.MethodRequestPaused, paused("F-1", "POST", "https://x/", `{"a":1}`))
	cmd := waitCommand(t, client, "Fetch.continueRequest")
	assert.False(t, cmd.Params.Get("postData").Exists())
}
