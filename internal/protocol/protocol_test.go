package protocol

import (
	"testing"

	"github.com/mafredri/cdp/protocol/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdpwatch/pkg/domain"
)

func TestEncodeCommand(t *testing.T) {
	b, err := EncodeCommand(7, "", "Network.enable", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":7,"method":"Network.enable"}`, string(b))

	b, err = EncodeCommand(8, "S1", "Network.enable", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":8,"sessionId":"S1","method":"Network.enable","params":{}}`, string(b))

	b, err = EncodeCommand(9, "S1", "Fetch.continueRequest", map[string]string{"requestId": "F1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":9,"sessionId":"S1","method":"Fetch.continueRequest","params":{"requestId":"F1"}}`, string(b))
}

func TestParseMessageResponseError(t *testing.T) {
	m, err := ParseMessage([]byte(`{"id":3,"error":{"code":-32000,"message":"No resource","data":"detail"}}`))
	require.NoError(t, err)
	assert.True(t, m.IsResponse())
	require.NotNil(t, m.Error)
	assert.Equal(t, "No resource", m.Error.Message)
	assert.Equal(t, "detail", m.Error.DataString())
}

func TestParseMessageInvalid(t *testing.T) {
	_, err := ParseMessage([]byte(`{not json`))
	assert.Error(t, err)
}

func TestDecodeEventKnown(t *testing.T) {
	ev, err := DecodeEvent(MethodRequestWillBeSent, []byte(`{
		"requestId":"R1","loaderId":"L1","request":{"url":"https://x/","method":"GET","headers":{"A":"1"}},
		"redirectHasExtraInfo":true,"redirectResponse":{"url":"https://x/old","status":302,"statusText":"Found","headers":{},"fromDiskCache":true},
		"type":"Document","frameId":"F1"}`))
	require.NoError(t, err)
	rwbs, ok := ev.(*RequestWillBeSent)
	require.True(t, ok)
	assert.Equal(t, domain.RequestID("R1"), rwbs.RequestID)
	assert.Equal(t, "https://x/", rwbs.Request.URL)
	assert.Equal(t, "1", HeaderMap(rwbs.Request.Headers)["A"])
	require.NotNil(t, rwbs.RedirectResponse)
	assert.Equal(t, 302, rwbs.RedirectResponse.Status)
	assert.True(t, Deref(rwbs.RedirectResponse.FromDiskCache))
	assert.Equal(t, domain.FrameID("F1"), Deref(rwbs.FrameID))
	assert.Equal(t, MethodRequestWillBeSent, ev.EventName())
}

func TestDecodeEventPaused(t *testing.T) {
	ev, err := DecodeEvent(MethodRequestPaused, []byte(`{"requestId":"F-1","request":{"url":"https://x/","method":"GET","headers":{}},"frameId":"F1","resourceType":"Image"}`))
	require.NoError(t, err)
	p, ok := ev.(*RequestPaused)
	require.True(t, ok)
	assert.Equal(t, domain.FetchID("F-1"), p.RequestID)
	assert.Nil(t, p.NetworkID)
	assert.Equal(t, "Image", string(p.ResourceType))
}

func TestHeaders(t *testing.T) {
	h, err := Headers(map[string]string{"Accept": "text/html"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Accept": "text/html"}, HeaderMap(h))

	assert.Empty(t, HeaderMap(nil))
	assert.Empty(t, HeaderMap(network.Headers(`not json`)))
}

func TestDeref(t *testing.T) {
	s := "x"
	assert.Equal(t, "x", Deref(&s))
	assert.Equal(t, "", Deref[string](nil))
	assert.False(t, Deref[bool](nil))
}

func TestDecodeEventUnknown(t *testing.T) {
	ev, err := DecodeEvent("Page.frameNavigated", []byte(`{"frame":{}}`))
	require.NoError(t, err)
	u, ok := ev.(*Unknown)
	require.True(t, ok)
	assert.Equal(t, "Page.frameNavigated", u.EventName())
}

func TestDecodeEventBadParams(t *testing.T) {
	_, err := DecodeEvent(MethodLoadingFinished, []byte(`{"requestId":5}`))
	assert.Error(t, err)
}
