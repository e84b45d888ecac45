package cdp

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mafredri/cdp/devtool"
)

// Transport 双工消息通道
type Transport interface {
	Send(message []byte) error
	Receive() ([]byte, error)
	Close() error
}

const writeWait = 10 * time.Second

type wsTransport struct {
	conn *websocket.Conn
	wmu  sync.Mutex
	once sync.Once
}

// DialWebSocket 建立到调试端点的 WebSocket 传输
func DialWebSocket(ctx context.Context, wsURL string) (Transport, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 30 * time.Second,
		ReadBufferSize:   1 << 16,
		WriteBufferSize:  1 << 16,
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) Send(message []byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, message)
}

func (t *wsTransport) Receive() ([]byte, error) {
	_, b, err := t.conn.ReadMessage()
	return b, err
}

func (t *wsTransport) Close() error {
	var err error
	t.once.Do(func() {
		t.wmu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.wmu.Unlock()
		err = t.conn.Close()
	})
	return err
}

// ResolveWebSocketURL 把 DevTools HTTP 端点解析为浏览器级 WebSocket 地址，ws 地址原样返回
func ResolveWebSocketURL(ctx context.Context, endpoint string) (string, error) {
	if strings.HasPrefix(endpoint, "ws://") || strings.HasPrefix(endpoint, "wss://") {
		return endpoint, nil
	}
	v, err := devtool.New(endpoint).Version(ctx)
	if err != nil {
		return "", fmt.Errorf("query devtools version: %w", err)
	}
	if v.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("devtools endpoint %s exposes no browser websocket", endpoint)
	}
	return v.WebSocketDebuggerURL, nil
}
