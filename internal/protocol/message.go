package protocol

import (
	stdjson "encoding/json"
	"fmt"

	json "github.com/json-iterator/go"

	"cdpwatch/pkg/domain"
)

// Message 传输层上的一条 CDP 消息：命令、响应或事件
type Message struct {
	ID        int64              `json:"id,omitempty"`
	SessionID domain.SessionID   `json:"sessionId,omitempty"`
	Method    string             `json:"method,omitempty"`
	Params    stdjson.RawMessage `json:"params,omitempty"`
	Result    stdjson.RawMessage `json:"result,omitempty"`
	Error     *Error             `json:"error,omitempty"`
}

// IsResponse 判断是否为命令响应
func (m *Message) IsResponse() bool { return m.ID != 0 }

// Error 远端返回的协议错误
type Error struct {
	Code    int64              `json:"code"`
	Message string             `json:"message"`
	Data    stdjson.RawMessage `json:"data,omitempty"`
}

// DataString 返回 data 字段的可读形式
func (e *Error) DataString() string {
	if e == nil || len(e.Data) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Data, &s); err == nil {
		return s
	}
	return string(e.Data)
}

type command struct {
	ID        int64            `json:"id"`
	SessionID domain.SessionID `json:"sessionId,omitempty"`
	Method    string           `json:"method"`
	Params    any              `json:"params,omitempty"`
}

// EncodeCommand 序列化一条命令
func EncodeCommand(id int64, sessionID domain.SessionID, method string, params any) ([]byte, error) {
	// 会话命令必须携带 params 对象
	if params == nil && sessionID != "" {
		params = struct{}{}
	}
	b, err := json.Marshal(command{ID: id, SessionID: sessionID, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}
	return b, nil
}

// ParseMessage 解析一条入站消息
func ParseMessage(b []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	return &m, nil
}

// Unmarshal 使用统一编解码器解码
func Unmarshal(b []byte, v any) error {
	return json.Unmarshal(b, v)
}

// Marshal 使用统一编解码器编码
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}
