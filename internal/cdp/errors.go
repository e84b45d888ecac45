package cdp

import (
	"errors"
	"fmt"
)

// ErrTargetClosed 连接或会话已不可用
var ErrTargetClosed = errors.New("target closed")

// ProtocolError 远端在响应中返回的 error 字段
type ProtocolError struct {
	Method  string
	Code    int64
	Message string
	Data    string
}

func (e *ProtocolError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("protocol error (%s): %s %s", e.Method, e.Message, e.Data)
	}
	return fmt.Sprintf("protocol error (%s): %s", e.Method, e.Message)
}

// TargetClosedError 因连接关闭或会话分离而失败的调用
type TargetClosedError struct {
	Method string
	Reason string
}

func (e *TargetClosedError) Error() string {
	return fmt.Sprintf("protocol error (%s): %s", e.Method, e.Reason)
}

// Is 使 errors.Is(err, ErrTargetClosed) 成立
func (e *TargetClosedError) Is(target error) bool {
	return target == ErrTargetClosed
}

const (
	reasonTargetClosed  = "Target closed."
	reasonSessionClosed = "Session closed. Most likely the %s has been closed."
)
