package protocol

import (
	stdjson "encoding/json"
	"fmt"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/mafredri/cdp/protocol/target"
)

// 已知的事件方法名
const (
	MethodAttachedToTarget   = "Target.attachedToTarget"
	MethodDetachedFromTarget = "Target.detachedFromTarget"
	MethodTargetCreated      = "Target.targetCreated"
	MethodTargetDestroyed    = "Target.targetDestroyed"
	MethodTargetInfoChanged  = "Target.targetInfoChanged"

	MethodRequestWillBeSent         = "Network.requestWillBeSent"
	MethodRequestServedFromCache    = "Network.requestServedFromCache"
	MethodResponseReceived          = "Network.responseReceived"
	MethodResponseReceivedExtraInfo = "Network.responseReceivedExtraInfo"
	MethodLoadingFinished           = "Network.loadingFinished"
	MethodLoadingFailed             = "Network.loadingFailed"

	MethodRequestPaused = "Fetch.requestPaused"
	MethodAuthRequired  = "Fetch.authRequired"
)

// Event 解码后的协议事件，变体集合是封闭的
type Event interface {
	EventName() string
}

// Unknown 未识别的事件，保留原始参数
type Unknown struct {
	Name   string
	Params stdjson.RawMessage
}

func (e *Unknown) EventName() string { return e.Name }

type AttachedToTarget struct{ target.AttachedToTargetReply }

type DetachedFromTarget struct{ target.DetachedFromTargetReply }

type TargetCreated struct{ target.CreatedReply }

type TargetDestroyed struct{ target.DestroyedReply }

type TargetInfoChanged struct{ target.InfoChangedReply }

type RequestWillBeSent struct{ network.RequestWillBeSentReply }

type RequestServedFromCache struct{ network.RequestServedFromCacheReply }

type ResponseReceived struct{ network.ResponseReceivedReply }

type ResponseReceivedExtraInfo struct {
	network.ResponseReceivedExtraInfoReply
}

type LoadingFinished struct{ network.LoadingFinishedReply }

type LoadingFailed struct{ network.LoadingFailedReply }

type RequestPaused struct{ fetch.RequestPausedReply }

type AuthRequired struct{ fetch.AuthRequiredReply }

func (*AttachedToTarget) EventName() string          { return MethodAttachedToTarget }
func (*DetachedFromTarget) EventName() string        { return MethodDetachedFromTarget }
func (*TargetCreated) EventName() string             { return MethodTargetCreated }
func (*TargetDestroyed) EventName() string           { return MethodTargetDestroyed }
func (*TargetInfoChanged) EventName() string         { return MethodTargetInfoChanged }
func (*RequestWillBeSent) EventName() string         { return MethodRequestWillBeSent }
func (*RequestServedFromCache) EventName() string    { return MethodRequestServedFromCache }
func (*ResponseReceived) EventName() string          { return MethodResponseReceived }
func (*ResponseReceivedExtraInfo) EventName() string { return MethodResponseReceivedExtraInfo }
func (*LoadingFinished) EventName() string           { return MethodLoadingFinished }
func (*LoadingFailed) EventName() string             { return MethodLoadingFailed }
func (*RequestPaused) EventName() string             { return MethodRequestPaused }
func (*AuthRequired) EventName() string              { return MethodAuthRequired }

// DecodeEvent 按方法名把参数解码为对应的事件类型
func DecodeEvent(method string, params stdjson.RawMessage) (Event, error) {
	var ev Event
	switch method {
	case MethodAttachedToTarget:
		ev = &AttachedToTarget{}
	case MethodDetachedFromTarget:
		ev = &DetachedFromTarget{}
	case MethodTargetCreated:
		ev = &TargetCreated{}
	case MethodTargetDestroyed:
		ev = &TargetDestroyed{}
	case MethodTargetInfoChanged:
		ev = &TargetInfoChanged{}
	case MethodRequestWillBeSent:
		ev = &RequestWillBeSent{}
	case MethodRequestServedFromCache:
		ev = &RequestServedFromCache{}
	case MethodResponseReceived:
		ev = &ResponseReceived{}
	case MethodResponseReceivedExtraInfo:
		ev = &ResponseReceivedExtraInfo{}
	case MethodLoadingFinished:
		ev = &LoadingFinished{}
	case MethodLoadingFailed:
		ev = &LoadingFailed{}
	case MethodRequestPaused:
		ev = &RequestPaused{}
	case MethodAuthRequired:
		ev = &AuthRequired{}
	default:
		return &Unknown{Name: method, Params: params}, nil
	}
	if len(params) == 0 {
		return ev, nil
	}
	if err := Unmarshal(params, ev); err != nil {
		return nil, fmt.Errorf("decode %s: %w", method, err)
	}
	return ev, nil
}
