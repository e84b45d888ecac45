package rules

import (
	"context"
	"fmt"

	"github.com/tidwall/sjson"

	adapter "cdpwatch/internal/adapter/cdp"
	"cdpwatch/internal/logger"
	"cdpwatch/internal/network"
	"cdpwatch/pkg/traffic"
)

// Interceptor 以规则引擎决定被拦截请求的去向，未命中时交由网络管理器放行
type Interceptor struct {
	engine *Engine
	log    logger.Logger
}

// NewInterceptor 创建基于规则的拦截器
func NewInterceptor(e *Engine, l logger.Logger) *Interceptor {
	if l == nil {
		l = logger.NewNop()
	}
	return &Interceptor{engine: e, log: l}
}

func (i *Interceptor) Intercept(ctx context.Context, req *network.Request) error {
	neutral := adapter.ToNeutralRequest(req)
	res := i.engine.Eval(neutral)
	if res == nil {
		return nil
	}
	i.log.Debug("规则命中", "rule", string(res.RuleID), "action", res.Action.Type, "url", neutral.URL)

	switch res.Action.Type {
	case ActionContinue:
		o, err := continueOverrides(neutral, res.Action)
		if err != nil {
			return fmt.Errorf("rule %s: %w", res.RuleID, err)
		}
		return req.Continue(ctx, o)
	case ActionAbort:
		return req.Abort(ctx, res.Action.ErrorCode)
	case ActionRespond:
		return req.Respond(ctx, network.RespondOptions{
			Status:      res.Action.Status,
			Headers:     res.Action.Headers,
			ContentType: res.Action.ContentType,
			Body:        []byte(res.Action.Body),
		})
	default:
		return fmt.Errorf("rule %s: unknown action %q", res.RuleID, res.Action.Type)
	}
}

// continueOverrides 把 continue 动作转换为放行覆盖项
func continueOverrides(req *traffic.Request, a Action) (network.ContinueOverrides, error) {
	o := network.ContinueOverrides{URL: a.URL, Method: a.Method}

	if len(a.SetHeaders) > 0 || len(a.RemoveHeaders) > 0 {
		h := req.Headers.Clone()
		for _, k := range a.RemoveHeaders {
			h.Del(k)
		}
		h.Merge(a.SetHeaders)
		o.Headers = h.Map()
	}

	if len(a.BodyPatches) > 0 {
		body := req.Body
		if len(body) == 0 {
			body = []byte("{}")
		}
		var err error
		for _, p := range a.BodyPatches {
			if p.Delete {
				body, err = sjson.DeleteBytes(body, p.Path)
			} else {
				body, err = sjson.SetBytes(body, p.Path, p.Value)
			}
			if err != nil {
				return network.ContinueOverrides{}, fmt.Errorf("patch body %q: %w", p.Path, err)
			}
		}
		o.PostData = body
	}
	return o, nil
}
