package rules

import (
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"cdpwatch/pkg/domain"
	"cdpwatch/pkg/traffic"
)

// Engine 规则引擎，可被多个拦截 goroutine 并发使用
type Engine struct {
	mu    sync.RWMutex
	rs    RuleSet
	regex *regexCache

	statsMu sync.Mutex
	stats   domain.EngineStats
}

// New 创建规则引擎
func New(rs RuleSet) *Engine {
	return &Engine{
		rs:    rs,
		regex: newRegexCache(defaultRegexCacheSize),
		stats: domain.EngineStats{ByRule: make(map[domain.RuleID]int64)},
	}
}

// Update 替换规则集，统计保留
func (e *Engine) Update(rs RuleSet) {
	e.mu.Lock()
	e.rs = rs
	e.mu.Unlock()
}

// Rules 当前规则集
func (e *Engine) Rules() RuleSet {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rs
}

// Result 命中结果
type Result struct {
	RuleID domain.RuleID
	Action Action
}

// Eval 返回优先级最高的命中规则；short_circuit 规则被选中后停止遍历
func (e *Engine) Eval(req *traffic.Request) *Result {
	e.mu.RLock()
	rules := e.rs.Rules
	e.mu.RUnlock()

	var chosen *Rule
	for i := range rules {
		r := &rules[i]
		if e.matchRule(req, r.Match) {
			if chosen == nil || r.Priority > chosen.Priority {
				chosen = r
				if r.Mode == ModeShortCircuit {
					break
				}
			}
		}
	}
	e.record(chosen)
	if chosen == nil {
		return nil
	}
	return &Result{RuleID: chosen.ID, Action: chosen.Action}
}

func (e *Engine) record(chosen *Rule) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.stats.Total++
	if chosen != nil {
		e.stats.Matched++
		e.stats.ByRule[chosen.ID]++
	}
}

// Stats 统计快照
func (e *Engine) Stats() domain.EngineStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	out := domain.EngineStats{
		Total:   e.stats.Total,
		Matched: e.stats.Matched,
		ByRule:  make(map[domain.RuleID]int64, len(e.stats.ByRule)),
	}
	for k, v := range e.stats.ByRule {
		out.ByRule[k] = v
	}
	return out
}

func (e *Engine) matchRule(req *traffic.Request, m Match) bool {
	ok := true
	if len(m.AllOf) > 0 {
		ok = ok && e.allOf(req, m.AllOf)
	}
	if len(m.AnyOf) > 0 {
		ok = ok && e.anyOf(req, m.AnyOf)
	}
	if len(m.NoneOf) > 0 {
		ok = ok && !e.anyOf(req, m.NoneOf)
	}
	return ok
}

func (e *Engine) allOf(req *traffic.Request, cs []Condition) bool {
	for i := range cs {
		if !e.cond(req, cs[i]) {
			return false
		}
	}
	return true
}

func (e *Engine) anyOf(req *traffic.Request, cs []Condition) bool {
	for i := range cs {
		if e.cond(req, cs[i]) {
			return true
		}
	}
	return false
}

func (e *Engine) cond(req *traffic.Request, c Condition) bool {
	switch c.Type {
	case "url":
		switch c.Mode {
		case "prefix":
			return strings.HasPrefix(req.URL, c.Pattern)
		case "regex":
			return e.matchRegex(req.URL, c.Pattern)
		case "exact":
			return req.URL == c.Pattern
		default:
			return glob(req.URL, c.Pattern)
		}
	case "method":
		return containsFold(c.Values, req.Method)
	case "resource_type":
		return containsFold(c.Values, req.ResourceType)
	case "header":
		v, ok := req.Headers.Lookup(c.Key)
		return ok && e.compare(v, c)
	case "query":
		v, ok := req.QueryParam(c.Key)
		return ok && e.compare(v, c)
	case "cookie":
		v, ok := req.Cookie(c.Key)
		return ok && e.compare(v, c)
	case "text":
		if len(req.Body) == 0 {
			return false
		}
		return e.compare(string(req.Body), c)
	case "json":
		if len(req.Body) == 0 || !gjson.ValidBytes(req.Body) {
			return false
		}
		res := gjson.GetBytes(req.Body, c.Path)
		return res.Exists() && e.compare(res.String(), c)
	default:
		return false
	}
}

// compare 按 Op 比较取到的值，未指定 Op 时存在即匹配
func (e *Engine) compare(v string, c Condition) bool {
	switch c.Op {
	case "equals":
		return v == c.Value
	case "contains":
		return strings.Contains(v, c.Value)
	case "regex":
		return e.matchRegex(v, c.Value)
	default:
		return true
	}
}

func (e *Engine) matchRegex(s, pattern string) bool {
	re, err := e.regex.Get(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

func containsFold(values []string, s string) bool {
	for _, v := range values {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

func glob(s, pattern string) bool {
	if pattern == "*" || pattern == "" {
		return true
	}
	if strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*") && len(pattern) > 1 {
		return strings.Contains(s, strings.Trim(pattern, "*"))
	}
	if strings.HasPrefix(pattern, "*") && strings.HasSuffix(s, strings.TrimPrefix(pattern, "*")) {
		return true
	}
	if strings.HasSuffix(pattern, "*") && strings.HasPrefix(s, strings.TrimSuffix(pattern, "*")) {
		return true
	}
	return s == pattern
}
