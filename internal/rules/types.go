package rules

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"cdpwatch/internal/network"
	"cdpwatch/pkg/domain"
)

// 规则匹配模式
const (
	ModeAggregate    = "aggregate"
	ModeShortCircuit = "short_circuit"
)

// 动作类型
const (
	ActionContinue = "continue"
	ActionAbort    = "abort"
	ActionRespond  = "respond"
)

// RuleSet 规则集合
type RuleSet struct {
	Version string `yaml:"version" json:"version"`
	Rules   []Rule `yaml:"rules" json:"rules"`
}

// Rule 单条规则
type Rule struct {
	ID       domain.RuleID `yaml:"id" json:"id"`
	Name     string        `yaml:"name" json:"name"`
	Priority int           `yaml:"priority" json:"priority"`
	Mode     string        `yaml:"mode" json:"mode"`
	Match    Match         `yaml:"match" json:"match"`
	Action   Action        `yaml:"action" json:"action"`
}

// Match 条件组合，空组合视为匹配
type Match struct {
	AllOf  []Condition `yaml:"allOf" json:"allOf"`
	AnyOf  []Condition `yaml:"anyOf" json:"anyOf"`
	NoneOf []Condition `yaml:"noneOf" json:"noneOf"`
}

// Condition 单个匹配条件
//
// Type 取值 url/method/resource_type/header/query/cookie/text/json。
// url 按 Mode(prefix/regex/exact/glob) 匹配 Pattern；method 与 resource_type 匹配 Values；
// 其余按 Op(equals/contains/regex/exists) 比较 Value，json 使用 gjson 路径 Path 取值。
type Condition struct {
	Type    string   `yaml:"type" json:"type"`
	Mode    string   `yaml:"mode,omitempty" json:"mode,omitempty"`
	Pattern string   `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Values  []string `yaml:"values,omitempty" json:"values,omitempty"`
	Key     string   `yaml:"key,omitempty" json:"key,omitempty"`
	Op      string   `yaml:"op,omitempty" json:"op,omitempty"`
	Value   string   `yaml:"value,omitempty" json:"value,omitempty"`
	Path    string   `yaml:"path,omitempty" json:"path,omitempty"`
}

// BodyPatch 以 sjson 路径修改 JSON 请求体
type BodyPatch struct {
	Path   string `yaml:"path" json:"path"`
	Value  any    `yaml:"value" json:"value"`
	Delete bool   `yaml:"delete,omitempty" json:"delete,omitempty"`
}

// Action 命中后执行的动作
type Action struct {
	Type string `yaml:"type" json:"type"`

	// continue
	URL           string            `yaml:"url,omitempty" json:"url,omitempty"`
	Method        string            `yaml:"method,omitempty" json:"method,omitempty"`
	SetHeaders    map[string]string `yaml:"setHeaders,omitempty" json:"setHeaders,omitempty"`
	RemoveHeaders []string          `yaml:"removeHeaders,omitempty" json:"removeHeaders,omitempty"`
	BodyPatches   []BodyPatch       `yaml:"bodyPatches,omitempty" json:"bodyPatches,omitempty"`

	// abort
	ErrorCode string `yaml:"errorCode,omitempty" json:"errorCode,omitempty"`

	// respond
	Status      int               `yaml:"status,omitempty" json:"status,omitempty"`
	Headers     map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	ContentType string            `yaml:"contentType,omitempty" json:"contentType,omitempty"`
	Body        string            `yaml:"body,omitempty" json:"body,omitempty"`
}

// ErrInvalidRule 规则校验失败
var ErrInvalidRule = errors.New("invalid rule")

// Parse 解析 YAML 规则集并校验
func Parse(b []byte) (RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(b, &rs); err != nil {
		return RuleSet{}, fmt.Errorf("parse rules: %w", err)
	}
	if err := rs.Validate(); err != nil {
		return RuleSet{}, err
	}
	return rs, nil
}

// LoadFile 从文件加载规则集
func LoadFile(path string) (RuleSet, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("read rules: %w", err)
	}
	return Parse(b)
}

// Validate 校验规则集
func (rs RuleSet) Validate() error {
	seen := make(map[domain.RuleID]struct{}, len(rs.Rules))
	for i := range rs.Rules {
		r := &rs.Rules[i]
		if r.ID == "" {
			return fmt.Errorf("%w: rule #%d has no id", ErrInvalidRule, i)
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("%w: duplicate id %q", ErrInvalidRule, r.ID)
		}
		seen[r.ID] = struct{}{}

		switch r.Mode {
		case "", ModeAggregate, ModeShortCircuit:
		default:
			return fmt.Errorf("%w: %s: unknown mode %q", ErrInvalidRule, r.ID, r.Mode)
		}
		if err := r.Match.validate(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidRule, r.ID, err)
		}
		if err := r.Action.validate(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidRule, r.ID, err)
		}
	}
	return nil
}

func (m Match) validate() error {
	for _, group := range [][]Condition{m.AllOf, m.AnyOf, m.NoneOf} {
		for _, c := range group {
			if err := c.validate(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c Condition) validate() error {
	switch c.Type {
	case "url":
		if c.Mode == "regex" {
			if _, err := regexp.Compile(c.Pattern); err != nil {
				return fmt.Errorf("url pattern: %w", err)
			}
		}
	case "method", "resource_type":
		if len(c.Values) == 0 {
			return fmt.Errorf("%s condition without values", c.Type)
		}
	case "header", "query", "cookie":
		if c.Key == "" {
			return fmt.Errorf("%s condition without key", c.Type)
		}
	case "json":
		if c.Path == "" {
			return errors.New("json condition without path")
		}
	case "text":
	default:
		return fmt.Errorf("unknown condition type %q", c.Type)
	}
	if c.Op == "regex" {
		if _, err := regexp.Compile(c.Value); err != nil {
			return fmt.Errorf("%s value: %w", c.Type, err)
		}
	}
	return nil
}

func (a Action) validate() error {
	switch a.Type {
	case ActionContinue:
		for _, p := range a.BodyPatches {
			if p.Path == "" {
				return errors.New("body patch without path")
			}
		}
	case ActionAbort:
		if a.ErrorCode != "" && !network.ValidErrorCode(a.ErrorCode) {
			return fmt.Errorf("unknown error code %q", a.ErrorCode)
		}
	case ActionRespond:
		if a.Status != 0 && (a.Status < 100 || a.Status > 599) {
			return fmt.Errorf("invalid status %d", a.Status)
		}
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	return nil
}
