package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdpwatch/pkg/domain"
	"cdpwatch/pkg/traffic"
)

func request(url, method string) *traffic.Request {
	r := traffic.NewRequest()
	r.URL = url
	r.Method = method
	return r
}

func TestEvalPicksHighestPriority(t *testing.T) {
	e := New(RuleSet{Rules: []Rule{
		{ID: "low", Priority: 1, Match: Match{AllOf: []Condition{{Type: "url", Mode: "prefix", Pattern: "https://x/"}}}, Action: Action{Type: ActionContinue}},
		{ID: "high", Priority: 5, Match: Match{AllOf: []Condition{{Type: "url", Pattern: "*/api/*"}}}, Action: Action{Type: ActionAbort}},
	}})

	res := e.Eval(request("https://x/api/users", "GET"))
	require.NotNil(t, res)
	assert.Equal(t, domain.RuleID("high"), res.RuleID)

	res = e.Eval(request("https://x/index.html", "GET"))
	require.NotNil(t, res)
	assert.Equal(t, domain.RuleID("low"), res.RuleID)

	assert.Nil(t, e.Eval(request("https://y/", "GET")))
}

func TestEvalShortCircuit(t *testing.T) {
	e := New(RuleSet{Rules: []Rule{
		{ID: "first", Priority: 1, Mode: ModeShortCircuit, Action: Action{Type: ActionContinue}},
		{ID: "second", Priority: 9, Action: Action{Type: ActionAbort}},
	}})
	res := e.Eval(request("https://x/", "GET"))
	require.NotNil(t, res)
	assert.Equal(t, domain.RuleID("first"), res.RuleID)
}

func TestConditions(t *testing.T) {
	req := request("https://x/search?Q=go&page=2", "POST")
	req.Headers.Set("Content-Type", "application/json")
	req.Query["q"] = "go"
	req.Cookies["sid"] = "abc123"
	req.ResourceType = "xhr"
	req.Body = []byte(`{"user":{"name":"ann","roles":["admin"]},"n":3}`)

	cases := []struct {
		name string
		cond Condition
		want bool
	}{
		{"url exact", Condition{Type: "url", Mode: "exact", Pattern: "https://x/search?Q=go&page=2"}, true},
		{"url regex", Condition{Type: "url", Mode: "regex", Pattern: `/search\?`}, true},
		{"url glob miss", Condition{Type: "url", Pattern: "https://y/*"}, false},
		{"method", Condition{Type: "method", Values: []string{"get", "post"}}, true},
		{"resource type", Condition{Type: "resource_type", Values: []string{"Document"}}, false},
		{"header contains", Condition{Type: "header", Key: "content-type", Op: "contains", Value: "json"}, true},
		{"header missing", Condition{Type: "header", Key: "x-missing"}, false},
		{"query equals", Condition{Type: "query", Key: "Q", Op: "equals", Value: "go"}, true},
		{"cookie regex", Condition{Type: "cookie", Key: "sid", Op: "regex", Value: `^abc\d+$`}, true},
		{"text contains", Condition{Type: "text", Op: "contains", Value: `"ann"`}, true},
		{"json path", Condition{Type: "json", Path: "user.name", Op: "equals", Value: "ann"}, true},
		{"json array", Condition{Type: "json", Path: "user.roles.0", Op: "equals", Value: "admin"}, true},
		{"json number", Condition{Type: "json", Path: "n", Op: "equals", Value: "3"}, true},
		{"json missing", Condition{Type: "json", Path: "user.age"}, false},
		{"unknown type", Condition{Type: "bogus"}, false},
	}
	e := New(RuleSet{})
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, e.cond(req, tc.cond))
		})
	}
}

func TestJSONConditionOnInvalidBody(t *testing.T) {
	req := request("https://x/", "POST")
	req.Body = []byte("not json")
	e := New(RuleSet{})
	assert.False(t, e.cond(req, Condition{Type: "json", Path: "a"}))
}

func TestMatchGroups(t *testing.T) {
	e := New(RuleSet{})
	req := request("https://x/a", "GET")
	m := Match{
		AllOf:  []Condition{{Type: "url", Mode: "prefix", Pattern: "https://x/"}},
		AnyOf:  []Condition{{Type: "method", Values: []string{"PUT"}}, {Type: "method", Values: []string{"GET"}}},
		NoneOf: []Condition{{Type: "url", Pattern: "*.png"}},
	}
	assert.True(t, e.matchRule(req, m))

	req.URL = "https://x/a.png"
	assert.False(t, e.matchRule(req, m))
}

func TestStats(t *testing.T) {
	e := New(RuleSet{Rules: []Rule{
		{ID: "api", Match: Match{AllOf: []Condition{{Type: "url", Pattern: "*/api/*"}}}, Action: Action{Type: ActionContinue}},
	}})
	e.Eval(request("https://x/api/a", "GET"))
	e.Eval(request("https://x/api/b", "GET"))
	e.Eval(request("https://x/", "GET"))

	st := e.Stats()
	assert.Equal(t, int64(3), st.Total)
	assert.Equal(t, int64(2), st.Matched)
	assert.Equal(t, int64(2), st.ByRule["api"])

	// 快照与内部状态隔离
	st.ByRule["api"] = 100
	assert.Equal(t, int64(2), e.Stats().ByRule["api"])

	require.Len(t, e.Rules().Rules, 1)
	e.Update(RuleSet{})
	assert.Empty(t, e.Rules().Rules)
	assert.Nil(t, e.Eval(request("https://x/api/a", "GET")))
	assert.Equal(t, int64(4), e.Stats().Total)
}

func TestRegexCacheReuse(t *testing.T) {
	c := newRegexCache(2)
	a, err := c.Get("a+")
	require.NoError(t, err)
	b, err := c.Get("a+")
	require.NoError(t, err)
	assert.Same(t, a, b)

	_, err = c.Get("(")
	assert.Error(t, err)
	assert.Equal(t, 1, c.Len())

	_, _ = c.Get("b")
	_, _ = c.Get("c")
	assert.Equal(t, 2, c.Len())
}
