package rules

import (
	"regexp"

	lru "github.com/hashicorp/golang-lru/v2"
)

// defaultRegexCacheSize 已编译正则的缓存容量
const defaultRegexCacheSize = 256

// regexCache 按模式缓存已编译的正则，线程安全
type regexCache struct {
	cache *lru.Cache[string, *regexp.Regexp]
}

func newRegexCache(size int) *regexCache {
	if size <= 0 {
		size = defaultRegexCacheSize
	}
	c, err := lru.New[string, *regexp.Regexp](size)
	if err != nil {
		// 仅在容量非正时出错
		panic(err)
	}
	return &regexCache{cache: c}
}

// Get 获取已编译的正则，未命中时编译并缓存
func (c *regexCache) Get(pattern string) (*regexp.Regexp, error) {
	if re, ok := c.cache.Get(pattern); ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	c.cache.Add(pattern, re)
	return re, nil
}

func (c *regexCache) Len() int { return c.cache.Len() }
