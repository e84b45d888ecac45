package protocol

import (
	"github.com/mafredri/cdp/protocol/network"
)

// HeaderMap 把协议头部解码为映射，为空或非法时返回空映射
func HeaderMap(h network.Headers) map[string]string {
	if len(h) == 0 {
		return map[string]string{}
	}
	m, err := h.Map()
	if err != nil {
		return map[string]string{}
	}
	return m
}

// Headers 把映射编码为协议头部
func Headers(m map[string]string) (network.Headers, error) {
	b, err := Marshal(m)
	if err != nil {
		return nil, err
	}
	return network.Headers(b), nil
}

// Deref 取指针指向的值，nil 返回零值
func Deref[T any](p *T) T {
	if p == nil {
		var zero T
		return zero
	}
	return *p
}
