// Package ctxkeys 定义 context 中使用的键
package ctxkeys

import "context"

// TraceIDKey 链路 id，监听命令以运行 id 填充
type TraceIDKey struct{}

// WithTraceID 返回携带链路 id 的 context
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey{}, id)
}

// TraceID 读取链路 id，不存在时返回空串
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(TraceIDKey{}).(string)
	return id
}
