// Package ctxkeys 定义跨层传递的 context 键。入站边界（HTTP 中间件、
// WebSocket 升级）写入请求链路 ID，回合编排层读取后盖到出站生成请求与
// 结构化日志上，使一次回合的全链路日志可按同一 ID 关联。
package ctxkeys

import "context"

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const traceIDKey contextKey = "trace_id"

// WithTraceID 设置请求链路 ID
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID 获取请求链路 ID
func TraceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(traceIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
