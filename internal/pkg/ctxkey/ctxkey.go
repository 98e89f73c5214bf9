// Package ctxkey 定义用于 context.Value 的类型安全 key
package ctxkey

// Key 定义 context key 的类型，避免使用内置 string 类型（staticcheck SA1029）
type Key string

const (
	// CorrelationID 为服务端生成/透传的关联 ID，同时作为幂等记录锁的持有者标识。
	CorrelationID Key = "ctx_correlation_id"

	// TraceID 为边缘层透传的链路追踪 ID（可选）。
	TraceID Key = "ctx_trace_id"

	// IdempotencyKey 客户端提交的幂等键（已 trim），由 middleware.IdempotencyKey 设置
	IdempotencyKey Key = "ctx_idempotency_key"

	// Subject 认证解析后的调用方身份，由 middleware.Subject 设置
	Subject Key = "ctx_subject"

	// CallState 拦截链单次调用的共享状态（策略查询结果等）。
	CallState Key = "ctx_call_state"
)
