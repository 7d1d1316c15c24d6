package api

import (
	"time"

	"github.com/BaSui01/turnflow/types"
)

// =============================================================================
// 统一响应信封
// =============================================================================

// Response 统一 API 响应结构
// @Description 统一 API 响应信封
type Response struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *ErrorInfo  `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
}

// ErrorInfo 错误信息结构
// @Description API 错误详情
type ErrorInfo struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`
	HTTPStatus int    `json:"-"` // 不序列化到 JSON
}

// =============================================================================
// 回合类型
// =============================================================================

// TurnSubmitRequest 代表一次回合提交。
// 历史窗口与先前上下文由服务端装配，客户端不提供。
// @Description 回合提交请求结构
type TurnSubmitRequest struct {
	// 用户标识
	UserID string `json:"user_id" example:"user-1"`
	// 会话标识
	ConversationID string `json:"conversation_id" example:"conv-42"`
	// 用户消息文本
	Text string `json:"text" example:"What did we decide about the search index?"`
	// 媒体附件描述（仅描述符，不含字节）
	Media []types.MediaDescriptor `json:"media,omitempty"`
	// 调用方当前视图状态
	Engagement *types.EngagementContext `json:"engagement,omitempty"`
	// 是否走搜索接地路径
	Grounding bool `json:"grounding,omitempty" example:"false"`
}

// TurnResponse 别名到核心回合结果。
// 每条路径（包括彻底失败）都返回良构结果。
type TurnResponse = types.TurnResult

// TurnEvent 别名到有序回合事件（source* chunk* final）。
// SSE 的 event 名与 WebSocket 消息的 kind 字段取自 types.TurnEventKind。
type TurnEvent = types.TurnEvent

// =============================================================================
// 会话历史类型
// =============================================================================

// TurnPage 表示一页会话回合流水。
// @Description 回合流水分页结构
type TurnPage struct {
	// 回合列表（新到旧）
	Turns interface{} `json:"turns"`
	// 符合条件的总条数
	Total int64 `json:"total" example:"37"`
	// 本页条数上限
	Limit int `json:"limit" example:"20"`
	// 起始偏移
	Offset int `json:"offset" example:"0"`
}

// ConversationPage 表示一页会话列表。
// @Description 会话分页结构
type ConversationPage struct {
	// 会话列表（按活跃时间新到旧）
	Conversations interface{} `json:"conversations"`
	// 符合条件的总条数
	Total int64 `json:"total" example:"5"`
	// 本页条数上限
	Limit int `json:"limit" example:"20"`
	// 起始偏移
	Offset int `json:"offset" example:"0"`
}

// =============================================================================
// 运维类型
// =============================================================================

// HealthResponse 表示健康检查结果。
// @Description 健康检查响应结构
type HealthResponse struct {
	// 总体状态（healthy / degraded / unhealthy）
	Status string `json:"status" example:"healthy"`
	// 各依赖的探测结果
	Checks map[string]CheckResult `json:"checks,omitempty"`
	// 检查时间戳
	Timestamp time.Time `json:"timestamp"`
}

// CheckResult 表示单个依赖的探测结果。
// @Description 依赖探测结果
type CheckResult struct {
	// 是否健康
	Healthy bool `json:"healthy" example:"true"`
	// 探测延迟
	Latency string `json:"latency,omitempty" example:"2ms"`
	// 失败原因
	Error string `json:"error,omitempty"`
}

// VersionResponse 表示构建版本信息。
// @Description 版本信息响应结构
type VersionResponse struct {
	// 语义版本号
	Version string `json:"version" example:"1.4.0"`
	// 构建提交哈希
	Commit string `json:"commit,omitempty" example:"a1b2c3d"`
	// 构建时间
	BuildTime string `json:"build_time,omitempty" example:"2026-08-25T10:00:00Z"`
	// Go 运行时版本
	GoVersion string `json:"go_version,omitempty" example:"go1.24"`
}
