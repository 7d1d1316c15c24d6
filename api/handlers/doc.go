// Copyright (c) TurnFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 TurnFlow HTTP API 的请求处理器实现。

# 概述

handlers 包实现了 TurnFlow 所有 HTTP 端点的请求处理逻辑，
包括回合提交、SSE / WebSocket 流式回合、会话历史查询以及统一的
响应与错误处理。所有 Handler 均遵循标准 net/http 接口，通过
Swagger 注解生成 API 文档。

# 核心类型

  - TurnHandler      — 回合处理器：同步提交、SSE 流式、WebSocket 双向
  - HistoryHandler   — 会话与回合历史的查询、分页与删除
  - ParamsHandler    — 按用户检索参数的查询、部分更新与重置
  - HealthHandler    — 服务健康检查（/health, /healthz, /ready, /version）
  - Response         — 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo        — 结构化错误信息，含 code、message、retryable 标记
  - HealthCheck      — 可插拔健康检查接口（Database、Redis、Generator 等）

# 主要能力

  - 统一响应格式：WriteSuccess / WriteError / WriteJSON 辅助函数
  - 请求验证：DecodeJSONBody（1 MB 限制 + 严格模式）、ValidateContentType
  - ErrorCode → HTTP 状态码自动映射（4xx/5xx）
  - SSE 流式输出：TurnHandler.HandleStream 按 来源 → 分片 → 终值 顺序推送
  - WebSocket 会话：TurnHandler.HandleWS 在单连接上处理串行多回合
  - 回合落库：成功与降级回合统一写入 history.Store，断开不影响持久化
  - 可扩展健康检查：RegisterCheck 注册自定义 HealthCheck 实现
*/
package handlers
