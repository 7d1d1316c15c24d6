// Copyright (c) TurnFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 TurnFlow 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 turn、repair、memory、llm、
api 等上层模块提供统一的类型契约。所有跨包共享的结构体、枚举和错误码
均定义于此，以避免循环依赖。

# 核心类型

  - TurnRequest / TurnResult — 一次对话回合的输入与输出
  - PlannedResponse          — 首次生成调用解析出的结构化计划
  - Decision                 — 回合决策（respond_directly / query_memory）
  - TurnEvent                — 有序回合事件流（Source / Chunk / Final）
  - TurnContextPackage       — 跨回合连续性提示（由生成模型产出）
  - AugmentedMemoryContext   — 混合检索结果（记忆单元 / 概念 / 工件）
  - RetrievalParameters      — 按用户加权检索参数（α + β + γ = 1.0 ± 0.01）
  - Message                  — 生成调用的对话消息
  - Error / ErrorCode        — 结构化错误体系，含回合级错误分类

# 主要能力

  - 认证身份传播：WithTenantID / WithUserID / WithRoles
    （请求链路 ID 在 internal/ctxkeys）
  - 错误工具链：IsRetryable / GetErrorCode / errors.Is 兼容的 Unwrap
  - 参数校验：RetrievalParameters.Validate 与文档化默认集
*/
package types
