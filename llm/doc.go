// 版权所有 2026 TurnFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package llm 定义文本生成适配层。

# 概述

llm 将不可靠的外部文本生成依赖收敛为一个稳定接口 [Generator]：

  - Generate — 单次（非流式）生成调用，可要求 JSON 输出模式或开启网络搜索
  - Stream   — 流式生成调用，返回 <-chan StreamChunk
  - HealthCheck / Name — 运维探测

子包：

  - gemini        — 基于原生 HTTP 的 Google Gemini 适配器（JSON 模式、
    google_search 工具、groundingMetadata 提取、SSE 流式）
  - observability — OTel 指标装饰器（调用量 / 延迟 / token / 在途数）
  - retry         — 指数退避 + 抖动的有界重试器（仅用于生成调用）
  - tokenizer     — token 计数（tiktoken + 启发式估算），供提示词预算使用

错误统一为 *types.Error，Retryable 标记决定重试器是否再次尝试。
*/
package llm
