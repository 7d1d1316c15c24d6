// Copyright 2026 TurnFlow Authors
// Use of this source code is governed by the project license.

/*
Package memory 提供长期记忆的混合检索以及围绕检索的周边状态。

# 概述

当首轮合成判定需要查询记忆（query_memory）时，编排器经由本包的
[Retriever] 取回加权混合检索结果 [types.AugmentedMemoryContext]：
记忆单元（向量相似）、概念图扩展（有界跳数）与用户文档（全文检索）。
三条检索腿并行执行，任何一条失败只降级、不报错，调用方拿到的是
部分结果而非错误。

# 核心组件

  - MongoRetriever：基于 MongoDB 的混合检索实现。
    $vectorSearch 检索记忆单元并按 α·语义 + β·时近 + γ·重要性 重排；
    $graphLookup 做概念扩展，得分随跳数衰减 1/(1+hop)；
    $text 检索用户文档，得分按批内最大值归一。
  - ParameterStore：按用户加载/保存检索参数 hrt_parameters:{userId}。
    加载永不向调用方报错：缺失、结构非法、违反权重不变式
    （α+β+γ = 1.0±0.01）时一律替换为文档化默认集并上报事件。
  - ContextStore：回合连续性上下文 turn_context:{userId}:{conversationId}
    的读写（默认 TTL 600s），编排器对写入按火忘式处理。
  - IngestNotifier：将已完成回合的摄取信封推入 Redis 列表，
    由离线记忆形成端消费；入列失败只记录事件。

# 降级策略

检索路径上的一切失败均以命名事件上报观测端口（obs.Recorder）：
嵌入失败跳过向量腿、单腿超时丢弃该腿、参数文档损坏替换默认值。
只有整体超时且颗粒无收时才返回 RETRIEVAL_TIMEOUT 类型错误，
由编排器按空上下文继续第二次合成。
*/
package memory
