// Copyright (c) TurnFlow Authors.
// Licensed under the MIT License.

/*
Package testutil 提供 turnflow 测试的共享工具和辅助函数。

# 概述

testutil 包为整个项目的单元测试与基准测试提供统一的辅助能力，
避免各包重复实现相似的测试基础设施。所有测试应优先使用此包
中的工具函数和 Mock 实现。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 断言工具: AssertMessagesEqual / AssertJSONEqual / AssertEventOrder，
    其中 AssertEventOrder 校验回合事件流的序文法
    （来源在前、文本块居中、终态结果收尾且仅一次）
  - 异步断言: AssertEventuallyTrue / WaitFor / WaitForChannel，
    支持超时轮询等待条件满足
  - 数据工具: MustJSON / MustParseJSON / CopyMessages，
    简化测试数据构造与深拷贝
  - 流式辅助: CollectEvents / SplitEvents / CollectStreamChunks /
    CollectStreamContent / SendChunksToChannel，用于事件流与
    生成流测试
  - 基准辅助: BenchmarkHelper 封装 testing.B 常用操作

# 子包

  - testutil/mocks: Mock 实现，包括 MockGenerator（生成端口）、
    MockRetriever（记忆检索）、MockEmbedder（向量化），
    均支持 Builder 模式、脚本化响应与错误注入
  - testutil/fixtures: 测试数据工厂，提供预置回合请求、
    计划 JSON 载荷、接地来源、记忆上下文与检索参数样例

# 使用示例

	ctx := testutil.TestContext(t)
	gen := mocks.NewSuccessGenerator("hello")
	res, err := gen.Generate(ctx, req)
	require.NoError(t, err)
*/
package testutil
