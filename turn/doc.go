// 版权所有 2026 TurnFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 turn 实现会话回合编排器：围绕不可靠生成模型的小型状态机。

# 概述

每条用户消息对应一次 RunTurn。编排器先做首轮合成，由模型决定本回合
走哪条路径：

	Init → FirstSynthesis → ┬ RespondDirectly → Done
	                        └ Retrieving → SecondSynthesis → Done

接地（grounding）回合改走两阶段路径：

	Init → SearchPhase → RefinePhase → Done

首轮合成的原始输出经 repair 职责链恢复为类型化计划；query_memory
决策触发记忆检索后再做第二次合成。接地回合先做开启网络检索的
搜索阶段，来源全部发给调用方之后，再以系统人格流式重述检索发现。

# 外层契约

RunTurn 不向调用方传播错误。生成重试与修复全部穷尽时，返回携带
固定道歉文案的 Failed 结果：decision 为 respond_directly、动作列表
为空、Metadata.Failed 置位。调用方永远拿到结构完好的 TurnResult。

StreamTurn 返回单一有序事件流，文法恒为 Source* Chunk* Final：
来源在叙述之前，Final 恰好一个，消费完毕后通道关闭。

# 旁路副作用

  - 首轮合成产出的连续性上下文包在一切后续动作（包括检索）之前写入
    上下文存储；写失败只记日志，绝不中断回合。
  - 回合完成后经过记忆价值门槛（合并文本 ≥ 50 字符且命中反思/情感
    关键词）的对话被送入摄取通知器；通知失败同样被吞掉。

所有吞错决策都经 obs.Recorder 以命名事件上报，测试据此断言。
*/
package turn
