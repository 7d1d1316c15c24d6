// Copyright (c) TurnFlow Authors.
// Licensed under the MIT License.

/*
Package repair 将不可靠的模型原始输出转换为类型化的回合计划。

# 概述

上游生成模型被要求输出 JSON，但实际输出经常被截断、混入代码围栏或
前导废话，甚至完全是纯文本。repair 以有序职责链的方式逐一尝试恢复
策略，每个策略都是独立可测的纯函数，返回统一的三态结果
[Outcome]（Parsed / Repaired / Failed）：

 1. 接地旁路     — 接地模式下原文是纯散文，直接包装为 respond_directly
 2. 直接解析     — 剥离代码围栏与前导语，按首 { 尾 } 截取后解析
 3. 启发式修复   — 字段名补引号、去尾随逗号、补齐被截断的引号/括号
 4. 决策兜底提取 — 正则只提取 decision 字段；query_memory 经此路径
    出现视为结构性错误（该决策只允许经过被校验的解析路径产生）
 5. 纯文本透传   — 原文完全不含大括号时整体视为直接回复

每个成功提取的回复字符串都会做反转义归一化（\" \n \r \t \\），
键位短语统一归一为有序字符串序列（原生数组或逗号分隔字符串均接受），
UI 动作提示展开为确认/取消成对脚本，缺失时产出空列表而非 nil。

所有容忍行为（修复、形状强转、未知决策降级）都记录在 Outcome.Note
中并通过 obs.Recorder 上报，保证"吞掉并继续"的决定测试可见。
*/
package repair
