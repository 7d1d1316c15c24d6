// 版权所有 2026 TurnFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package observability 为生成端口提供 OpenTelemetry 指标采集。

[Instrument] 把一个 [llm.Generator] 包装为带指标的实现，对调用方
完全透明。每次出站调用按 provider / model / mode / status 维度记录：

  - llm.generation.total    — 调用总量
  - llm.generation.duration — 延迟分布
  - llm.generation.active   — 在途调用数
  - llm.token.total         — prompt / completion token 消耗
  - llm.token.count         — 单次调用 token 分布
  - llm.stream.interrupted.total — 被错误块终止的流

mode 区分三种调用形态：json（信封合成）、search（搜索接地）、
plain（纯散文重述）。仪表来自全局 MeterProvider，未启用遥测时
全部为 noop。
*/
package observability
