// Copyright (c) TurnFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 TurnFlow 服务端程序入口。

# 概述

cmd/turnflow 是 TurnFlow 的可执行入口，提供回合编排 HTTP API、
数据库迁移、健康检查和版本查询等子命令。程序支持 YAML 配置文件加载、
结构化日志（zap）、Prometheus 指标采集以及配置热重载。

# 核心类型

  - Server           — 主服务器，装配编排器依赖并管理 HTTP、Metrics 双端口
  - Middleware        — HTTP 中间件函数签名 func(http.Handler) http.Handler
  - responseWriter    — 包装 http.ResponseWriter 以捕获状态码

# 主要能力

  - 子命令：serve（启动服务）、migrate（数据库迁移）、version、health
  - 依赖装配：Gemini 生成端、Mongo 记忆检索、Redis 连续性缓存、
    关系库回合流水，全部按尽力而为接入，缺失即降级
  - 中间件链：Recovery、RequestID、SecurityHeaders、RequestLogger、
    MetricsMiddleware、OTelTracing、CORS、RateLimiter（基于 IP）、
    APIKeyAuth（X-API-Key / query 参数）、JWTAuth（HS256）
  - 配置热重载：HotReloadManager 监听文件变更并回调
  - Metrics 服务器：独立端口暴露 /metrics（Prometheus）
  - 优雅关闭：信号监听 → 停止热更新 → 关闭 HTTP → 关闭 Metrics →
    断开 Mongo / Redis / 数据库 → 关闭遥测 → Wait
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
