// Copyright The TurnFlow Authors.
// SPDX-License-Identifier: MIT

/*
Package history 持久化会话与已完成回合的流水记录。

# 概述

每个成功返回给调用方的回合（包括默默降级的失败回合）都会落一条
[TurnRecord]：用户原文、最终回复、决策、键位短语、接地来源计数与耗时。
会话行 [Conversation] 在首个回合出现时建立，此后只累加回合数与
最近活动时间。API 层用 [Store.RecentMessages] 取最近窗口作为
生成历史，回合落库按尽力而为处理——写失败只记日志，不影响响应。

# 存储

基于 GORM（PostgreSQL / MySQL / SQLite），连接池与事务重试由
internal/database.PoolManager 提供。生产环境的建表走
internal/migration 的 SQL 迁移；[AutoMigrate] 供 SQLite 部署与测试用。
*/
package history
