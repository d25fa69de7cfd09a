// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 chatrelay 服务端程序入口。

# 概述

cmd/chatrelay 是会话接管中继的可执行入口，提供 HTTP API 服务、
数据库迁移、健康检查和版本查询等子命令。程序支持 YAML 配置文件加载、
结构化日志（zap）、Prometheus 指标采集以及配置热重载。

# 核心类型

  - Server：组装存储、网关与中继服务，管理 API、Metrics 双端口
  - Middleware：HTTP 中间件函数签名 func(http.Handler) http.Handler
  - HTTPRecorder：接收请求观测值的指标接口

# 主要能力

  - 子命令：serve（启动服务）、migrate（数据库迁移）、version、health
  - 存储后端：memory、redis、sql（postgres / mysql / sqlite）、mongo
  - 中间件链：Recovery、RequestID、SecurityHeaders、OTelTracing、
    Metrics、RequestLogger、RateLimiter（基于 IP）、APIKeyAuth（X-API-Key）
  - 配置热重载：轮询配置文件，日志级别与回复文本即时生效
  - 表情对账：按 dispatch.reconcile_interval 定期补录
  - 优雅关闭：信号监听 → 关闭 HTTP → 关闭中继 → 关闭存储
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
