// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 chatrelay HTTP API 的请求处理器实现。

# 概述

所有 Handler 均遵循标准 net/http 接口，通过 Register 在
http.ServeMux 上注册 Go 1.22 风格的 "METHOD /path/{id}" 路由。
响应统一使用 {success, data, error, timestamp} 信封。

# 核心类型

  - ConversationHandler：会话查询、入站消息、操作员动作、已读、表情与取消待发送回复
  - PacingHandler：全局延迟策略的读取与整体替换
  - HealthHandler：/health、/healthz、/ready、/version
  - Response / ErrorInfo：统一响应信封
  - ResponseWriter：包装 http.ResponseWriter 以捕获状态码

# 错误映射

StatusForCode 将 types.ErrorCode 映射为 HTTP 状态码：NOT_FOUND→404，
INVALID_*/UNSUPPORTED_EMOJI→400，CONFLICT→409，BUSY→429 (附 Retry-After)，
UPSTREAM_TIMEOUT→504，UPSTREAM_ERROR→502，其余→500。
*/
package handlers
