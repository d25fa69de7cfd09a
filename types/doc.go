// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 chatrelay 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 conversation、dispatch、
pacing、persistence 与 api 等上层模块提供统一的类型契约。

# 核心类型

  - Conversation / Status：会话归属状态（ai_active / waiting / agent_assigned / resolved）
  - TransferEvent：不可变的归属变更记录（agent ↔ human）
  - Message / Reaction：会话消息、投递状态（sent → delivered → read）与表情回应
  - DelayPolicy：自动回复节奏配置
  - Error / ErrorCode：结构化错误体系，含 HTTP 状态码与 Retryable 标记

# 主要能力

  - 不变量校验：Conversation.CheckInvariants 约束 assignedOperator 与 automationPaused
  - Context 传播：WithConversationID / WithActor / WithRequestID / WithTraceID
*/
package types
