// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供 chatrelay 测试的共享工具和辅助函数。

# 核心能力

  - 上下文辅助: TestContext
  - 断言工具: AssertMessagesEqual / AssertConversationInvariants / AssertErrorCode
  - 异步断言: AssertEventuallyTrue
  - 存储辅助: SeedConversation 以版本 0 创建会话并写入消息

# 子包

  - testutil/mocks: MockGateway, 支持错误注入、延迟与调用记录
  - testutil/fixtures: 各状态下满足不变量的会话、消息与延迟策略样例

# 使用示例

	store := persistence.NewMemoryStore()
	conv := testutil.SeedConversation(t, store, fixtures.WaitingConversation("c1"))
	gw := mocks.NewMockGateway().WithSendErrors(upstreamErr)
*/
package testutil
