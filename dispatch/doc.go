// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 dispatch 实现自动回复的延迟发送调度。

# 概述

每个会话最多只有一个待触发的发送。Schedule 在自动化暂停时直接返回
OutcomeSkipped; 否则按 pacing 计算延迟并布置定时器, 对同一会话再次
Schedule 会替换之前的发送。Cancel 总是安全的, 对已触发或已取消的发送
不做任何事。

# 触发前复查

定时器触发后, 调度器通过会话的单写者执行器重新读取会话:

  - 仍由自动化负责: 调用网关发送, 再记录出站消息 (OutcomeSent)。
  - 已被人工接管或已解决: 丢弃载荷并记录 OutcomeSuppressed。

网关失败按退避策略重试, 最终失败为 OutcomeFailed。消息已送达但本地
记录失败时, 结果为 OutcomeSent 并附带 PARTIAL_FAILURE 警告。
*/
package dispatch
