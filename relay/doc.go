// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 relay 是会话移交核心的编排层。

# 控制流

  - 入站消息: 在会话执行器内写入消息并推进状态; 若会话仍由自动化负责,
    调用 ReplyGenerator 生成回复, 按队列深度计算延迟后交给 dispatch 调度。
  - 操作员操作: 在会话执行器内执行状态机迁移, 版本冲突时重新读取并有限
    次数重试; 迁移后若自动化被暂停, 取消待发送的回复。
  - 已读: 在会话执行器内一次性标记并清零未读数。
  - 表情: 先发送后记录, 不修改会话记录, 因此不经过执行器。

# 并发模型

每个会话一个执行器 (internal/pool.KeyedPool), 邮箱有界; 邮箱满时返回
BUSY。不同会话互不阻塞。
*/
package relay
