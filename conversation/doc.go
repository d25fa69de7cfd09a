// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 conversation 实现会话归属状态机: 判定会话当前由自动化代理还是人工
操作员驱动, 并把每一次状态迁移与移交事件写成一次原子提交。

# 核心类型

  - Action: 封闭的操作集合 (pause_ai、resume_ai、return_to_ai、assume_chat、
    assign_agent、mark_resolved、reopen_chat), 仅在线路边界通过 ParseAction 解析。
  - Transition: 纯函数, 不访问存储, 返回下一状态与可选的 TransferEvent。
  - Machine: 读取会话、执行 Transition、以版本号比较交换写回。

# 迁移规则

所有操作在任意状态下都被接受。同一操作重复执行不会改变状态, 也不会
产生第二条移交事件。并发写入导致的版本冲突以 CONFLICT 返回给调用方。

# 入站与出站

Machine.Ingest 在首次联系时创建会话并追加入站消息; Machine.RecordOutbound
记录网关已发送的自动回复, 并把 waiting 会话带回 ai_active。
*/
package conversation
