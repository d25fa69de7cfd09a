// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 persistence 提供会话、消息、移交日志与延迟策略的持久化抽象及多后端实现。

# 概述

所有会话写入都通过唯一的原子原语 Commit 完成: 以版本号做比较交换,
并在同一次写入中追加移交事件、新增消息、推进投递状态。任一检查失败
则整批不生效, 调用方拿到 ErrVersionConflict 后重新读取再重试。

# 核心接口

  - Store: 会话读写、移交日志、消息列表、表情反应与延迟策略配置。
  - Write: 一次原子写入的全部内容 (会话记录、期望版本、事件、消息、状态更新)。

# 后端实现

  - MemoryStore: 进程内存储, 适合开发与测试。
  - RedisStore: WATCH/MULTI 乐观事务, 冲突时返回 ErrVersionConflict。
  - GormStore: PostgreSQL / MySQL / SQLite, 事务内按版本号条件更新。
  - MongoStore: 每个会话一个文档, 按 {_id, version} 过滤替换。

# 工厂

NewStore 按 StoreConfig.Type 创建对应后端, SQL 后端需要传入 database.PoolManager。
*/
package persistence
