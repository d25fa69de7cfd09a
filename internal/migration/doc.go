// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 管理 SQL 会话存储的表结构版本，支持 PostgreSQL、
MySQL 与 SQLite，基于 golang-migrate 实现。

# 概述

迁移文件通过 embed.FS 内嵌在 migrations/<方言>/ 目录下，
覆盖 conversations、transfer_events、messages 与 delay_policies
四张表，列定义与 persistence.GormStore 的行模型一致。

# 核心类型

  - Migrator：封装 golang-migrate 实例，提供 Up/Down/Steps/Force/
    Version/Status/Info。
  - Open：按 config.DatabaseConfig 建立连接 (复用 internal/database
    的方言选择) 并创建迁移器。
  - CLI：`chatrelay migrate <up|down|steps N|force N|version|status>`
    的终端输出层。
*/
package migration
