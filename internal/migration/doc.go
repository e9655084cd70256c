// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 管理 Provider 目录表 llm_providers 的 Schema 迁移，
支持 PostgreSQL、MySQL 与 SQLite，基于 golang-migrate 实现。

# 概述

各方言的 SQL 文件通过 embed.FS 打包进二进制，migrate 子命令与
serve 启动流程都从这里取得同一份 Schema。SQLite 连接由纯 Go 的
glebarez 驱动打开，不依赖 cgo。

# 核心类型

  - Migrator / DefaultMigrator：Up、Down、Steps、Goto、Force、Version、Status、Info
  - Config：方言、连接 URL、版本表名与锁超时
  - CLI：为终端输出格式化结果
  - NewMigratorFromDatabaseConfig：从应用配置创建迁移器
*/
package migration
