// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 提供基于 GORM 的数据库连接池管理，Provider 目录的持久化存储建立在它之上。

# 核心类型

  - PoolManager：连接池管理器，持有 GORM DB 实例与底层 sql.DB，
    提供 DB()、SQLDB()、Ping()、GetStats()、Close() 等生命周期方法。
  - PoolConfig：最大空闲连接数、最大打开连接数、连接生命周期与健康检查间隔。
  - Dialector / Open：按驱动名（postgres、mysql、sqlite）打开数据库。
    sqlite 使用纯 Go 的 glebarez/sqlite，便于本地开发与测试。

# 主要能力

  - 健康检查：后台定时 PingContext 探活，Close 时退出。
  - 事务管理：WithTransaction 单次执行，WithTransactionRetry 对死锁、
    序列化失败等错误做指数退避重试。
*/
package database
