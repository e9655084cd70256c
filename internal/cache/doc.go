// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 提供基于 Redis 的缓存管理，Provider 目录用它缓存每个账户的候选列表。

# 核心类型

  - Manager：持有 go-redis 客户端，提供 Get/Set/Delete/Ping，
    以及 GetJSON/SetJSON 便捷序列化方法。所有键自动加上 KeyPrefix。
  - Config：地址、密码、连接池大小、默认 TTL、键前缀与健康检查间隔。

# 错误语义

  - ErrCacheMiss：键不存在，IsCacheMiss 可穿透包装判断。
  - ErrClosed：管理器已关闭。

Redis 不可用时调用方应当回退到数据源，缓存只是加速层。
*/
package cache
