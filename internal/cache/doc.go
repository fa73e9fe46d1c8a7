// 版权所有 2024 ImageFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 提供基于 Redis 的缓存管理能力，是编辑缓冲区的存储底座。

# 概述

本包封装 go-redis 客户端。Manager 负责连接生命周期管理，包括
初始化、健康检查与优雅关闭，并提供事务管道与 Lua 脚本执行，
使缓冲区的"读取并续期"与"取出并删除"在服务端原子完成。

# 核心类型

  - Manager：缓存管理器，提供 Key（前缀拼接）、Tx（MULTI/EXEC）、
    Eval（EVALSHA）与 Ping。
  - Config：地址、密码、键前缀、连接池、TLS 与健康检查间隔。

# 错误语义

  - ErrCacheMiss：脚本返回 nil。
  - ErrClosed：管理器已关闭。
*/
package cache
