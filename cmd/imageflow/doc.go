// 版权所有 2024 ImageFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package main 提供 ImageFlow 服务端程序入口。

# 概述

cmd/imageflow 组装数据库、Redis、二进制存储、三个图像服务商适配器、
规范化器与编排服务，对外提供 HTTP API，并附带数据库迁移、健康检查
和版本查询等子命令。

# 核心类型

  - Server     : 持有全部组件，管理 API 与 Metrics 双端口及优雅关闭
  - Middleware : HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve、migrate（up / down / status / force）、version、health
  - 中间件链：Recovery、RequestID、SecurityHeaders、RequestLogger、
    MetricsMiddleware、OTelTracing、CORS、RateLimiter（基于 IP）、
    JWTAuth 或 APIKeyAuth + StaticIdentity
  - 本地存储后端时直接提供 /uploads 下的文件
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
