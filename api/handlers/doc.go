// 版权所有 2024 ImageFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package handlers 提供 ImageFlow HTTP API 的请求处理器实现。

# 概述

所有 Handler 遵循标准 net/http 接口，路由使用 Go 1.22 的方法+路径模式，
通过 Swagger 注解生成 API 文档。错误统一映射为稳定的类别字符串与 HTTP 状态码。

# 核心类型

  - StudioHandler   : 生成、编辑、编辑缓冲区、模型目录、附件溯源
  - SettingsHandler : 服务商凭据管理（仅管理员，凭据脱敏输出）
  - HealthHandler   : 存活/就绪探针与版本信息
  - Response        : 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo       : 结构化错误信息，含 code、provider、retryable
  - ResponseWriter  : 包装 http.ResponseWriter 以捕获状态码与字节数

# 请求约定

  - 参考图以 base64 内联在 JSON 中，最多 4 张，超限在解码前即被拒绝
  - DecodeJSONBody 拒绝未知字段，超限请求体返回 413
  - 缓冲图像可按 JSON（base64）或原始字节读取
*/
package handlers
