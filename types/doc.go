// 版权所有 2024 ImageFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package types 提供 ImageFlow 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 llm/image、studio、
internal 与 api 等上层模块提供统一的错误与上下文契约。

# 核心类型

  - Error / ErrorCode: 结构化错误体系。Code 为稳定的失败类型字符串
    （invalid-input、not-connected、provider-timeout、rate-limited、
    model-unsupported、provider-error、malformed-response、storage-error、
    not-found、forbidden），调用方可直接据此分支。

# 主要能力

  - Context 传播：WithUserID / WithRoles / WithRequestID / WithTraceID
  - 错误工具链：Wrap / AsError / IsCode / GetErrorCode / IsRetryable
*/
package types
