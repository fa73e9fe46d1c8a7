// 版权所有 2024 ImageFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 image 定义图像服务商的统一抽象，并内置 OpenAI、Gemini 与 Flux
三个适配器。

# 概述

不同服务商在请求格式、鉴权方式与错误语义上差异很大。本包把它们
映射到同一个领域模型：请求是 GenerateRequest / EditRequest，结果是
不可变的 Binary，失败是带稳定类型字符串的 *types.Error。

# 核心接口

  - Adapter：Name、Generate、Edit、ListModels 四个方法。
  - Capabilities：模型目录的只读视图，由 catalog 包实现并注入。
  - CredentialSource：按服务商取凭证，缺失即 not-connected。
  - Transport：发送 HTTP 请求，生产环境为 tlsutil.SecureHTTPClient。
  - Registry：按服务商名称选择适配器。

# 主要能力

  - 本地校验：提示词、目录内模型、参考图数量（至多 4 张）与多图能力、
    自定义分辨率能力，全部在网络调用前完成。
  - 统一错误映射：用 gjson 提取上游消息，bluemonday 去除标记后截断。
  - 超时：每次调用受 AdapterConfig.Timeout 约束，适配器内部从不重试。
  - 异步轮询：Flux 使用 cenkalti/backoff 以固定间隔轮询，次数与间隔可配置。
  - Gemini 使用 google.golang.org/genai SDK，客户端按凭证缓存。
*/
package image
