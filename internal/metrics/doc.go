// 版权所有 2024 ImageFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖 HTTP、
图像服务商、规范化、编辑缓冲区、历史记录、缓存与数据库。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制。所有指标按 namespace 隔离。nil Collector 上的
Record* 调用是空操作。

# 主要能力

  - HTTP 指标：请求总数、耗时、请求/响应体大小，状态码归类为 2xx/3xx/4xx/5xx。
  - 服务商指标：按 provider/operation/outcome 计数与计时，异步轮询次数。
  - 规范化指标：按输出格式统计次数、耗时与输出字节数。
  - 缓冲区与历史：put/read/commit/discard 结果计数，历史事件写入或跳过计数。
  - 缓存与数据库：模型列表缓存命中率，连接池 Gauge。
*/
package metrics
