// 版权所有 2024 ImageFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 catalog 提供图像模型目录与实时模型列表缓存。

# 概述

Catalog 是不可变值：用途（generate / edit）× 服务商 → 有序模型列表，
外加多参考图与自定义分辨率两张能力表，未登记的模型能力均为 false。
唯一的扩展点是 Register / WithExtension，在首次使用前调用，返回新目录。

ModelCache 基于 golang-lru 的 expirable LRU，默认 24 小时过期，
以 singleflight 合并并发加载，Invalidate 只清除单个服务商。
*/
package catalog
