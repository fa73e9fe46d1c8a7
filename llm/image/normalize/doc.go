// 版权所有 2024 ImageFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// Package normalize 把服务商返回的任意图像字节转为 png、webp 或 jpeg，
// 并按请求尺寸缩放。字节上限与像素上限在解码前检查。
package normalize
