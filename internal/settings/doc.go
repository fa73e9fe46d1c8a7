// 版权所有 2024 ImageFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// Package settings 管理图像服务商凭据。
//
// 部署级凭据（配置文件或 IMAGEFLOW_PROVIDERS_<P>_API_KEY）始终优先，
// 其次是 provider_credentials 表中保存的值。凭据以 Secret 类型传递，
// 打印与序列化时只显示末四位。
package settings
