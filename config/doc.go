// Package config 提供 ImageFlow 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → IMAGEFLOW_* 环境变量 的顺序叠加。
// 服务商的部署级凭据（IMAGEFLOW_PROVIDERS_<NAME>_API_KEY）优先于
// 运行时保存的凭据。
package config
