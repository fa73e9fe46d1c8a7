// 版权所有 2024 ImageFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// Package ledger 保存每个附件的生成/编辑出处历史。
//
// 历史受隐私开关控制，默认关闭；开启后每个附件只保留最新的
// Limit 条，写入与裁剪在同一事务内完成。
package ledger
