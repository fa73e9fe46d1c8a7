// 版权所有 2024 ImageFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 buffer 实现编辑缓冲区：未提交的编辑结果暂存在 Redis 中，
默认存活 1 小时，所有者每次读取时刷新。

# 键布局

  - <prefix>:buffer:<token>       哈希，字段 owner 与 entry（JSON）
  - <prefix>:buffer:<token>:data  图像字节

读取与取出都由 Lua 脚本原子完成：校验所有者、校验字节键、
刷新或删除两个键。非所有者与已过期的令牌一律返回 not-found。
*/
package buffer
