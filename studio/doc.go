// 版权所有 2024 ImageFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 studio 编排图像生成与编辑。

# 生成

校验（服务商已注册且已连接、模型在目录中、参考图数量、格式）→
适配器 → 规范化 → 由 prompt 派生文件名与标题 → 保存附件 → 追加历史。
校验失败时不会调用适配器。

# 编辑

输入图来自附件，或通过 base_buffer_key 来自上一次缓冲的结果。
保存模式：

  - save_as  保存为新附件，derived-from 指向源附件
  - replace  覆盖源附件，需要 replace 权限且为所有者
  - buffer   暂存到编辑缓冲区，之后 CommitBuffer 或 DiscardBuffer

缓冲条目的提交与丢弃都是原子取出，重复操作返回 not-found。
*/
package studio
