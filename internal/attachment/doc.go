// 版权所有 2024 ImageFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 attachment 保存生成与编辑得到的图像。

记录保存在 attachments 表，字节保存在 BlobStore（本地目录或 S3 兼容存储）。
写入顺序为先字节后记录，记录事务失败时删除字节；替换原图时先写新字节，
事务提交后再删除旧字节。

AI 元数据以 JSON 存放在 attachment_meta 的 ai_metadata 键下。
旧版本使用的 _ai_* 离散键在首次读取时合并并删除。
*/
package attachment
