// 版权所有 2024 ImageFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 基于 golang-migrate 管理 ImageFlow 的版本化数据库 Schema，
支持 PostgreSQL、MySQL 与 SQLite。

# 概述

各方言的 SQL 迁移文件通过 embed.FS 内嵌，文件名形如
NNNNNN_name.up.sql / NNNNNN_name.down.sql。Migrator 复用应用已打开的
*sql.DB，不再自行按 URL 建立连接。

# 核心类型

  - Migrator：封装 migrate.Migrate，提供 Up、Down、Force、Version、
    Status 与 Info
  - Status / Info：单个迁移文件状态与整体汇总
  - DatabaseType：方言，由 ParseDatabaseType 从配置的驱动名解析

# 与 AutoMigrate 的关系

imageflow migrate 命令使用本包；serve 在 database.auto_migrate 开启时
仍走 GORM AutoMigrate，用于开发与测试环境。
*/
package migration
