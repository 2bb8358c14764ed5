// 版权所有 2024 GraphFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 管理检查点表 workflow_checkpoints 的 Schema 版本，
支持 PostgreSQL、MySQL 与 SQLite，基于 golang-migrate 实现。

# 概述

各方言的 SQL 迁移文件通过 embed.FS 内嵌，由 iofs 源驱动交给
golang-migrate 执行。SQLite 使用纯 Go 驱动（glebarez/go-sqlite），
与检查点 SQL 存储共用同一驱动名 "sqlite"。

# 核心类型

  - Migrator / DefaultMigrator：Up/Down/DownAll/Steps/Goto/Force/
    Version/Status/Info/Close。上下文取消时请求 GracefulStop。
  - EnsureCurrent：Schema 脏或落后于内嵌迁移时返回错误，
    serve 在使用 SQL 检查点存储前调用。
  - CLI：graphflow migrate 子命令的终端输出层，Run 按子命令分发。

# 工厂函数

NewMigratorFromConfig 读取 checkpoint.database 配置；
NewMigratorFromURL 直接使用连接 URL。
*/
package migration
