// Copyright 2024 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a MIT license that can be
// found in the LICENSE file.

/*
包 database 提供基于 GORM 的数据库连接与连接池管理，为
persistence 的 SQL 存储提供 *gorm.DB。

# 概述

Open 按驱动名选择 GORM dialector（postgres、mysql、纯 Go 的 sqlite
与依赖 cgo 的 sqlite3），连接后交给 PoolManager 统一配置连接池参数。
PoolManager 可选地在后台定期 Ping 数据库，并记录连接池统计信息。
*/
package database
