// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 persistence 提供会话记录与已处理事件集合的持久化存储抽象及多后端实现。

# 概述

会话状态以内存为准，持久化是尽力而为的最终一致：写入失败只记录日志与指标，
不会回滚内存中的变更。存储层只处理按 ID 索引的 JSON 快照，
序列化格式由上层 conversation 包决定。

# 核心接口

  - Store: 所有存储的基础接口，提供 Close 和 Ping 健康检查。
  - ConversationStore: 每个会话一条记录，按 ID 保存、加载与列举。
  - DedupStore: 已处理事件 ID 的有序快照（按插入顺序）。
  - WriteBack: 按 ID 防抖的写回缓存，合并突发写入，关闭时同步刷盘。

# 后端

  - memory: 开发与测试
  - file: 项目目录下的 JSON 文件，临时文件 + rename 原子写入
  - redis: go-redis，多实例部署
  - sql: gorm（postgres / mysql / sqlite），仅会话存储与去重存储
*/
package persistence
