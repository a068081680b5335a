// Copyright (c) ApprovalFlow Authors.
// Licensed under the MIT License.

/*
包 store 提供待审批记录的持久化存储抽象及多后端实现。

# 概述

审批请求发出后、决策到达前，进程可能崩溃或重启。本包把在途审批固化为
PendingApprovalRecord，以 correlation id 为主键存储，使重启后的恢复流程
能够重建等待者并继续接收回调。存储是跨重启的事实来源；broker 内存中的
等待表只是性能缓存。

# 核心接口

  - ApprovalStore: Put（按 correlation id 幂等 upsert）、Get（过期视同
    不存在）、Delete、ListPending（排除过期、按创建时间倒序）、
    CleanupExpired（物理清除过期记录）、Ping、Close。

# 后端实现

  - Memory: 内存实现，适合开发与测试，重启后数据丢失。
  - Redis: 基于 Redis 的实现，利用原生 TTL 自动过期与 Set 索引，
    适合高吞吐分布式部署。
  - Gorm: 基于 GORM 的关系型实现（SQLite / PostgreSQL / MySQL），
    读取时检查过期时间戳，适合已有数据库设施的部署。

# 使用方式

通过工厂函数按配置创建存储实例：

	st, err := store.New(cfg, logger)
*/
package store
