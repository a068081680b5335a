// Copyright (c) ApprovalFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 ApprovalFlow 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 policy、store、broker、
gate、api 等上层模块提供统一的类型契约。所有跨包共享的结构体、枚举和
错误码均定义于此，以避免循环依赖。

# 核心类型

  - Action          — 待审批的工具调用提案（id、工具名、参数、风险等级）
  - RiskClass       — 风险等级枚举（low / medium / high）
  - ApprovalRequest — 提交给人工审批的完整上下文
  - Decision        — 审批结果（approved、reason、decided_by、latency_ms）
  - TraceEvent      — 遥测事件记录（run_id + event_type + payload）
  - Error/ErrorCode — 结构化错误体系，含 HTTP 状态码与 Retryable 标记

# 主要能力

  - 错误工具链：WrapError / AsError / IsErrorCode / IsRetryable
  - Action 工具：ArgsHash 稳定参数哈希、Summary 单行摘要
  - ApprovalRequest.FormatForDisplay 人类可读渲染
*/
package types
