// Copyright (c) 2025 ApprovalFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 ApprovalFlow HTTP API 的请求处理器实现。

# 概述

handlers 包实现审批回调、在途审批查询与健康检查端点，
以及统一的响应/错误处理。所有 Handler 均遵循标准 net/http 接口。

# 核心类型

  - ApprovalHandler  — 审批回调（POST /api/v1/approvals/callback/{id}）、
    在途列表查询与熔断器状态
  - HealthHandler    — 服务健康检查（/health），支持可插拔依赖检查
  - Response         — 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo        — 结构化错误信息，含 code、message、retryable 标记

# 主要能力

  - 统一响应格式：WriteSuccess / WriteError / WriteJSON 辅助函数
  - ErrorCode → HTTP 状态码自动映射（未知回调 404、存储故障 503）
  - 回调体 64KB 限制，宽松载荷归一化交给 broker.ParseCallback
*/
package handlers
