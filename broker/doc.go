// Copyright (c) 2025 ApprovalFlow Authors.
// Licensed under the MIT License.

// Package broker 实现审批代理：把一次"需要人工确认"的请求
// 转化为持久化记录 + 出站通知 + 等待回调的完整生命周期。
//
// 核心约定：
//   - 先落库再通知。PendingApprovalRecord 必须在发送通知之前写入存储，
//     这样即使进程在发送后立刻崩溃，重启恢复也能找到在途审批。
//   - 每次审批恰好产生一个 Decision。回调、超时、取消竞争时由 waiter
//     的 sync.Once 保证只有第一个写入者生效。
//   - 故障一律拒绝（fail closed）。存储不可用、通知发送耗尽重试、
//     熔断器打开，都合成 approved=false 的 Decision，绝不放行。
//
// 熔断器保护出站通知通道，重试器包装单次发送；两者的配置
// 见 circuitbreaker.Config 与 retry.Policy。
package broker
