// Copyright (c) ApprovalFlow Authors.
// Licensed under the MIT License.

/*
Package policy 提供审批策略引擎：决定一个 Action 是否需要人工审批。

# 概述

策略是纯函数式的决策组件：给定 Action 与当前运行状态，返回
(needsApproval, reason)。对固定的 action id、固定配置与种子，
Decide 必须是确定性的，以便回放同一 trace 时得到相同的审批要求。

# 规则优先级

多条规则同时适用时按固定顺序求值，首个命中者胜出并提供 reason：

 1. 显式高危工具名单匹配
 2. 固定风险等级规则
 3. 敏感参数模式匹配
 4. 数值阈值（金额类参数）
 5. 概率审计抽样（基于 action id 的稳定哈希，非随机抽取）
 6. 异常信号升级（连续同名工具、重复拒绝、重复失败）
 7. 默认放行

# 实现

  - AlwaysApprove — 无人工监督基线，全部自动放行
  - RiskBased     — 规则 1–4 的生产推荐策略
  - AuditEscalate — 规则 2 + 5 + 6 的混合审计策略

策略可通过 OnDecided / OnExecuted 钩子在运行状态中累积学习信号
（拒绝计数、工具失败计数），反馈到后续 Decide 调用。
*/
package policy
