// Copyright 2024 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a MIT license that can be
// found in the LICENSE file.

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖
事件、路由、Agent 回合、LLM、工具与会话持久化。

# 概述

Collector 通过 promauto.With 注册到调用方给定的 Registerer，
所有指标按 namespace 隔离。Collector 的方法签名与各业务包定义的
Observer 接口一致，可以直接注入 orchestrator、routing、agent、
llm/tools、llm/providers 与 conversation。

# 主要能力

  - 事件指标：入站事件按 kind/outcome 计数，重复事件单独计数。
  - 路由指标：决策阶段计数与模型调用重试计数。
  - Agent 指标：回合计数、耗时、尝试次数与合成终止计数。
  - LLM 与工具指标：请求/调用计数与耗时。
  - 会话指标：阶段转换与存储失败计数。
*/
package metrics
