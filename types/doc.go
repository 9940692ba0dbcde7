// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 convoflow 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 conversation、routing、
agent、llm/tools、orchestrator 等上层模块提供统一的类型契约。

# 核心类型

  - Event / Kind      — 事件网络上的签名记录（kind、content、tags）
  - Phase             — 会话阶段（chat / plan / execute / review / chores）及固定的转换图
  - Agent             — 参与会话的 Agent 定义（pubkey、角色、能力集、是否为 orchestrator）
  - Message           — 发送给 LLM 的对话消息
  - ToolSchema / ToolCall — 工具定义与调用请求
  - TokenUsage        — Token 与成本统计
  - Error / ErrorCode — 结构化错误体系（VALIDATION、ROUTING_DECISION、TRANSPORT 等）
*/
package types
