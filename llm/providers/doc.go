// Copyright 2024 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a MIT license that can be
// found in the LICENSE file.

/*
# 概述

包 providers 是 LLM Provider 实现的公共基础层：OpenAI 兼容协议的请求/响应
结构、HTTP 错误到 types.Error 的映射，以及带指数退避的重试包装器。

# 核心类型

  - Config — Provider 连接配置（BaseURL、APIKey、默认模型、超时、重试）
  - OpenAICompat* 系列 — OpenAI 兼容 API 的请求、响应与工具调用结构体
  - RetryableProvider — 对 Completion 与 Stream 建连阶段做指数退避重试

# 错误语义

MapHTTPError 把状态码映射为 TRANSPORT 或 QUOTA_EXCEEDED：配额耗尽不可重试，
429/5xx 可重试，其余 4xx 不可重试。上层据此区分“额度用尽”与一般故障。
*/
package providers
