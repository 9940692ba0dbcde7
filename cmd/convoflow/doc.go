// Copyright 2024 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a MIT license that can be
// found in the LICENSE file.

/*
Package main 提供 convoflow 的程序入口。

# 概述

convoflow run 加载配置（YAML + CONVOFLOW_ 环境变量），初始化 zap 日志、
OpenTelemetry 与 Prometheus 指标端点，打开配置的存储后端（file、redis
或 SQL），加载 Agent 注册表，连接中继并订阅发给项目 Agent 的事件，
然后由 orchestrator 逐会话处理，直到收到 SIGINT/SIGTERM 或中继断开。

# 主要能力

  - 子命令：run、version、health
  - 日志级别热更新：LevelReloader 轮询配置文件
  - Metrics 服务器：/metrics（Prometheus）与 /healthz
  - 优雅关闭：停止接收 → 排空会话队列 → 刷新会话与去重存储 → 关闭连接
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
