// Copyright 2024 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a MIT license that can be
// found in the LICENSE file.

/*
Package mocks 提供 ConvoFlow 测试共用的模拟实现。

# 核心类型

  - MockProvider: 脚本化的 llm.Provider，按调用顺序回放补全与流事件，
    记录每次 StreamRequest，可切换原生函数调用能力
  - MockPublisher: 记录 orchestrator 发布的草稿，支持错误注入
  - MockTool: 实现 tools.Tool，记录参数与 ToolContext，支持固定输出、
    错误注入与自定义函数

# 预设脚本

TextStream / ToolStream / ErrorStream 构造常见的流事件序列，
NewStreamProvider / NewCompletionProvider / NewErrorProvider 为常用工厂。
*/
package mocks
