// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 llm 定义编排核心与外部大语言模型服务之间的契约。

# 概述

编排核心不直接依赖任何模型厂商 SDK。路由管线通过 [Provider.Completion]
发起一次性 JSON 决策请求；Reason-Act 循环通过 [Provider.Stream] 消费
一个封闭的 [StreamEvent] 序列：

  - [ContentDelta]：文本增量
  - [ToolStart]：工具开始执行（用于"正在处理"提示）
  - [ToolComplete]：工具执行完成，Payload 为序列化后的工具结果
  - [Done]：流结束，携带用量统计
  - [StreamError]：传输层错误

支持原生工具调用的 Provider 在流中通过 [StreamRequest.Invoker] 执行工具，
并为每次调用依次发出 ToolStart / ToolComplete；不支持原生工具调用的
Provider 只输出文本，由上层的文本解析器识别工具调用。

子包 tools 提供工具调用解析与执行，子包 tokenizer 提供用量估算。
*/
package llm
