// Copyright 2024 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a MIT license that can be
// found in the LICENSE file.

/*
Package openaicompat implements llm.Provider for any endpoint that speaks the
OpenAI chat completions protocol (OpenAI, DeepSeek, Qwen, local gateways).

Completion maps JSONMode onto response_format. Stream parses the SSE body,
emits ContentDelta events as text arrives and, when the request carries an
Invoker, runs native tool calls itself: each finished call is reported as
ToolStart, executed through the Invoker, reported as ToolComplete and fed
back to the model in a follow-up request. The loop stops once the model
answers without tool calls, after a tool result that ends the turn, or at
MaxToolRounds.
*/
package openaicompat
