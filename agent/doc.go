// Copyright 2024 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a MIT license that can be
// found in the LICENSE file.

/*
Package agent runs one agent turn to completion.

# Overview

A turn is a bounded Reason-Act loop over a provider stream. The [Runner]
builds the prompt from the conversation, streams a completion, and consumes
the closed [llm.StreamEvent] set in an explicit loop:

  - ContentDelta: appended to the attempt buffer and forwarded to the [Sink]
  - ToolStart: forwarded to the Sink as a "working" indicator
  - ToolComplete: decoded and recorded; the first termination wins
  - Done: closes the attempt and carries usage
  - StreamError: aborts the turn

Providers without native tool calling only produce text. For them the
runner parses tool invocations out of the text with tools.Parser, executes
them, and folds the results in exactly like ToolComplete events.

# Termination enforcement

Outside the chat and brainstorm phases every turn must end with a
termination tool: orchestrators call continue or end_conversation,
specialists call complete. A turn that ends without one is retried with a
corrective message naming the tool. When the attempts are used up the
runner synthesizes the termination from the buffered text, so every turn
ends in a bounded number of steps.

# Failures

Transport errors append an apology to the buffer, flush it to the Sink, and
are returned as TRANSPORT errors. Quota failures keep their
QUOTA_EXCEEDED code in the chain so callers can tell them apart.
*/
package agent
