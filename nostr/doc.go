// Copyright 2024 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a MIT license that can be
// found in the LICENSE file.

/*
Package nostr connects the orchestrator to the signed pub/sub event network.

# Drafts

Outbound records are built as unsigned [types.Event] drafts:

  - [NewReply] threads an agent reply under the triggering event with "e"
    reply and root markers, addresses the next responder with a "p" tag
    (omitted when there is none), and carries turn metadata tags for the
    model, cost, token counts and phase.
  - [NewTypingIndicator] marks an agent as working (24111) or done (24112).
  - [NewNotice] reports a failure back into the thread.

Signing is external. A [Signer] turns a draft into a signed event; the
orchestrator only ever talks to a [Publisher].

# Relay

[RelayClient] speaks the relay wire protocol over a websocket:
"EVENT" to publish (optionally waiting for the relay's "OK"), "REQ" to
subscribe with a [Filter], and dispatches inbound "EVENT", "EOSE", "OK"
and "NOTICE" frames from a single read loop.
*/
package nostr
