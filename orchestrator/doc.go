// Copyright 2024 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a MIT license that can be
// found in the LICENSE file.

/*
Package orchestrator turns inbound network events into agent turns.

# Flow

[Orchestrator.HandleEvent] is the single entry point:

 1. Liveness and typing kinds are dropped. Project metadata updates are
    applied to the shared [project.Project] and go no further.
 2. The [dedup.Deduplicator] admits each event id once.
 3. The event is queued on its conversation's lane. The lane key is the
    conversation id (the id of the originating event), so a reply that
    arrives before its thread root was processed still lands behind it.
    A reply that names no root and whose parent is unknown waits on a
    held lane and is moved to its conversation lane when dequeued. Every
    job is checked against its conversation once more before it runs.
 4. The lane worker creates or locates the conversation, appends the event
    to the history, routes it, applies the decision (phase, current agent,
    metadata), runs the turn and publishes the reply.

Events authored by registered agents are the echoes of our own replies;
they are appended to the history but never routed.

# Hand-offs

A turn ending in continue is routed again with the termination as the
explicit decision. A complete from a specialist hands the conversation back
to its addressee (by default the orchestrator agent). Both are followed
inside the same job, bounded by Config.MaxHops. end_conversation archives
the conversation.

# Concurrency

One lane per conversation, processed in FIFO order by a goroutine that
exits when the lane drains. Different conversations proceed in parallel.
[Orchestrator.Shutdown] stops intake, waits for the lanes and flushes the
conversation store and the deduplicator.
*/
package orchestrator
