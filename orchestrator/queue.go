package orchestrator

import (
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/convoflow/types"
)

type job struct {
	ev       types.Event
	enqueued time.Time
	seq      uint64
}

// lane is the FIFO of one conversation. Its worker goroutine exists only
// while the queue is non-empty.
type lane struct {
	key   string
	queue []job
}

// heldLane queues replies whose thread could not be resolved on arrival.
// Its worker only moves each job to the lane it resolves to.
const heldLane = "\x00held"

func (o *Orchestrator) enqueue(key string, ev types.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if l, ok := o.lanes[key]; ok && o.cfg.QueueSize > 0 && len(l.queue) >= o.cfg.QueueSize {
		return ErrQueueFull
	}
	o.seq++
	o.pending[ev.ID] = o.seq
	o.push(key, job{ev: ev, enqueued: time.Now(), seq: o.seq})
	return nil
}

// admitted marks an event as appended to its conversation, or dropped.
func (o *Orchestrator) admitted(id string) {
	o.mu.Lock()
	delete(o.pending, id)
	o.mu.Unlock()
	o.admission.Broadcast()
}

// awaitAdmission blocks until every event queued before seq was admitted.
func (o *Orchestrator) awaitAdmission(seq uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for o.pendingBefore(seq) {
		o.admission.Wait()
	}
}

func (o *Orchestrator) pendingBefore(seq uint64) bool {
	for _, s := range o.pending {
		if s < seq {
			return true
		}
	}
	return false
}

// push appends j to the lane for key, starting its worker. o.mu must be held.
func (o *Orchestrator) push(key string, j job) {
	l, ok := o.lanes[key]
	if !ok {
		l = &lane{key: key}
		o.lanes[key] = l
		o.active.Add(1)
		// the worker blocks on o.mu until this append is visible
		go o.work(l)
	}
	l.queue = append(l.queue, j)
}

// laneFor is the lane an event must run on: the conversation it resolves
// to, else a conversation of its own.
func (o *Orchestrator) laneFor(ev *types.Event) string {
	if key, ok := o.resolveLane(ev); ok {
		return key
	}
	return ev.ID
}

// resolveLane finds the conversation lane of ev: a known thread, the root
// it names, or a lane already queued for one of its references. A reply
// whose references match none of these is unresolved.
func (o *Orchestrator) resolveLane(ev *types.Event) (string, bool) {
	if c, ok := o.convs.GetByEvent(ev); ok {
		return c.ID, true
	}
	if root := ev.RootID(); root != "" {
		return root, true
	}
	refs := ev.ThreadRefs()
	if len(refs) == 0 {
		return ev.ID, true
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, ref := range refs {
		if _, ok := o.lanes[ref]; ok {
			return ref, true
		}
	}
	return "", false
}

func (o *Orchestrator) work(l *lane) {
	defer o.active.Done()
	for {
		o.mu.Lock()
		if len(l.queue) == 0 {
			delete(o.lanes, l.key)
			o.mu.Unlock()
			return
		}
		j := l.queue[0]
		l.queue[0] = job{}
		l.queue = l.queue[1:]
		o.mu.Unlock()

		if l.key == heldLane {
			o.awaitAdmission(j.seq)
		}
		// a held reply, or one whose thread became known while it waited
		if key := o.laneFor(&j.ev); key != l.key {
			o.mu.Lock()
			o.push(key, j)
			o.mu.Unlock()
			o.logger.Debug("event moved to its conversation lane",
				zap.String("event_id", j.ev.ID),
				zap.String("from", l.key),
				zap.String("conversation_id", key))
			continue
		}

		o.logger.Debug("processing event",
			zap.String("conversation_id", l.key),
			zap.String("event_id", j.ev.ID),
			zap.Duration("queued", time.Since(j.enqueued)))
		o.process(o.ctx, &j.ev)
	}
}
