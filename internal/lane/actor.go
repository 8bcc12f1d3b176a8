package lane

import (
	"context"
	"sync"
)

// task is one unit of serialized work for a conversation.
type task struct {
	label string
	run   func(ctx context.Context)
}

// actor owns a single conversation's FIFO. Exactly one goroutine drains it,
// so tasks for the same conversation never overlap in time.
type actor struct {
	id string

	mu    sync.Mutex
	queue []task
	wake  chan struct{}
}

func newActor(id string) *actor {
	return &actor{id: id, wake: make(chan struct{}, 1)}
}

// submit appends a task to the conversation's queue, spawning the actor on
// first use. Returns false once the coordinator is stopped.
func (c *Coordinator) submit(conversationID string, t task) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	a, ok := c.actors[conversationID]
	if !ok {
		a = newActor(conversationID)
		c.actors[conversationID] = a
		c.wg.Add(1)
		go c.runActor(a)
	}
	c.mu.Unlock()

	a.mu.Lock()
	a.queue = append(a.queue, t)
	a.mu.Unlock()
	if c.metrics != nil {
		c.metrics.QueueDepth.Add(c.ctx, 1)
	}

	select {
	case a.wake <- struct{}{}:
	default:
	}
	return true
}

// runActor drains one conversation's queue in submission order. Actors live
// for the life of the coordinator; conversations are not garbage collected.
func (c *Coordinator) runActor(a *actor) {
	defer c.wg.Done()
	for {
		a.mu.Lock()
		var t task
		have := len(a.queue) > 0
		if have {
			t = a.queue[0]
			a.queue = a.queue[1:]
		}
		a.mu.Unlock()

		if !have {
			select {
			case <-c.ctx.Done():
				return
			case <-a.wake:
				continue
			}
		}

		if c.metrics != nil {
			c.metrics.QueueDepth.Add(c.ctx, -1)
		}
		select {
		case <-c.ctx.Done():
			c.logger.Debug("dropping queued task on shutdown", "conversation_id", a.id, "kind", t.label)
			return
		default:
		}
		t.run(c.ctx)
	}
}
