// Package lane is the dedup and concurrency core of the daemon. It classifies
// each inbound event into the fast lane (recognized commands, answered
// immediately) or the queue lane (one serialized FIFO per conversation), and
// guarantees that a duplicate observation of the same event never produces a
// second reply.
package lane

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/42atom/msgcode/internal/bridge"
	"github.com/42atom/msgcode/internal/cursor"
	otelpkg "github.com/42atom/msgcode/internal/otel"
	"github.com/42atom/msgcode/internal/routing"
	"github.com/42atom/msgcode/internal/shared"
)

const (
	defaultAckDelay      = 10 * time.Second
	defaultRecordTTL     = 5 * time.Minute
	defaultSweepInterval = time.Minute
)

// Deliverer runs a conversation's action in its workspace and returns the
// textual result to relay back, if any.
type Deliverer interface {
	Deliver(ctx context.Context, route routing.Route, text string) (string, error)
}

// ReplySender pushes text back into a conversation through the transport.
type ReplySender interface {
	SendReply(ctx context.Context, conversationID, text string) error
}

// FastHandler answers a fast-lane command. An empty reply with nil error
// means the command produced nothing to send.
type FastHandler func(ctx context.Context, ev bridge.InboundEvent, route routing.Route, routed bool) (string, error)

// Options configures a Coordinator.
type Options struct {
	Classifier Classifier
	Cursors    *cursor.Store
	Routes     routing.Resolver
	Deliver    Deliverer
	Reply      ReplySender
	Fast       FastHandler

	AckDelay      time.Duration
	AckText       string
	RecordTTL     time.Duration
	SweepInterval time.Duration

	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otelpkg.Metrics
}

// Coordinator owns the fast-lane dedup set and one actor goroutine per
// conversation. All mutation of shared state happens under its own locks; the
// per-conversation actor owns its queue exclusively.
type Coordinator struct {
	opts    Options
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otelpkg.Metrics

	records *recordSet

	mu     sync.Mutex
	actors map[string]*actor
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Coordinator and starts its TTL sweep. Stop releases it.
func New(opts Options) *Coordinator {
	if opts.AckDelay <= 0 {
		opts.AckDelay = defaultAckDelay
	}
	if opts.AckText == "" {
		opts.AckText = "On it."
	}
	if opts.RecordTTL <= 0 {
		opts.RecordTTL = defaultRecordTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelpkg.TracerName)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		opts:    opts,
		logger:  logger.With("component", "lane"),
		tracer:  tracer,
		metrics: opts.Metrics,
		records: newRecordSet(opts.RecordTTL),
		actors:  make(map[string]*actor),
		ctx:     ctx,
		cancel:  cancel,
	}

	c.wg.Add(1)
	go c.sweepLoop()
	return c
}

// Stop shuts the coordinator down. Queued tasks that have not started are
// dropped; the task currently running in each actor finishes first.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}

// HandleEvent is the transport's entry point. It must not block: fast-lane
// work runs on its own goroutine, queue-lane work is handed to the
// conversation's actor.
func (c *Coordinator) HandleEvent(ev bridge.InboundEvent) {
	if ev.ConversationID == "" {
		return
	}
	if ev.IsFromMe {
		c.logger.Debug("skipping own message", "conversation_id", ev.ConversationID, "rowid", ev.Rowid)
		return
	}

	switch c.opts.Classifier.Classify(ev.Text) {
	case LaneFast:
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.runFast(ev)
		}()
	default:
		c.enqueueEvent(ev)
	}
}

// EnqueueExternal lets the scheduler push a synthetic task through the same
// per-conversation serialization live messages use. The call blocks until the
// task has run (or the coordinator stopped), so scheduled work stays serial.
func (c *Coordinator) EnqueueExternal(ctx context.Context, conversationID string, run func(ctx context.Context) error) error {
	done := make(chan error, 1)
	ok := c.submit(conversationID, task{
		label: "scheduled",
		run: func(taskCtx context.Context) {
			done <- run(taskCtx)
		},
	})
	if !ok {
		return context.Canceled
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runFast executes a recognized command immediately, outside any queue. The
// record set makes a replayed copy of the same event a no-op.
func (c *Coordinator) runFast(ev bridge.InboundEvent) {
	ctx := shared.WithConversationID(c.ctx, ev.ConversationID)
	ctx = shared.WithEventRow(ctx, ev.Rowid)
	ctx, span := otelpkg.StartSpan(ctx, c.tracer, "lane.fast",
		otelpkg.AttrConversationID.String(ev.ConversationID),
		otelpkg.AttrEventRow.Int64(ev.Rowid),
		otelpkg.AttrLane.String(string(LaneFast)))
	defer span.End()

	if !c.records.begin(ev.Rowid) {
		c.logger.Debug("duplicate fast-lane event suppressed", "conversation_id", ev.ConversationID, "rowid", ev.Rowid)
		if c.metrics != nil {
			c.metrics.DuplicatesSuppressed.Add(ctx, 1)
		}
		return
	}
	if c.metrics != nil {
		c.metrics.FastLaneHits.Add(ctx, 1)
	}

	route, routed := c.opts.Routes.Lookup(ev.ConversationID)
	reply, err := c.opts.Fast(ctx, ev, route, routed)
	if err != nil {
		c.logger.Warn("fast-lane handler failed", "conversation_id", ev.ConversationID, "rowid", ev.Rowid, "error", err)
		c.records.finish(ev.Rowid, false)
		return
	}

	replied := false
	if reply != "" {
		if err := c.opts.Reply.SendReply(ctx, ev.ConversationID, reply); err != nil {
			c.logger.Warn("fast-lane reply failed", "conversation_id", ev.ConversationID, "error", err)
		} else {
			replied = true
		}
	}
	// The record set alone dedups fast-lane events. Advancing the durable
	// cursor here would run ahead of generic events still queued with lower
	// rowids and the queue-lane re-check would then drop them.
	c.records.finish(ev.Rowid, replied)
}

// enqueueEvent queues the generic processing thunk for an event.
func (c *Coordinator) enqueueEvent(ev bridge.InboundEvent) {
	ok := c.submit(ev.ConversationID, task{
		label: "event",
		run: func(ctx context.Context) {
			c.runQueued(ctx, ev)
		},
	})
	if !ok {
		c.logger.Warn("dropping event, coordinator stopped", "conversation_id", ev.ConversationID, "rowid", ev.Rowid)
	}
}

// runQueued is the queue-lane thunk body. It re-checks the fast-lane record
// and the durable cursor before doing any work, so a replayed or already
// answered event dies here instead of producing a second reply.
func (c *Coordinator) runQueued(ctx context.Context, ev bridge.InboundEvent) {
	start := time.Now()
	ctx = shared.WithConversationID(ctx, ev.ConversationID)
	ctx = shared.WithEventRow(ctx, ev.Rowid)
	ctx, span := otelpkg.StartSpan(ctx, c.tracer, "lane.dispatch",
		otelpkg.AttrConversationID.String(ev.ConversationID),
		otelpkg.AttrEventRow.Int64(ev.Rowid),
		otelpkg.AttrLane.String(string(LaneQueue)))
	defer span.End()
	defer func() {
		if c.metrics != nil {
			c.metrics.DispatchDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()

	if c.records.collides(ev.Rowid) {
		c.logger.Info("queue-lane skip, fast lane owns event", "conversation_id", ev.ConversationID, "rowid", ev.Rowid)
		if c.metrics != nil {
			c.metrics.DuplicatesSuppressed.Add(ctx, 1)
		}
		return
	}

	if last, ok := c.opts.Cursors.Get(ev.ConversationID); ok && ev.Rowid <= last {
		c.logger.Debug("event at or below cursor, replay suppressed", "conversation_id", ev.ConversationID, "rowid", ev.Rowid, "cursor", last)
		if c.metrics != nil {
			c.metrics.DuplicatesSuppressed.Add(ctx, 1)
		}
		return
	}

	route, ok := c.opts.Routes.Lookup(ev.ConversationID)
	if !ok {
		c.logger.Debug("no route for conversation", "conversation_id", ev.ConversationID)
		return
	}
	if route.Status != routing.StatusActive {
		c.logger.Debug("route inactive, event ignored", "conversation_id", ev.ConversationID)
		return
	}

	// Arm the one-shot acknowledgement. If the action finishes before the
	// delay, Stop wins and no ack goes out; otherwise AfterFunc sends exactly
	// one.
	ackTimer := time.AfterFunc(c.opts.AckDelay, func() {
		if err := c.opts.Reply.SendReply(ctx, ev.ConversationID, c.opts.AckText); err != nil {
			c.logger.Warn("acknowledgement failed", "conversation_id", ev.ConversationID, "error", err)
		}
	})

	response, err := c.opts.Deliver.Deliver(ctx, route, ev.Text)
	ackTimer.Stop()
	if err != nil {
		c.logger.Error("delivery failed", "conversation_id", ev.ConversationID, "rowid", ev.Rowid, "error", err)
		if rerr := c.opts.Reply.SendReply(ctx, ev.ConversationID, "Something went wrong running that. Check the daemon logs."); rerr != nil {
			c.logger.Warn("failure notice not delivered", "conversation_id", ev.ConversationID, "error", rerr)
		}
	} else if response != "" {
		if rerr := c.opts.Reply.SendReply(ctx, ev.ConversationID, response); rerr != nil {
			c.logger.Error("reply failed", "conversation_id", ev.ConversationID, "error", rerr)
		}
	}

	if _, aerr := c.opts.Cursors.Advance(ev.ConversationID, ev.Rowid); aerr != nil {
		c.logger.Error("cursor advance failed", "conversation_id", ev.ConversationID, "rowid", ev.Rowid, "error", aerr)
	}
}

func (c *Coordinator) sweepLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if n := c.records.sweep(c.logger); n > 0 {
				c.logger.Debug("fast-lane records evicted", "count", n, "remaining", c.records.len())
			}
		}
	}
}
