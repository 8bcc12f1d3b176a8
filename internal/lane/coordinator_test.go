package lane

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/42atom/msgcode/internal/bridge"
	"github.com/42atom/msgcode/internal/config"
	"github.com/42atom/msgcode/internal/cursor"
	"github.com/42atom/msgcode/internal/routing"
)

type sentReply struct {
	conversationID string
	text           string
}

type replyRecorder struct {
	mu   sync.Mutex
	sent []sentReply
}

func (r *replyRecorder) SendReply(_ context.Context, conversationID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentReply{conversationID, text})
	return nil
}

func (r *replyRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func (r *replyRecorder) all() []sentReply {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentReply(nil), r.sent...)
}

type deliverFunc func(ctx context.Context, route routing.Route, text string) (string, error)

func (f deliverFunc) Deliver(ctx context.Context, route routing.Route, text string) (string, error) {
	return f(ctx, route, text)
}

func testRoutes(ids ...string) *routing.Table {
	var rcs []config.RouteConfig
	for _, id := range ids {
		rcs = append(rcs, config.RouteConfig{ConversationID: id, Workspace: "/work/" + id})
	}
	return routing.NewTable(rcs)
}

func testCursors(t *testing.T) *cursor.Store {
	t.Helper()
	s, err := cursor.Open(filepath.Join(t.TempDir(), "cursors.json"), nil)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func newTestCoordinator(t *testing.T, opts Options) *Coordinator {
	t.Helper()
	if opts.Classifier == nil {
		opts.Classifier = NewPrefixClassifier([]string{"/where", "/status", "/ping"})
	}
	if opts.Cursors == nil {
		opts.Cursors = testCursors(t)
	}
	if opts.Routes == nil {
		opts.Routes = testRoutes("chat-A", "chat-B")
	}
	if opts.Deliver == nil {
		opts.Deliver = deliverFunc(func(context.Context, routing.Route, string) (string, error) {
			return "done", nil
		})
	}
	if opts.Fast == nil {
		opts.Fast = func(_ context.Context, _ bridge.InboundEvent, route routing.Route, _ bool) (string, error) {
			return route.Workspace, nil
		}
	}
	if opts.AckDelay == 0 {
		opts.AckDelay = time.Hour
	}
	c := New(opts)
	t.Cleanup(c.Stop)
	return c
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func event(conv string, rowid int64, text string) bridge.InboundEvent {
	return bridge.InboundEvent{Rowid: rowid, ConversationID: conv, Text: text, CreatedAt: time.Now()}
}

func TestFastCommandAnsweredImmediately(t *testing.T) {
	replies := &replyRecorder{}
	c := newTestCoordinator(t, Options{Reply: replies})

	c.HandleEvent(event("chat-A", 1, "/where"))

	waitFor(t, 2*time.Second, func() bool { return replies.count() == 1 })
	if got := replies.all()[0]; got.text != "/work/chat-A" {
		t.Errorf("reply = %+v", got)
	}

	// The fast lane must leave the durable cursor alone; it only moves after
	// queue-lane processing.
	time.Sleep(50 * time.Millisecond)
	if v, ok := c.opts.Cursors.Get("chat-A"); ok {
		t.Errorf("fast lane advanced the cursor to %d", v)
	}
}

func TestDuplicateFastEventSuppressedBothPaths(t *testing.T) {
	// A "/where" arrives, then the identical event reaches the queue lane
	// while the fast handler is still running. Exactly one reply goes out.
	replies := &replyRecorder{}
	started := make(chan struct{})
	c := newTestCoordinator(t, Options{
		Reply: replies,
		Fast: func(context.Context, bridge.InboundEvent, routing.Route, bool) (string, error) {
			close(started)
			time.Sleep(200 * time.Millisecond)
			return "here", nil
		},
		Deliver: deliverFunc(func(context.Context, routing.Route, string) (string, error) {
			return "duplicate reply", nil
		}),
	})

	ev := event("chat-A", 42, "/where")
	c.HandleEvent(ev)
	<-started
	time.Sleep(10 * time.Millisecond)
	c.enqueueEvent(ev)

	waitFor(t, 2*time.Second, func() bool { return replies.count() >= 1 })
	time.Sleep(300 * time.Millisecond)
	if got := replies.count(); got != 1 {
		t.Fatalf("replies = %d, want exactly 1", got)
	}
	if replies.all()[0].text != "here" {
		t.Errorf("wrong path replied: %+v", replies.all())
	}
}

func TestDuplicateFastDeliverySuppressed(t *testing.T) {
	replies := &replyRecorder{}
	c := newTestCoordinator(t, Options{Reply: replies})

	ev := event("chat-A", 7, "/ping")
	c.HandleEvent(ev)
	c.HandleEvent(ev)

	waitFor(t, 2*time.Second, func() bool { return replies.count() >= 1 })
	time.Sleep(100 * time.Millisecond)
	if got := replies.count(); got != 1 {
		t.Fatalf("replies = %d, want 1", got)
	}
}

func TestFastCommandDoesNotDropQueuedEvents(t *testing.T) {
	// A generic event is mid-delivery and a second one is queued behind it
	// when a fast command with a higher rowid completes. The queued event
	// must still be delivered afterwards.
	gate := make(chan struct{})
	firstRunning := make(chan struct{})
	var mu sync.Mutex
	var delivered []string

	replies := &replyRecorder{}
	c := newTestCoordinator(t, Options{
		Reply: replies,
		Deliver: deliverFunc(func(_ context.Context, _ routing.Route, text string) (string, error) {
			if text == "task one" {
				close(firstRunning)
				<-gate
			}
			mu.Lock()
			delivered = append(delivered, text)
			mu.Unlock()
			return "", nil
		}),
	})

	c.HandleEvent(event("chat-A", 1, "task one"))
	<-firstRunning
	c.HandleEvent(event("chat-A", 2, "task two"))

	c.HandleEvent(event("chat-A", 3, "/ping"))
	waitFor(t, 2*time.Second, func() bool { return replies.count() == 1 })

	close(gate)

	waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if delivered[0] != "task one" || delivered[1] != "task two" {
		t.Fatalf("delivered = %v, queued event lost after fast command", delivered)
	}
}

func TestSameConversationSerialized(t *testing.T) {
	type window struct{ start, end time.Time }
	var mu sync.Mutex
	var runs []window
	var order []string

	replies := &replyRecorder{}
	c := newTestCoordinator(t, Options{
		Reply: replies,
		Deliver: deliverFunc(func(_ context.Context, _ routing.Route, text string) (string, error) {
			w := window{start: time.Now()}
			time.Sleep(50 * time.Millisecond)
			w.end = time.Now()
			mu.Lock()
			runs = append(runs, w)
			order = append(order, text)
			mu.Unlock()
			return "", nil
		}),
	})

	c.HandleEvent(event("chat-A", 1, "first"))
	c.HandleEvent(event("chat-A", 2, "second"))

	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(runs) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if order[0] != "first" || order[1] != "second" {
		t.Errorf("order = %v", order)
	}
	if runs[1].start.Before(runs[0].end) {
		t.Errorf("executions overlap: %v then %v", runs[0], runs[1])
	}
}

func TestDistinctConversationsRunConcurrently(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(2)
	bothRunning := make(chan struct{})
	go func() {
		wg.Wait()
		close(bothRunning)
	}()

	replies := &replyRecorder{}
	c := newTestCoordinator(t, Options{
		Reply: replies,
		Deliver: deliverFunc(func(context.Context, routing.Route, string) (string, error) {
			wg.Done()
			select {
			case <-bothRunning:
				return "", nil
			case <-time.After(3 * time.Second):
				return "", errors.New("peer never started")
			}
		}),
	})

	c.HandleEvent(event("chat-A", 1, "work"))
	c.HandleEvent(event("chat-B", 1, "work"))

	select {
	case <-bothRunning:
	case <-time.After(3 * time.Second):
		t.Fatal("conversations did not run concurrently")
	}
}

func TestCursorReplaySuppressed(t *testing.T) {
	cursors := testCursors(t)
	if _, err := cursors.Advance("chat-A", 100); err != nil {
		t.Fatal(err)
	}

	delivered := make(chan string, 1)
	replies := &replyRecorder{}
	c := newTestCoordinator(t, Options{
		Reply:   replies,
		Cursors: cursors,
		Deliver: deliverFunc(func(_ context.Context, _ routing.Route, text string) (string, error) {
			delivered <- text
			return "", nil
		}),
	})

	c.HandleEvent(event("chat-A", 90, "replayed"))
	c.HandleEvent(event("chat-A", 101, "fresh"))

	select {
	case text := <-delivered:
		if text != "fresh" {
			t.Fatalf("delivered %q, replayed event was not suppressed", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fresh event never delivered")
	}
}

func TestUnroutedAndInactiveConversationsIgnored(t *testing.T) {
	inactive := false
	routes := routing.NewTable([]config.RouteConfig{
		{ConversationID: "chat-off", Workspace: "/work/off", Active: &inactive},
	})

	var mu sync.Mutex
	deliveries := 0
	replies := &replyRecorder{}
	c := newTestCoordinator(t, Options{
		Reply:  replies,
		Routes: routes,
		Deliver: deliverFunc(func(context.Context, routing.Route, string) (string, error) {
			mu.Lock()
			deliveries++
			mu.Unlock()
			return "", nil
		}),
	})

	c.HandleEvent(event("chat-unknown", 1, "hello"))
	c.HandleEvent(event("chat-off", 1, "hello"))

	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if deliveries != 0 {
		t.Fatalf("deliveries = %d, want 0", deliveries)
	}
}

func TestAckSentOnceForSlowAction(t *testing.T) {
	replies := &replyRecorder{}
	c := newTestCoordinator(t, Options{
		Reply:    replies,
		AckDelay: 30 * time.Millisecond,
		AckText:  "On it.",
		Deliver: deliverFunc(func(context.Context, routing.Route, string) (string, error) {
			time.Sleep(150 * time.Millisecond)
			return "finished", nil
		}),
	})

	c.HandleEvent(event("chat-A", 1, "slow thing"))

	waitFor(t, 3*time.Second, func() bool { return replies.count() == 2 })
	time.Sleep(100 * time.Millisecond)
	got := replies.all()
	if len(got) != 2 || got[0].text != "On it." || got[1].text != "finished" {
		t.Fatalf("replies = %+v", got)
	}
}

func TestNoAckForFastAction(t *testing.T) {
	replies := &replyRecorder{}
	c := newTestCoordinator(t, Options{
		Reply:    replies,
		AckDelay: 500 * time.Millisecond,
		Deliver: deliverFunc(func(context.Context, routing.Route, string) (string, error) {
			return "quick", nil
		}),
	})

	c.HandleEvent(event("chat-A", 1, "quick thing"))

	waitFor(t, 2*time.Second, func() bool { return replies.count() == 1 })
	time.Sleep(600 * time.Millisecond)
	if got := replies.count(); got != 1 {
		t.Fatalf("replies = %d, ack leaked after completion", got)
	}
}

func TestOwnMessagesSkipped(t *testing.T) {
	replies := &replyRecorder{}
	delivered := make(chan struct{}, 1)
	c := newTestCoordinator(t, Options{
		Reply: replies,
		Deliver: deliverFunc(func(context.Context, routing.Route, string) (string, error) {
			delivered <- struct{}{}
			return "", nil
		}),
	})

	ev := event("chat-A", 1, "echo of my own reply")
	ev.IsFromMe = true
	c.HandleEvent(ev)

	select {
	case <-delivered:
		t.Fatal("own message was dispatched")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestExternalTasksShareConversationQueue(t *testing.T) {
	var mu sync.Mutex
	var order []string

	replies := &replyRecorder{}
	c := newTestCoordinator(t, Options{
		Reply: replies,
		Deliver: deliverFunc(func(_ context.Context, _ routing.Route, text string) (string, error) {
			time.Sleep(50 * time.Millisecond)
			mu.Lock()
			order = append(order, "live:"+text)
			mu.Unlock()
			return "", nil
		}),
	})

	c.HandleEvent(event("chat-A", 1, "live"))
	err := c.EnqueueExternal(context.Background(), "chat-A", func(context.Context) error {
		mu.Lock()
		order = append(order, "scheduled")
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("enqueue external: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "live:live" || order[1] != "scheduled" {
		t.Fatalf("order = %v", order)
	}
}
