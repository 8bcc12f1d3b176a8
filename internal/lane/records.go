package lane

import (
	"log/slog"
	"sync"
	"time"
)

// record tracks one fast-lane-eligible event so a concurrent queue-lane pass
// over the same event can tell whether a reply is in flight or already sent.
type record struct {
	inFlight       bool
	repliedAlready bool
	createdAt      time.Time
}

// recordSet is the short-lived dedup set keyed by event rowid. Entries are
// evicted after a TTL by the coordinator's sweep.
type recordSet struct {
	mu      sync.Mutex
	entries map[int64]*record
	ttl     time.Duration
	now     func() time.Time
}

func newRecordSet(ttl time.Duration) *recordSet {
	return &recordSet{
		entries: make(map[int64]*record),
		ttl:     ttl,
		now:     time.Now,
	}
}

// begin claims an event for fast-lane processing. It returns false when the
// same rowid is already in flight or has already been replied to.
func (r *recordSet) begin(rowid int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.entries[rowid]; ok {
		if rec.inFlight || rec.repliedAlready {
			return false
		}
	}
	r.entries[rowid] = &record{inFlight: true, createdAt: r.now()}
	return true
}

// finish marks a claimed event as done. replied records whether a reply went
// out; a failed fast-lane run releases the claim so the queue lane may still
// act on the event.
func (r *recordSet) finish(rowid int64, replied bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.entries[rowid]
	if !ok {
		return
	}
	rec.inFlight = false
	rec.repliedAlready = replied
	if !replied {
		delete(r.entries, rowid)
	}
}

// collides reports whether the queue lane must skip this rowid because the
// fast lane is working on it or already answered it.
func (r *recordSet) collides(rowid int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.entries[rowid]
	return ok && (rec.inFlight || rec.repliedAlready)
}

// sweep drops entries older than the TTL and returns how many were evicted.
func (r *recordSet) sweep(logger *slog.Logger) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-r.ttl)
	evicted := 0
	for rowid, rec := range r.entries {
		if rec.createdAt.Before(cutoff) {
			if rec.inFlight {
				logger.Warn("evicting fast-lane record still in flight", "rowid", rowid, "age", r.now().Sub(rec.createdAt))
			}
			delete(r.entries, rowid)
			evicted++
		}
	}
	return evicted
}

func (r *recordSet) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
