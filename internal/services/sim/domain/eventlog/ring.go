package eventlog

import (
	"context"
	"sync"
)

// DefaultRingCapacity bounds the in-memory ring when no capacity is given.
const DefaultRingCapacity = 5000

// Ring is a bounded in-memory sink. Past capacity the oldest entries are evicted.
type Ring struct {
	mu    sync.Mutex
	buf   []Event
	start int
	size  int
}

// NewRing creates a ring holding at most capacity events.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &Ring{buf: make([]Event, capacity)}
}

// Append stores evt, evicting the oldest entry when full.
func (r *Ring) Append(_ context.Context, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := (r.start + r.size) % len(r.buf)
	r.buf[idx] = evt
	if r.size < len(r.buf) {
		r.size++
	} else {
		r.start = (r.start + 1) % len(r.buf)
	}
	return nil
}

// Recent returns up to limit of the newest events, oldest first. A
// non-positive limit returns everything held.
func (r *Ring) Recent(limit int) []Event {
	return r.recent(limit, "")
}

// RecentForSession is Recent filtered to one session.
func (r *Ring) RecentForSession(sessionID string, limit int) []Event {
	return r.recent(limit, sessionID)
}

func (r *Ring) recent(limit int, sessionID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > r.size {
		limit = r.size
	}
	out := make([]Event, 0, limit)
	for i := r.size - 1; i >= 0 && len(out) < limit; i-- {
		evt := r.buf[(r.start+i)%len(r.buf)]
		if sessionID != "" && evt.SessionID != sessionID {
			continue
		}
		out = append(out, evt)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Len returns the number of events held.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}
