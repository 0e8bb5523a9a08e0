package fence

import (
	"slices"
	"sync"
)

// retireEntry is work waiting on one or more fence points.
type retireEntry struct {
	points []Point
	user   User
	fn     func()
	label  string
}

// User is an object whose GPU uses are still being recorded. Uses returns
// the fence points that reference it so far; busy is true while work that
// may add another point has not been submitted yet.
type User interface {
	Uses() (points []Point, busy bool)
}

// RetirementQueue defers destruction of GPU objects until every fence point
// that may still reference them has retired.
//
// RetirementQueue is safe for concurrent use. Callbacks run without the
// queue lock held and may defer further work.
type RetirementQueue struct {
	mu      sync.Mutex
	entries []retireEntry
	ran     uint64
}

// Defer schedules fn to run once every point has retired. Points with a
// zero value are ignored; with no remaining points fn runs on the next Drain.
func (q *RetirementQueue) Defer(label string, points []Point, fn func()) {
	if fn == nil {
		return
	}
	live := make([]Point, 0, len(points))
	for _, p := range points {
		if p.Value != 0 {
			live = append(live, p)
		}
	}
	q.mu.Lock()
	q.entries = append(q.entries, retireEntry{points: live, fn: fn, label: label})
	q.mu.Unlock()
}

// DeferUser schedules fn to run once u is no longer busy and every point it
// reports has retired. The points are read at each Drain, so uses submitted
// after this call still hold fn back.
func (q *RetirementQueue) DeferUser(label string, u User, fn func()) {
	if fn == nil || u == nil {
		return
	}
	q.mu.Lock()
	q.entries = append(q.entries, retireEntry{user: u, fn: fn, label: label})
	q.mu.Unlock()
}

func (e retireEntry) retired(set *Set) bool {
	points := e.points
	if e.user != nil {
		var busy bool
		points, busy = e.user.Uses()
		if busy {
			return false
		}
	}
	for _, p := range points {
		if p.Value != 0 && !set.IsRetired(p) {
			return false
		}
	}
	return true
}

// Drain runs every entry whose points have retired according to set and
// returns how many ran. Entries run in the order they were deferred.
func (q *RetirementQueue) Drain(set *Set) int {
	q.mu.Lock()
	var ready []retireEntry
	q.entries = slices.DeleteFunc(q.entries, func(e retireEntry) bool {
		if !e.retired(set) {
			return false
		}
		ready = append(ready, e)
		return true
	})
	q.ran += uint64(len(ready))
	q.mu.Unlock()

	for _, e := range ready {
		e.fn()
	}
	return len(ready)
}

// Flush runs every pending entry regardless of fence state. Only call it
// after the GPU is idle.
func (q *RetirementQueue) Flush() int {
	q.mu.Lock()
	all := q.entries
	q.entries = nil
	q.ran += uint64(len(all))
	q.mu.Unlock()

	for _, e := range all {
		e.fn()
	}
	return len(all)
}

// Pending returns the number of entries not yet run.
func (q *RetirementQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Labels returns the labels of pending entries, oldest first.
func (q *RetirementQueue) Labels() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.entries))
	for i, e := range q.entries {
		out[i] = e.label
	}
	return out
}
