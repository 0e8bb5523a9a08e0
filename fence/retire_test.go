package fence

import (
	"slices"
	"testing"

	"github.com/gogpu/rendercore/backend"
)

func TestRetirementQueueWaitsForAllPoints(t *testing.T) {
	gf, cf := newTestFence(), newTestFence()
	var set Set
	set[backend.QueueGraphics], _ = NewTracker(backend.QueueGraphics, gf)
	set[backend.QueueCompute], _ = NewTracker(backend.QueueCompute, cf)

	gv := set[backend.QueueGraphics].Signal()
	cv := set[backend.QueueCompute].Signal()

	var q RetirementQueue
	ran := false
	q.Defer("texture", []Point{
		set[backend.QueueGraphics].Point(gv),
		set[backend.QueueCompute].Point(cv),
	}, func() { ran = true })

	if n := q.Drain(&set); n != 0 || ran {
		t.Fatalf("Drain() ran %d entries before any fence retired", n)
	}
	gf.complete(gv)
	if n := q.Drain(&set); n != 0 || ran {
		t.Fatalf("Drain() ran %d entries with compute still in flight", n)
	}
	cf.complete(cv)
	if n := q.Drain(&set); n != 1 || !ran {
		t.Fatalf("Drain() = %d, ran = %v, want 1, true", n, ran)
	}
	if q.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", q.Pending())
	}
}

func TestRetirementQueueOrderAndZeroPoints(t *testing.T) {
	var set Set
	var q RetirementQueue
	var order []string

	q.Defer("a", nil, func() { order = append(order, "a") })
	q.Defer("b", []Point{{Queue: backend.QueueGraphics, Value: 0}}, func() { order = append(order, "b") })
	q.Defer("nil-fn", nil, nil)

	if got := q.Labels(); !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("Labels() = %v", got)
	}
	q.Drain(&set)
	if !slices.Equal(order, []string{"a", "b"}) {
		t.Errorf("run order = %v, want [a b]", order)
	}
}

func TestRetirementQueueFlush(t *testing.T) {
	gf := newTestFence()
	var set Set
	set[backend.QueueGraphics], _ = NewTracker(backend.QueueGraphics, gf)
	v := set[backend.QueueGraphics].Signal()

	var q RetirementQueue
	count := 0
	for i := 0; i < 3; i++ {
		q.Defer("buf", []Point{{Queue: backend.QueueGraphics, Value: v}}, func() { count++ })
	}
	if n := q.Flush(); n != 3 || count != 3 {
		t.Errorf("Flush() = %d, count = %d, want 3, 3", n, count)
	}
}

func TestRetirementQueueReentrantDefer(t *testing.T) {
	var set Set
	var q RetirementQueue
	q.Defer("outer", nil, func() {
		q.Defer("inner", nil, func() {})
	})
	if n := q.Drain(&set); n != 1 {
		t.Fatalf("Drain() = %d, want 1", n)
	}
	if q.Pending() != 1 {
		t.Errorf("Pending() = %d, want the inner entry queued", q.Pending())
	}
}

type fakeUser struct {
	points []Point
	busy   bool
}

func (u *fakeUser) Uses() ([]Point, bool) { return u.points, u.busy }

func TestRetirementQueueDeferUserReadsUsesAtDrain(t *testing.T) {
	gf := newTestFence()
	var set Set
	set[backend.QueueGraphics], _ = NewTracker(backend.QueueGraphics, gf)

	var q RetirementQueue
	u := &fakeUser{busy: true}
	ran := false
	q.DeferUser("texture", u, func() { ran = true })

	if n := q.Drain(&set); n != 0 || ran {
		t.Fatalf("Drain() ran %d entries while the user was busy", n)
	}

	// A use submitted after the entry was deferred still holds it back.
	v := set[backend.QueueGraphics].Signal()
	u.points = []Point{set[backend.QueueGraphics].Point(v)}
	u.busy = false
	if n := q.Drain(&set); n != 0 || ran {
		t.Fatalf("Drain() ran %d entries before the late use retired", n)
	}

	gf.complete(v)
	if n := q.Drain(&set); n != 1 || !ran {
		t.Fatalf("Drain() = %d, ran = %v, want 1, true", n, ran)
	}
}
