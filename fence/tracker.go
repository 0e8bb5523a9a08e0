// Package fence tracks GPU-side completion of submitted work.
//
// Every queue owns one Tracker wrapping a native timeline fence. Values are
// reserved with Signal when work is submitted and observed as retired once
// the native fence reaches them. The retired value never exceeds the
// submitted value and never moves backwards.
package fence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/rendercore/backend"
)

// ErrNilFence is returned when a tracker is built without a native fence.
var ErrNilFence = errors.New("fence: native fence is nil")

// Point is a fence value on a specific queue.
type Point struct {
	Queue backend.QueueType
	Value uint64
}

// String formats the point as queue@value.
func (p Point) String() string {
	return fmt.Sprintf("%v@%d", p.Queue, p.Value)
}

// Tracker is a per-queue monotonically increasing counter.
//
// Tracker is safe for concurrent use.
type Tracker struct {
	queue  backend.QueueType
	native backend.Fence

	mu        sync.Mutex // serializes Signal so values are handed out in order
	submitted atomic.Uint64
	retired   atomic.Uint64
}

// NewTracker creates a tracker for queue over the native fence, which must
// start at zero.
func NewTracker(queue backend.QueueType, native backend.Fence) (*Tracker, error) {
	if native == nil {
		return nil, ErrNilFence
	}
	return &Tracker{queue: queue, native: native}, nil
}

// Queue returns the queue this tracker belongs to.
func (t *Tracker) Queue() backend.QueueType { return t.queue }

// Native returns the wrapped native fence.
func (t *Tracker) Native() backend.Fence { return t.native }

// Signal reserves and returns the next fence value.
func (t *Tracker) Signal() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.submitted.Add(1)
}

// Submitted returns the last reserved value.
func (t *Tracker) Submitted() uint64 { return t.submitted.Load() }

// Completed polls the native fence and returns the retired value.
func (t *Tracker) Completed() uint64 {
	v := t.native.CompletedValue()
	if s := t.submitted.Load(); v > s {
		v = s
	}
	for {
		cur := t.retired.Load()
		if v <= cur {
			return cur
		}
		if t.retired.CompareAndSwap(cur, v) {
			return v
		}
	}
}

// LastRetired returns the retired value without polling the native fence.
func (t *Tracker) LastRetired() uint64 { return t.retired.Load() }

// IsRetired reports whether value has completed on the GPU. Zero is always
// retired; it marks work that was never submitted.
func (t *Tracker) IsRetired(value uint64) bool {
	if value <= t.retired.Load() {
		return true
	}
	return value <= t.Completed()
}

// Point returns the fence point for value on this tracker's queue.
func (t *Tracker) Point(value uint64) Point {
	return Point{Queue: t.queue, Value: value}
}

// Wait blocks until value has retired or ctx is done.
func (t *Tracker) Wait(ctx context.Context, value uint64) error {
	if t.IsRetired(value) {
		return nil
	}
	if value > t.submitted.Load() {
		return fmt.Errorf("fence: wait for %v which was never submitted (submitted %d)",
			t.Point(value), t.submitted.Load())
	}
	if err := t.native.Wait(ctx, value); err != nil {
		return fmt.Errorf("fence: wait for %v: %w", t.Point(value), err)
	}
	t.Completed()
	return nil
}

// WaitIdle blocks until every submitted value has retired.
func (t *Tracker) WaitIdle(ctx context.Context) error {
	return t.Wait(ctx, t.submitted.Load())
}

// Set groups one tracker per queue type.
type Set [backend.QueueTypeCount]*Tracker

// NewSet creates a fence starting at zero and a tracker for every queue
// type of dev.
func NewSet(dev backend.Device) (*Set, error) {
	var s Set
	for _, q := range backend.QueueTypes() {
		native, err := dev.CreateFence(0)
		if err != nil {
			return nil, fmt.Errorf("fence: create %v fence: %w", q, err)
		}
		s[q], _ = NewTracker(q, native)
	}
	return &s, nil
}

// Tracker returns the tracker of queue q, or nil.
func (s *Set) Tracker(q backend.QueueType) *Tracker {
	if !q.Valid() {
		return nil
	}
	return s[q]
}

// IsRetired reports whether p has retired. Points on queues without a
// tracker are treated as retired.
func (s *Set) IsRetired(p Point) bool {
	if !p.Queue.Valid() || s[p.Queue] == nil {
		return true
	}
	return s[p.Queue].IsRetired(p.Value)
}

// Poll refreshes every tracker's retired value.
func (s *Set) Poll() {
	for _, t := range s {
		if t != nil {
			t.Completed()
		}
	}
}

// WaitIdle waits for every queue to drain.
func (s *Set) WaitIdle(ctx context.Context) error {
	for _, t := range s {
		if t == nil {
			continue
		}
		if err := t.WaitIdle(ctx); err != nil {
			return err
		}
	}
	return nil
}
