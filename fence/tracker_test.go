package fence

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gogpu/rendercore/backend"
)

// testFence is a native fence whose value is advanced by the test.
type testFence struct {
	mu    sync.Mutex
	value uint64
	cond  *sync.Cond
}

func newTestFence() *testFence {
	f := &testFence{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *testFence) CompletedValue() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

func (f *testFence) Wait(ctx context.Context, value uint64) error {
	done := make(chan struct{})
	go func() {
		f.mu.Lock()
		for f.value < value {
			f.cond.Wait()
		}
		f.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *testFence) complete(v uint64) {
	f.mu.Lock()
	f.value = v
	f.mu.Unlock()
	f.cond.Broadcast()
}

func TestNewTrackerNilFence(t *testing.T) {
	if _, err := NewTracker(backend.QueueGraphics, nil); !errors.Is(err, ErrNilFence) {
		t.Errorf("NewTracker(nil) error = %v, want ErrNilFence", err)
	}
}

func TestTrackerSignalMonotonic(t *testing.T) {
	tr, _ := NewTracker(backend.QueueGraphics, newTestFence())

	var prev uint64
	for i := 0; i < 10; i++ {
		v := tr.Signal()
		if v <= prev {
			t.Fatalf("Signal() = %d after %d, want strictly increasing", v, prev)
		}
		prev = v
	}
	if tr.Submitted() != 10 {
		t.Errorf("Submitted() = %d, want 10", tr.Submitted())
	}
}

func TestTrackerSignalConcurrent(t *testing.T) {
	tr, _ := NewTracker(backend.QueueCompute, newTestFence())

	const n = 200
	seen := make([]atomic.Bool, n+1)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v := tr.Signal()
			if seen[v].Swap(true) {
				t.Errorf("value %d handed out twice", v)
			}
		}()
	}
	wg.Wait()
	if tr.Submitted() != n {
		t.Errorf("Submitted() = %d, want %d", tr.Submitted(), n)
	}
}

func TestTrackerRetiredNeverExceedsSubmitted(t *testing.T) {
	f := newTestFence()
	tr, _ := NewTracker(backend.QueueGraphics, f)

	tr.Signal()
	tr.Signal()
	f.complete(100) // a misbehaving driver reports more than was submitted

	if got := tr.Completed(); got != 2 {
		t.Errorf("Completed() = %d, want clamped to 2", got)
	}
	if tr.IsRetired(3) {
		t.Error("IsRetired(3) = true for a value never submitted")
	}
}

func TestTrackerRetiredMonotonic(t *testing.T) {
	f := newTestFence()
	tr, _ := NewTracker(backend.QueueGraphics, f)
	for i := 0; i < 5; i++ {
		tr.Signal()
	}

	f.complete(4)
	if got := tr.Completed(); got != 4 {
		t.Fatalf("Completed() = %d, want 4", got)
	}
	f.complete(2)
	if got := tr.Completed(); got != 4 {
		t.Errorf("Completed() = %d after native went backwards, want 4", got)
	}
	if !tr.IsRetired(0) {
		t.Error("zero must always be retired")
	}
}

func TestTrackerWait(t *testing.T) {
	f := newTestFence()
	tr, _ := NewTracker(backend.QueueGraphics, f)
	v := tr.Signal()

	go func() {
		time.Sleep(10 * time.Millisecond)
		f.complete(v)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := tr.Wait(ctx, v); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if tr.LastRetired() != v {
		t.Errorf("LastRetired() = %d, want %d", tr.LastRetired(), v)
	}
}

func TestTrackerWaitNeverSubmitted(t *testing.T) {
	tr, _ := NewTracker(backend.QueueGraphics, newTestFence())
	if err := tr.Wait(context.Background(), 7); err == nil {
		t.Error("Wait() on unsubmitted value should fail instead of blocking")
	}
}

func TestTrackerWaitCanceled(t *testing.T) {
	tr, _ := NewTracker(backend.QueueGraphics, newTestFence())
	v := tr.Signal()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := tr.Wait(ctx, v); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want DeadlineExceeded", err)
	}
}

func TestSetIsRetired(t *testing.T) {
	gf := newTestFence()
	var set Set
	set[backend.QueueGraphics], _ = NewTracker(backend.QueueGraphics, gf)

	v := set[backend.QueueGraphics].Signal()
	p := set[backend.QueueGraphics].Point(v)
	if set.IsRetired(p) {
		t.Error("point retired before the fence reached it")
	}
	gf.complete(v)
	set.Poll()
	if !set.IsRetired(p) {
		t.Error("point not retired after the fence reached it")
	}
	if !set.IsRetired(Point{Queue: backend.QueueCopy, Value: 9}) {
		t.Error("points on queues without a tracker count as retired")
	}
	if got := p.String(); got != "graphics@1" {
		t.Errorf("Point.String() = %q", got)
	}
}
