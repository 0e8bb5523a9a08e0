package wgpu

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/rendercore/backend"
	"github.com/gogpu/wgpu/hal"
)

// pollInterval bounds a single HAL wait so that Fence.Wait can observe
// context cancellation.
const pollInterval = 10 * time.Millisecond

// Queue submits to the shared HAL queue.
type Queue struct {
	dev *Device
	typ backend.QueueType
}

var _ backend.Queue = (*Queue)(nil)

// Type returns the queue type.
func (q *Queue) Type() backend.QueueType { return q.typ }

// Submit executes closed lists in order. The HAL fence is signaled to
// value when they complete.
func (q *Queue) Submit(lists []backend.CommandList, fence backend.Fence, value uint64) error {
	if err := q.dev.check(); err != nil {
		return err
	}
	f, ok := fence.(*Fence)
	if !ok || f.dev != q.dev {
		return fmt.Errorf("wgpu: submit with foreign fence %T", fence)
	}
	bufs := make([]hal.CommandBuffer, 0, len(lists))
	for _, l := range lists {
		cl, ok := l.(*CommandList)
		if !ok || cl.dev != q.dev {
			return fmt.Errorf("wgpu: submit foreign command list %T", l)
		}
		if cl.recording || cl.buf == nil {
			return fmt.Errorf("wgpu: submit of unclosed command list %q", cl.label)
		}
		bufs = append(bufs, cl.buf)
	}

	q.dev.submitMu.Lock()
	defer q.dev.submitMu.Unlock()
	if err := q.dev.queue.Submit(bufs, f.native, value); err != nil {
		return q.dev.lose("submit", err)
	}
	f.submitted(value)
	return nil
}

// WaitFence is a no-op: all queue types execute in order on one HAL queue.
func (q *Queue) WaitFence(fence backend.Fence, value uint64) error {
	if _, ok := fence.(*Fence); !ok {
		return fmt.Errorf("wgpu: wait on foreign fence %T", fence)
	}
	return q.dev.check()
}

// Fence wraps a HAL timeline fence.
type Fence struct {
	dev    *Device
	native hal.Fence

	completed atomic.Uint64

	mu       sync.Mutex
	signaled uint64
	// pending holds submitted values above completed, ascending.
	pending []uint64
}

var _ backend.Fence = (*Fence)(nil)

func (f *Fence) submitted(value uint64) {
	f.mu.Lock()
	if value > f.signaled {
		f.signaled = value
		f.pending = append(f.pending, value)
	}
	f.mu.Unlock()
}

// CompletedValue polls the HAL for the highest reached submitted value.
func (f *Fence) CompletedValue() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.pending) > 0 {
		ok, err := f.dev.hal.Wait(f.native, f.pending[0], 0)
		if err != nil || !ok {
			break
		}
		f.completed.Store(f.pending[0])
		f.pending = f.pending[1:]
	}
	return f.completed.Load()
}

// Wait blocks until the fence reaches value, ctx is done or the device
// is lost.
func (f *Fence) Wait(ctx context.Context, value uint64) error {
	if f.completed.Load() >= value {
		return nil
	}
	for {
		if f.dev.lost.Load() {
			return backend.ErrDeviceLost
		}
		ok, err := f.dev.hal.Wait(f.native, value, pollInterval)
		if err != nil {
			return f.dev.lose("wait fence", err)
		}
		if ok {
			f.mu.Lock()
			for len(f.pending) > 0 && f.pending[0] <= value {
				f.pending = f.pending[1:]
			}
			if value > f.completed.Load() {
				f.completed.Store(value)
			}
			f.mu.Unlock()
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// Destroy releases the HAL fence. The fence must not be in use.
func (f *Fence) Destroy() {
	f.dev.hal.DestroyFence(f.native)
}
