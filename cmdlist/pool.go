// Package cmdlist recycles native command lists across frames.
//
// A Pool keeps, per queue type, the lists that are free and the lists that
// were submitted and may still execute. A submitted list becomes free again
// only after the queue fence reaches the value it was submitted with, so a
// list handed out by Fetch never aliases work still running on the GPU.
//
// Resource transitions are recorded lazily on the list (see
// CommandList.Transition) and resolved at Submit against the state tracked
// on each resource, in submission order.
package cmdlist

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/rendercore/backend"
	"github.com/gogpu/rendercore/fence"
	"github.com/gogpu/rendercore/internal/logging"
)

// ErrPoolBroken is returned after a submission failed. The pool cannot know
// which work reached the GPU, so it refuses further use.
var ErrPoolBroken = errors.New("cmdlist: pool unusable after failed submission")

// Stats is a snapshot of pool occupancy.
type Stats struct {
	Created   [backend.QueueTypeCount]int
	Free      [backend.QueueTypeCount]int
	InFlight  [backend.QueueTypeCount]int
	Submits   uint64
	Prologues uint64
	Callbacks uint64
	Discards  uint64
}

// Pool hands out command lists per queue type.
//
// Fetch, Poll and Stats are safe for concurrent use. Submit calls are
// serialized.
type Pool struct {
	dev    backend.Device
	fences *fence.Set

	mu       sync.Mutex
	free     [backend.QueueTypeCount][]*CommandList
	inFlight [backend.QueueTypeCount][]*CommandList
	created  [backend.QueueTypeCount]int
	stats    Stats
	err      error

	submitMu sync.Mutex
	scratch  []backend.CommandList
	prologue []backend.Barrier
}

// NewPool creates a pool over dev. fences must hold a tracker for every
// queue type lists are fetched for.
func NewPool(dev backend.Device, fences *fence.Set) *Pool {
	return &Pool{dev: dev, fences: fences}
}

// Fences returns the trackers the pool signals.
func (p *Pool) Fences() *fence.Set { return p.fences }

// Fetch returns a recording list for queue q whose previous use has retired.
func (p *Pool) Fetch(q backend.QueueType) (*CommandList, error) {
	return p.FetchNamed(q, "")
}

// FetchNamed is Fetch with a debug label.
func (p *Pool) FetchNamed(q backend.QueueType, label string) (*CommandList, error) {
	if !q.Valid() || p.fences.Tracker(q) == nil {
		return nil, fmt.Errorf("cmdlist: no fence tracker for queue %v", q)
	}

	p.mu.Lock()
	if p.err != nil {
		err := p.err
		p.mu.Unlock()
		return nil, err
	}
	ready := p.collectLocked(q, nil)
	var cl *CommandList
	if free := p.free[q]; len(free) > 0 {
		// Oldest first, compacted in place to keep the backing array.
		cl = free[0]
		k := copy(free, free[1:])
		free[k] = nil
		p.free[q] = free[:k]
	}
	p.mu.Unlock()
	p.runCallbacks(ready)

	if cl == nil {
		native, err := p.dev.CreateCommandList(q)
		if err != nil {
			return nil, fmt.Errorf("cmdlist: create %v list: %w", q, err)
		}
		p.mu.Lock()
		p.created[q]++
		id := p.created[q]
		p.mu.Unlock()
		cl = newCommandList(p, q, native, id)
		logging.Logger().Debug("cmdlist: created", "queue", q, "id", id)
	}

	if label == "" {
		label = fmt.Sprintf("%v#%d", q, cl.id)
	}
	if err := cl.reset(label); err != nil {
		p.mu.Lock()
		p.free[q] = append(p.free[q], cl)
		p.mu.Unlock()
		return nil, fmt.Errorf("cmdlist: reset %q: %w", label, err)
	}
	return cl, nil
}

// collectLocked moves retired lists of queue q to the free list and appends
// their callbacks to ready. Lists retire in submission order.
func (p *Pool) collectLocked(q backend.QueueType, ready []func()) []func() {
	t := p.fences.Tracker(q)
	lists := p.inFlight[q]
	n := 0
	for n < len(lists) && t.IsRetired(lists[n].fence.Load()) {
		cl := lists[n]
		ready = append(ready, cl.callbacks...)
		cl.callbacks = cl.callbacks[:0]
		cl.state = stateIdle
		p.free[q] = append(p.free[q], cl)
		n++
	}
	if n > 0 {
		k := copy(lists, lists[n:])
		clear(lists[k:])
		p.inFlight[q] = lists[:k]
		p.stats.Callbacks += uint64(len(ready))
	}
	return ready
}

func (p *Pool) runCallbacks(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

// Poll recycles every retired list and runs its post-execute callbacks.
// It returns the number of callbacks run.
func (p *Pool) Poll() int {
	p.mu.Lock()
	var ready []func()
	for _, q := range backend.QueueTypes() {
		if p.fences.Tracker(q) != nil {
			ready = p.collectLocked(q, ready)
		}
	}
	p.mu.Unlock()
	p.runCallbacks(ready)
	return len(ready)
}

// Submit closes lists, resolves their first-use transitions and submits
// them to queue q in the given order. It returns the fence value that
// marks their completion.
//
// Submitting a list that is not recording, or that belongs to another
// queue, panics with ErrUnrecordedList.
func (p *Pool) Submit(q backend.QueueType, lists ...*CommandList) (uint64, error) {
	p.submitMu.Lock()
	defer p.submitMu.Unlock()

	p.mu.Lock()
	err := p.err
	p.mu.Unlock()
	if err != nil {
		return 0, err
	}
	t := p.fences.Tracker(q)
	if t == nil {
		return 0, fmt.Errorf("cmdlist: no fence tracker for queue %v", q)
	}
	for i, cl := range lists {
		if cl == nil || cl.pool != p || cl.queue != q || cl.state != stateRecording {
			panic(unrecorded(cl, q))
		}
		for _, prev := range lists[:i] {
			if prev == cl {
				panic(fmt.Errorf("%w: %q submitted twice in one batch", ErrUnrecordedList, cl.label))
			}
		}
	}

	for _, cl := range lists {
		if err := cl.close(); err != nil {
			return 0, p.fail(err)
		}
	}

	// Prologue lists carry the barriers that bring each first-use
	// subresource from its tracked state to what the list expects.
	natives := p.scratch[:0]
	var extra []*CommandList
	for _, cl := range lists {
		p.prologue = cl.resolve(p.prologue[:0])
		if len(p.prologue) > 0 {
			pro, err := p.fetchPrologue(q, cl.label)
			if err != nil {
				return 0, p.fail(err)
			}
			pro.native.ResourceBarrier(p.prologue)
			if err := pro.native.Close(); err != nil {
				return 0, p.fail(fmt.Errorf("cmdlist: close prologue of %q: %w", cl.label, err))
			}
			natives = append(natives, pro.native)
			extra = append(extra, pro)
		}
		natives = append(natives, cl.native)
	}

	value := t.Signal()
	err = p.dev.Queue(q).Submit(natives, t.Native(), value)
	clear(natives)
	p.scratch = natives[:0]
	if err != nil {
		logging.Logger().Error("cmdlist: submit failed", "queue", q, "value", value, "err", err)
		return 0, p.fail(fmt.Errorf("cmdlist: submit %d lists to %v: %w", len(lists), q, err))
	}

	point := t.Point(value)
	p.mu.Lock()
	for _, pro := range extra {
		pro.markSubmitted(value)
		p.inFlight[q] = append(p.inFlight[q], pro)
	}
	for _, cl := range lists {
		cl.markSubmitted(value)
		for _, r := range cl.touched {
			r.MarkUsed(point)
		}
		cl.unpinAll()
		p.inFlight[q] = append(p.inFlight[q], cl)
	}
	p.stats.Submits++
	p.stats.Prologues += uint64(len(extra))
	p.mu.Unlock()

	return value, nil
}

func unrecorded(cl *CommandList, q backend.QueueType) error {
	if cl == nil {
		return fmt.Errorf("%w: nil list submitted to %v", ErrUnrecordedList, q)
	}
	if cl.queue != q {
		return fmt.Errorf("%w: %v list %q submitted to %v", ErrUnrecordedList, cl.queue, cl.label, q)
	}
	return fmt.Errorf("%w: %q is %v", ErrUnrecordedList, cl.label, cl.state)
}

func (c *CommandList) markSubmitted(value uint64) {
	c.fence.Store(value)
	c.state = stateSubmitted
	c.submitted.Store(true)
}

// Discard closes a recording list without submitting it and returns it to
// the pool. Its callbacks are dropped and its tickets retire immediately.
func (p *Pool) Discard(cl *CommandList) {
	if cl == nil || cl.pool != p || cl.state != stateRecording {
		panic(unrecorded(cl, cl.queueOr(backend.QueueGraphics)))
	}
	if err := cl.native.Close(); err != nil {
		logging.Logger().Warn("cmdlist: close discarded list", "label", cl.label, "err", err)
	}
	cl.callbacks = cl.callbacks[:0]
	cl.unpinAll()
	cl.state = stateIdle
	cl.gen.Add(1)

	p.mu.Lock()
	p.free[cl.queue] = append(p.free[cl.queue], cl)
	p.stats.Discards++
	p.mu.Unlock()
}

func (c *CommandList) queueOr(q backend.QueueType) backend.QueueType {
	if c == nil {
		return q
	}
	return c.queue
}

// fetchPrologue returns a list that only carries barriers.
func (p *Pool) fetchPrologue(q backend.QueueType, owner string) (*CommandList, error) {
	return p.FetchNamed(q, owner+"/prologue")
}

func (p *Pool) fail(err error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		p.err = fmt.Errorf("%w: %w", ErrPoolBroken, err)
	}
	return err
}

// Err returns the error that broke the pool, if any.
func (p *Pool) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// WaitForQueue makes work submitted to waiting after this call wait on the
// GPU until producer reaches value.
func (p *Pool) WaitForQueue(waiting, producer backend.QueueType, value uint64) error {
	t := p.fences.Tracker(producer)
	if t == nil {
		return fmt.Errorf("cmdlist: no fence tracker for queue %v", producer)
	}
	if value > t.Submitted() {
		return fmt.Errorf("cmdlist: wait for %v which was never submitted", t.Point(value))
	}
	if err := p.dev.Queue(waiting).WaitFence(t.Native(), value); err != nil {
		return fmt.Errorf("cmdlist: %v wait for %v: %w", waiting, t.Point(value), err)
	}
	return nil
}

// Flush blocks until every queue is idle and recycles all lists.
func (p *Pool) Flush(ctx context.Context) error {
	if err := p.fences.WaitIdle(ctx); err != nil {
		return fmt.Errorf("cmdlist: flush: %w", err)
	}
	p.Poll()
	return nil
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Created = p.created
	for q := range backend.QueueTypeCount {
		s.Free[q] = len(p.free[q])
		s.InFlight[q] = len(p.inFlight[q])
	}
	return s
}
