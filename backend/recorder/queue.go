package recorder

import (
	"context"
	"fmt"
	"sync"

	"github.com/gogpu/rendercore/backend"
)

// EventKind classifies device log entries.
type EventKind uint8

// Event kinds.
const (
	EventSubmit EventKind = iota
	EventWait
	EventPresent
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventSubmit:
		return "submit"
	case EventWait:
		return "wait"
	case EventPresent:
		return "present"
	default:
		return fmt.Sprintf("EventKind(%d)", k)
	}
}

// Event is one entry of the device log.
type Event struct {
	Kind  EventKind
	Queue backend.QueueType
	// Lists are the labels of submitted command lists, in order.
	Lists []string
	Value uint64
}

// Submission is one Submit call as seen by a queue.
type Submission struct {
	Lists []*CommandList
	// Commands holds a snapshot of each list's commands taken at submit.
	Commands [][]Command
	Fence    *Fence
	Value    uint64
}

// Labels returns the labels of the submitted lists.
func (s Submission) Labels() []string {
	out := make([]string, len(s.Lists))
	for i, l := range s.Lists {
		out[i] = l.Label()
	}
	return out
}

// Queue records submissions in order.
type Queue struct {
	dev *Device
	typ backend.QueueType

	mu  sync.Mutex
	log []Submission
}

var _ backend.Queue = (*Queue)(nil)

// Type returns the queue type.
func (q *Queue) Type() backend.QueueType { return q.typ }

// Submit records lists and signals fence to value.
func (q *Queue) Submit(lists []backend.CommandList, fence backend.Fence, value uint64) error {
	if q.dev.lost.Load() {
		return backend.ErrDeviceLost
	}
	f, ok := fence.(*Fence)
	if fence != nil && !ok {
		return fmt.Errorf("recorder: foreign fence %T", fence)
	}

	sub := Submission{Fence: f, Value: value}
	for i, l := range lists {
		cl, ok := l.(*CommandList)
		if !ok {
			return fmt.Errorf("recorder: foreign command list %T at %d", l, i)
		}
		if cl.typ != q.typ {
			return fmt.Errorf("recorder: %v list %q submitted to %v queue", cl.typ, cl.label, q.typ)
		}
		if cl.recording {
			return fmt.Errorf("recorder: list %q submitted while recording", cl.label)
		}
		sub.Lists = append(sub.Lists, cl)
		sub.Commands = append(sub.Commands, cl.Commands())
		cl.submits++
	}

	q.mu.Lock()
	q.log = append(q.log, sub)
	q.mu.Unlock()
	q.dev.record(Event{Kind: EventSubmit, Queue: q.typ, Lists: sub.Labels(), Value: value})

	if f != nil {
		f.signal(value)
	}
	return nil
}

// WaitFence records a GPU-side wait.
func (q *Queue) WaitFence(fence backend.Fence, value uint64) error {
	if q.dev.lost.Load() {
		return backend.ErrDeviceLost
	}
	q.dev.record(Event{Kind: EventWait, Queue: q.typ, Value: value})
	return nil
}

// Submissions returns a copy of the queue log.
func (q *Queue) Submissions() []Submission {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Submission(nil), q.log...)
}

// SubmittedLabels returns every submitted list label in execution order.
func (q *Queue) SubmittedLabels() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []string
	for _, s := range q.log {
		out = append(out, s.Labels()...)
	}
	return out
}

// Executed returns every command executed on the queue in order.
func (q *Queue) Executed() []Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Command
	for _, s := range q.log {
		for _, cmds := range s.Commands {
			out = append(out, cmds...)
		}
	}
	return out
}

// Fence is a recording timeline fence.
type Fence struct {
	dev *Device

	mu      sync.Mutex
	value   uint64
	pending uint64
	changed chan struct{}
}

var _ backend.Fence = (*Fence)(nil)

// CompletedValue returns the completed value.
func (f *Fence) CompletedValue() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

// Pending returns the highest value signaled by a submission.
func (f *Fence) Pending() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending
}

// Wait blocks until the fence reaches value, ctx is done or the device is lost.
func (f *Fence) Wait(ctx context.Context, value uint64) error {
	for {
		f.mu.Lock()
		if f.value >= value {
			f.mu.Unlock()
			return nil
		}
		ch := f.changed
		f.mu.Unlock()

		select {
		case <-ch:
		case <-f.dev.lostCh:
			return backend.ErrDeviceLost
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Complete advances the fence to value. Lower values are ignored.
func (f *Fence) Complete(value uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if value <= f.value {
		return
	}
	f.value = value
	if value > f.pending {
		f.pending = value
	}
	close(f.changed)
	f.changed = make(chan struct{})
}

func (f *Fence) signal(value uint64) {
	f.mu.Lock()
	if value > f.pending {
		f.pending = value
	}
	f.mu.Unlock()
	if !f.dev.manual {
		f.Complete(value)
	}
}
