// Package profiling emits CPU and GPU event markers to pluggable hooks.
//
// Hooks are external code: a panic inside a hook is recovered and logged,
// and never reaches the renderer. A nil *Profiler is valid and does nothing.
package profiling

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/rendercore/backend"
	"github.com/gogpu/rendercore/cmdlist"
	"github.com/gogpu/rendercore/internal/logging"
)

// Kind distinguishes CPU from GPU events.
type Kind uint8

// Event kinds.
const (
	KindCPU Kind = iota
	KindGPU
)

// Event is one closed marker.
type Event struct {
	Kind  Kind
	Group string
	Name  string
	Frame uint64
	Begin time.Time
	End   time.Time

	// Queue and FenceValue identify the submission of a GPU event.
	Queue      backend.QueueType
	FenceValue uint64
}

// Duration returns End minus Begin.
func (e Event) Duration() time.Duration { return e.End.Sub(e.Begin) }

// Hook receives events. Calls may come from any goroutine.
type Hook interface {
	Event(Event)
}

// HookFunc adapts a function to Hook.
type HookFunc func(Event)

// Event calls f.
func (f HookFunc) Event(e Event) { f(e) }

// Profiler fans events out to hooks.
type Profiler struct {
	hooks []Hook
	frame atomic.Uint64

	capturing atomic.Bool
	captures  atomic.Uint64
	panics    atomic.Uint64
}

// New creates a profiler with hooks.
func New(hooks ...Hook) *Profiler {
	return &Profiler{hooks: hooks}
}

// Frame returns the current frame number.
func (p *Profiler) Frame() uint64 {
	if p == nil {
		return 0
	}
	return p.frame.Load()
}

// Flip advances the frame number.
func (p *Profiler) Flip() {
	if p != nil {
		p.frame.Add(1)
	}
}

// CPUEvent opens a CPU marker and returns the function that closes it.
func (p *Profiler) CPUEvent(group, name string) func() {
	if p == nil || len(p.hooks) == 0 {
		return func() {}
	}
	e := Event{Kind: KindCPU, Group: group, Name: name, Frame: p.frame.Load(), Begin: time.Now()}
	return func() {
		e.End = time.Now()
		p.emit(e)
	}
}

// GPUEvent brackets commands on cl with debug markers. The event is
// reported once the GPU has executed the list.
func (p *Profiler) GPUEvent(cl *cmdlist.CommandList, name string) func() {
	if p == nil {
		return func() {}
	}
	cl.BeginEvent(name)
	e := Event{Kind: KindGPU, Group: cl.Label(), Name: name, Frame: p.frame.Load(), Begin: time.Now(), Queue: cl.QueueType()}
	return func() {
		cl.EndEvent()
		if len(p.hooks) == 0 {
			return
		}
		tk := cl.Ticket()
		cl.OnExecuted(func() {
			e.End = time.Now()
			e.FenceValue = tk.FenceValue()
			p.emit(e)
		})
	}
}

// BeginCapture starts a programmatic capture window.
func (p *Profiler) BeginCapture() {
	if p != nil && p.capturing.CompareAndSwap(false, true) {
		logging.Logger().Info("profiling: capture started", "frame", p.frame.Load())
	}
}

// EndCapture ends the capture window.
func (p *Profiler) EndCapture() {
	if p != nil && p.capturing.CompareAndSwap(true, false) {
		p.captures.Add(1)
		logging.Logger().Info("profiling: capture ended", "frame", p.frame.Load())
	}
}

// Capturing reports whether a capture window is open.
func (p *Profiler) Capturing() bool { return p != nil && p.capturing.Load() }

// Captures returns the number of completed captures.
func (p *Profiler) Captures() uint64 {
	if p == nil {
		return 0
	}
	return p.captures.Load()
}

// HookPanics returns how many hook panics were recovered.
func (p *Profiler) HookPanics() uint64 {
	if p == nil {
		return 0
	}
	return p.panics.Load()
}

func (p *Profiler) emit(e Event) {
	for _, h := range p.hooks {
		p.call(h, e)
	}
}

func (p *Profiler) call(h Hook, e Event) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			logging.Logger().Warn("profiling: hook panicked", "event", e.Name, "panic", r)
		}
	}()
	h.Event(e)
}

// Collector is a Hook that keeps every event in memory.
type Collector struct {
	mu     sync.Mutex
	events []Event
}

// Event stores e.
func (c *Collector) Event(e Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

// Events returns the collected events in arrival order.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// Reset drops collected events.
func (c *Collector) Reset() {
	c.mu.Lock()
	c.events = c.events[:0]
	c.mu.Unlock()
}
