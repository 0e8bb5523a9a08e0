package cmdlist

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/gogpu/rendercore/backend"
	"github.com/gogpu/rendercore/resource"
)

// ErrUnrecordedList is the panic value for lists used outside recording.
var ErrUnrecordedList = errors.New("cmdlist: command list is not recording")

type listState uint8

const (
	stateIdle listState = iota
	stateRecording
	stateSubmitted
)

func (s listState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateRecording:
		return "recording"
	case stateSubmitted:
		return "submitted"
	default:
		return fmt.Sprintf("listState(%d)", s)
	}
}

// trackKey identifies one subresource.
type trackKey struct {
	h   resource.Handle
	sub uint32
}

// track is the list-local view of one subresource.
//
// Until the first barrier flush the state before the list is unknown and
// want is the pending first-use state. The flush seals it: initial is then
// resolved against the tracked global state at submission, and later
// transitions are emitted inline relative to state.
type track struct {
	res     *resource.Resource
	sealed  bool
	initial backend.ResourceState
	state   backend.ResourceState
	want    backend.ResourceState
	dirty   bool
}

// CommandList is a pooled native command list with lazy transition
// bookkeeping. It is used by one goroutine at a time.
type CommandList struct {
	pool   *Pool
	queue  backend.QueueType
	native backend.CommandList
	id     int

	label     string
	state     listState
	gen       atomic.Uint64
	fence     atomic.Uint64
	submitted atomic.Bool

	tracks   map[trackKey]*track
	dirty    []trackKey
	sealed   []trackKey
	uavs     []*resource.Resource
	touched  map[resource.Handle]*resource.Resource
	batch    []backend.Barrier
	merge    coalescer
	freeTrk  []*track
	barriers int

	callbacks []func()
}

func newCommandList(p *Pool, q backend.QueueType, native backend.CommandList, id int) *CommandList {
	return &CommandList{
		pool:    p,
		queue:   q,
		native:  native,
		id:      id,
		tracks:  make(map[trackKey]*track),
		touched: make(map[resource.Handle]*resource.Resource),
	}
}

// QueueType returns the queue the list records for.
func (c *CommandList) QueueType() backend.QueueType { return c.queue }

// Label returns the name given at Fetch.
func (c *CommandList) Label() string { return c.label }

// Native returns the backend list. Commands recorded on it directly bypass
// barrier flushing; prefer Record.
func (c *CommandList) Native() backend.CommandList { return c.native }

// FenceValue returns the fence value of the last submission, zero before
// the first one.
func (c *CommandList) FenceValue() uint64 { return c.fence.Load() }

// Generation changes each time the list is fetched or discarded.
func (c *CommandList) Generation() uint64 { return c.gen.Load() }

// Recording reports whether the list accepts commands.
func (c *CommandList) Recording() bool { return c.state == stateRecording }

// BarrierCount returns how many barriers the list emitted since Fetch,
// excluding the submission prologue.
func (c *CommandList) BarrierCount() int { return c.barriers }

// Ticket returns a dependency that retires with the current use of the list.
func (c *CommandList) Ticket() Ticket {
	return Ticket{list: c, gen: c.gen.Load(), label: c.label}
}

// OnExecuted registers fn to run once the GPU has finished this use of the
// list. Callbacks run in registration order, exactly once.
func (c *CommandList) OnExecuted(fn func()) {
	c.mustRecord("OnExecuted")
	if fn != nil {
		c.callbacks = append(c.callbacks, fn)
	}
}

func (c *CommandList) mustRecord(op string) {
	if c.state != stateRecording {
		panic(fmt.Errorf("%w: %s on %q (%v)", ErrUnrecordedList, op, c.label, c.state))
	}
}

// reset prepares the list for a new use. Maps are cleared, not reallocated.
func (c *CommandList) reset(label string) error {
	if err := c.native.Reset(label); err != nil {
		return err
	}
	for _, t := range c.tracks {
		*t = track{}
		c.freeTrk = append(c.freeTrk, t)
	}
	clear(c.tracks)
	clear(c.touched)
	c.dirty = c.dirty[:0]
	c.sealed = c.sealed[:0]
	c.uavs = c.uavs[:0]
	c.batch = c.batch[:0]
	c.callbacks = c.callbacks[:0]
	c.barriers = 0
	c.label = label
	c.state = stateRecording
	c.submitted.Store(false)
	c.gen.Add(1)
	return nil
}

// Transition requests dest for subresource of r. Requests are last-writer-
// wins until the next barrier flush, and a request equal to the state the
// list already established emits nothing.
func (c *CommandList) Transition(r *resource.Resource, subresource uint32, dest backend.ResourceState) {
	c.mustRecord("Transition")
	c.touch(r)
	if subresource == resource.AllSubresources {
		for s := range r.SubresourceCount() {
			c.request(r, s, dest)
		}
		return
	}
	if subresource >= r.SubresourceCount() {
		panic(fmt.Sprintf("cmdlist: %q subresource %d out of range [0,%d)", r.Name(), subresource, r.SubresourceCount()))
	}
	c.request(r, subresource, dest)
}

func (c *CommandList) request(r *resource.Resource, sub uint32, dest backend.ResourceState) {
	k := trackKey{r.Handle(), sub}
	t, ok := c.tracks[k]
	if !ok {
		t = c.newTrack()
		t.res = r
		c.tracks[k] = t
	}
	t.want = dest
	if !t.dirty {
		t.dirty = true
		c.dirty = append(c.dirty, k)
	}
}

func (c *CommandList) newTrack() *track {
	if n := len(c.freeTrk); n > 0 {
		t := c.freeTrk[n-1]
		c.freeTrk = c.freeTrk[:n-1]
		return t
	}
	return &track{}
}

// UavBarrier injects an unordered-access barrier on r at the next flush,
// regardless of tracked state.
func (c *CommandList) UavBarrier(r *resource.Resource) {
	c.mustRecord("UavBarrier")
	c.touch(r)
	c.uavs = append(c.uavs, r)
}

// touch pins r for the first reference of this use so that releasing it
// waits for the list to be submitted or discarded.
func (c *CommandList) touch(r *resource.Resource) {
	if _, ok := c.touched[r.Handle()]; ok {
		return
	}
	r.Pin()
	c.touched[r.Handle()] = r
}

// unpinAll drops the pins taken by touch.
func (c *CommandList) unpinAll() {
	for _, r := range c.touched {
		r.Unpin()
	}
	clear(c.touched)
}

// StateOf returns the state subresource of r will have at this point of
// the list, and false if the list has not touched it.
func (c *CommandList) StateOf(r *resource.Resource, subresource uint32) (backend.ResourceState, bool) {
	t, ok := c.tracks[trackKey{r.Handle(), subresource}]
	if !ok {
		return 0, false
	}
	return t.want, true
}

// FlushBarriers emits every batched barrier. Record and the copy helpers
// call it before recording work that depends on the requested states.
func (c *CommandList) FlushBarriers() {
	c.mustRecord("FlushBarriers")
	c.batch = c.batch[:0]
	for _, k := range c.dirty {
		t := c.tracks[k]
		t.dirty = false
		if !t.sealed {
			t.sealed = true
			t.initial = t.want
			t.state = t.want
			c.sealed = append(c.sealed, k)
			continue
		}
		if t.want == t.state {
			continue
		}
		c.batch = append(c.batch, backend.Barrier{
			Kind:        backend.BarrierTransition,
			Resource:    t.res.Native(),
			Subresource: k.sub,
			Before:      t.state,
			After:       t.want,
		})
		t.state = t.want
	}
	c.dirty = c.dirty[:0]

	c.batch = c.merge.coalesce(c.batch, subresourceCount)
	for _, r := range c.uavs {
		c.batch = append(c.batch, backend.Barrier{Kind: backend.BarrierUAV, Resource: r.Native()})
	}
	c.uavs = c.uavs[:0]

	if len(c.batch) > 0 {
		c.native.ResourceBarrier(c.batch)
		c.barriers += len(c.batch)
	}
}

func subresourceCount(r backend.Resource) uint32 {
	return r.Desc().SubresourceCount()
}

// Record flushes barriers and runs fn with the native list.
func (c *CommandList) Record(fn func(backend.CommandList)) {
	c.FlushBarriers()
	fn(c.native)
}

// Draw flushes barriers and records a draw on backends that support
// backend-neutral draws.
func (c *CommandList) Draw(label string, vertexCount, instanceCount uint32) error {
	c.FlushBarriers()
	d, ok := c.native.(backend.DrawRecorder)
	if !ok {
		return fmt.Errorf("cmdlist: draw %q: %w", label, backend.ErrUnsupported)
	}
	d.Draw(label, vertexCount, instanceCount)
	return nil
}

// Dispatch flushes barriers and records a compute dispatch.
func (c *CommandList) Dispatch(label string, x, y, z uint32) error {
	c.FlushBarriers()
	d, ok := c.native.(backend.DrawRecorder)
	if !ok {
		return fmt.Errorf("cmdlist: dispatch %q: %w", label, backend.ErrUnsupported)
	}
	d.Dispatch(label, x, y, z)
	return nil
}

// CopyBuffer transitions dst to the copy destination state and copies
// size bytes from the upload heap.
func (c *CommandList) CopyBuffer(dst *resource.Resource, dstOffset uint64, src backend.UploadHeap, srcOffset, size uint64) {
	c.Transition(dst, 0, backend.StateCopyDest)
	c.FlushBarriers()
	c.native.CopyBufferRegion(dst.Native(), dstOffset, src, srcOffset, size)
}

// CopyTexture transitions subresource of dst to the copy destination state
// and copies texel rows from the upload heap.
func (c *CommandList) CopyTexture(dst *resource.Resource, subresource uint32, src backend.UploadHeap, layout backend.TextureCopyLayout) {
	c.Transition(dst, subresource, backend.StateCopyDest)
	c.FlushBarriers()
	c.native.CopyTextureRegion(dst.Native(), subresource, src, layout)
}

// BeginEvent opens a debug marker.
func (c *CommandList) BeginEvent(name string) {
	c.mustRecord("BeginEvent")
	c.native.BeginEvent(name)
}

// EndEvent closes the innermost debug marker.
func (c *CommandList) EndEvent() {
	c.mustRecord("EndEvent")
	c.native.EndEvent()
}

// close flushes barriers and closes the native list.
func (c *CommandList) close() error {
	c.FlushBarriers()
	if err := c.native.Close(); err != nil {
		return fmt.Errorf("cmdlist: close %q: %w", c.label, err)
	}
	return nil
}

// resolve computes the barriers that bring every first-use subresource from
// its tracked global state to the state this list expects, then commits the
// list's final states as the new global states.
func (c *CommandList) resolve(out []backend.Barrier) []backend.Barrier {
	start := len(out)
	for _, k := range c.sealed {
		t := c.tracks[k]
		before := t.res.Exchange(k.sub, t.state)
		if before != t.initial {
			out = append(out, backend.Barrier{
				Kind:        backend.BarrierTransition,
				Resource:    t.res.Native(),
				Subresource: k.sub,
				Before:      before,
				After:       t.initial,
			})
		}
	}
	merged := c.merge.coalesce(out[start:], subresourceCount)
	return out[:start+len(merged)]
}
