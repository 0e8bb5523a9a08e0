// Package resource wraps native GPU allocations with per-subresource state
// tracking and stable handles.
//
// Every Resource remembers the pipeline state of each of its subresources as
// of the end of the last submitted work that touched it. Command lists read
// that state when they resolve their first-use transitions at submission and
// write it back once the list is submitted, so the tracked state always
// matches the GPU state after the owning list executes.
//
// Resources live in a Registry arena and are addressed by Handle, an index
// plus generation, so that stale handles are detected instead of aliasing a
// newer resource in the same slot.
package resource

import (
	"fmt"
	"sync"

	"github.com/gogpu/rendercore/backend"
	"github.com/gogpu/rendercore/fence"
)

// AllSubresources addresses every subresource of a resource.
const AllSubresources = backend.AllSubresources

// Handle is a stable reference into a Registry. The zero Handle is invalid.
type Handle struct {
	index uint32
	gen   uint32
}

// Valid reports whether h was issued by a registry.
func (h Handle) Valid() bool { return h.gen != 0 }

// Index returns the arena slot.
func (h Handle) Index() uint32 { return h.index }

// String formats the handle as index.generation.
func (h Handle) String() string { return fmt.Sprintf("%d.%d", h.index, h.gen) }

// Transitioner records state transitions on behalf of a command list.
type Transitioner interface {
	Transition(r *Resource, subresource uint32, dest backend.ResourceState)
	UavBarrier(r *Resource)
}

// Resource is a native allocation with tracked subresource states.
type Resource struct {
	handle Handle
	name   string
	native backend.Resource
	desc   backend.ResourceDesc
	owned  bool

	mu       sync.Mutex
	states   []backend.ResourceState
	lastUse  [backend.QueueTypeCount]uint64
	pending  int
	released bool
}

func newResource(name string, native backend.Resource, initial backend.ResourceState, owned bool) *Resource {
	desc := native.Desc()
	n := desc.SubresourceCount()
	r := &Resource{
		name:   name,
		native: native,
		desc:   desc,
		owned:  owned,
		states: make([]backend.ResourceState, n),
	}
	for i := range r.states {
		r.states[i] = initial
	}
	return r
}

// Handle returns the registry handle.
func (r *Resource) Handle() Handle { return r.handle }

// Name returns the display name.
func (r *Resource) Name() string { return r.name }

// Native returns the backend allocation.
func (r *Resource) Native() backend.Resource { return r.native }

// Desc returns the creation descriptor.
func (r *Resource) Desc() backend.ResourceDesc { return r.desc }

// GPUAddress returns the buffer virtual address.
func (r *Resource) GPUAddress() uint64 { return r.native.GPUAddress() }

// SubresourceCount returns the number of tracked subresources.
func (r *Resource) SubresourceCount() uint32 { return uint32(len(r.states)) }

// Transition requests dest for subresource on the list recorded by t.
func (r *Resource) Transition(t Transitioner, subresource uint32, dest backend.ResourceState) {
	t.Transition(r, subresource, dest)
}

// UavBarrier injects an unordered-access barrier on the list recorded by t.
func (r *Resource) UavBarrier(t Transitioner) {
	t.UavBarrier(r)
}

// State returns the tracked state of subresource.
func (r *Resource) State(subresource uint32) backend.ResourceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[r.checkSub(subresource)]
}

// States returns a copy of every subresource state.
func (r *Resource) States() []backend.ResourceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]backend.ResourceState(nil), r.states...)
}

// Uniform returns the common state of all subresources and whether they
// agree.
func (r *Resource) Uniform() (backend.ResourceState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.states[0]
	for _, v := range r.states[1:] {
		if v != s {
			return s, false
		}
	}
	return s, true
}

// Exchange sets subresource to next and returns the previous state. It is
// called by the submitting command-list pool, which serializes submissions.
func (r *Resource) Exchange(subresource uint32, next backend.ResourceState) backend.ResourceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.checkSub(subresource)
	prev := r.states[i]
	r.states[i] = next
	return prev
}

// MarkUsed records that work signaled at p references r.
func (r *Resource) MarkUsed(p fence.Point) {
	r.mu.Lock()
	if p.Value > r.lastUse[p.Queue] {
		r.lastUse[p.Queue] = p.Value
	}
	r.mu.Unlock()
}

// Pin records that an unsubmitted command list references r. Until the
// matching Unpin, a released r is not destroyed.
func (r *Resource) Pin() {
	r.mu.Lock()
	r.pending++
	r.mu.Unlock()
}

// Unpin drops a reference taken by Pin. The list either was submitted, and
// its fence point recorded with MarkUsed first, or was discarded.
func (r *Resource) Unpin() {
	r.mu.Lock()
	if r.pending == 0 {
		r.mu.Unlock()
		panic(fmt.Sprintf("resource: %q unpinned more often than pinned", r.name))
	}
	r.pending--
	r.mu.Unlock()
}

// Uses implements fence.User.
func (r *Resource) Uses() ([]fence.Point, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastUseLocked(), r.pending > 0
}

// LastUse returns the latest fence point on every queue that used r.
func (r *Resource) LastUse() []fence.Point {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastUseLocked()
}

func (r *Resource) lastUseLocked() []fence.Point {
	var out []fence.Point
	for q, v := range r.lastUse {
		if v != 0 {
			out = append(out, fence.Point{Queue: backend.QueueType(q), Value: v})
		}
	}
	return out
}

// Released reports whether Release was called.
func (r *Resource) Released() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.released
}

func (r *Resource) checkSub(sub uint32) uint32 {
	if sub >= uint32(len(r.states)) {
		panic(fmt.Sprintf("resource: %q subresource %d out of range [0,%d)", r.name, sub, len(r.states)))
	}
	return sub
}
