package resource

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/rendercore/backend"
	"github.com/gogpu/rendercore/fence"
	"github.com/gogpu/rendercore/internal/logging"
)

// ErrStaleHandle is returned when a handle's slot was reused.
var ErrStaleHandle = errors.New("resource: stale handle")

type slot struct {
	res *Resource
	gen uint32
}

// Registry is an arena of resources addressed by stable handles.
//
// Registry is safe for concurrent use.
type Registry struct {
	dev    backend.Device
	retire *fence.RetirementQueue

	mu    sync.Mutex
	slots []slot
	free  []uint32
	live  int
}

// NewRegistry creates a registry that allocates on dev and defers
// destruction through retire.
func NewRegistry(dev backend.Device, retire *fence.RetirementQueue) *Registry {
	return &Registry{dev: dev, retire: retire}
}

// Create allocates a native resource in desc.InitialState.
func (g *Registry) Create(desc backend.ResourceDesc) (*Resource, error) {
	native, err := g.dev.CreateResource(desc)
	if err != nil {
		return nil, fmt.Errorf("resource: create %q: %w", desc.Label, err)
	}
	r := newResource(desc.Label, native, desc.InitialState, true)
	g.insert(r)
	logging.Logger().Debug("resource: created",
		"name", desc.Label, "handle", r.handle, "subresources", r.SubresourceCount(), "state", desc.InitialState)
	return r, nil
}

// Adopt tracks a resource owned elsewhere, such as a swap chain buffer.
// Releasing an adopted resource frees its handle without destroying it.
func (g *Registry) Adopt(name string, native backend.Resource, state backend.ResourceState) *Resource {
	r := newResource(name, native, state, false)
	g.insert(r)
	return r
}

func (g *Registry) insert(r *Resource) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var idx uint32
	if n := len(g.free); n > 0 {
		idx = g.free[n-1]
		g.free = g.free[:n-1]
	} else {
		idx = uint32(len(g.slots))
		g.slots = append(g.slots, slot{})
	}
	s := &g.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.res = r
	r.handle = Handle{index: idx, gen: s.gen}
	g.live++
}

// Lookup returns the resource for h.
func (g *Registry) Lookup(h Handle) (*Resource, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !h.Valid() || int(h.index) >= len(g.slots) {
		return nil, fmt.Errorf("%w: %v", ErrStaleHandle, h)
	}
	s := g.slots[h.index]
	if s.gen != h.gen || s.res == nil {
		return nil, fmt.Errorf("%w: %v", ErrStaleHandle, h)
	}
	return s.res, nil
}

// Len returns the number of live handles.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.live
}

// Release schedules r for destruction once no recording list references it
// and every fence point that used it has retired. Uses submitted after
// Release are honored. The handle stays valid until then. Releasing twice
// is a no-op.
func (g *Registry) Release(r *Resource) {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return
	}
	r.released = true
	r.mu.Unlock()

	g.retire.DeferUser(r.name, r, func() {
		if r.owned {
			g.dev.DestroyResource(r.native)
		}
		g.remove(r.handle)
		logging.Logger().Debug("resource: destroyed", "name", r.name, "handle", r.handle)
	})
}

func (g *Registry) remove(h Handle) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := &g.slots[h.index]
	if s.gen != h.gen {
		return
	}
	s.res = nil
	g.free = append(g.free, h.index)
	g.live--
}

// Each calls fn for every live resource in slot order.
func (g *Registry) Each(fn func(*Resource)) {
	g.mu.Lock()
	live := make([]*Resource, 0, g.live)
	for _, s := range g.slots {
		if s.res != nil {
			live = append(live, s.res)
		}
	}
	g.mu.Unlock()
	for _, r := range live {
		fn(r)
	}
}

// ReleaseAll releases every live resource. Used at teardown before the
// retirement queue is flushed.
func (g *Registry) ReleaseAll() {
	g.Each(g.Release)
}
