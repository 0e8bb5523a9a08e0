package bindless

import (
	"fmt"
	"sync"

	"github.com/gogpu/rendercore/backend"
	"github.com/gogpu/rendercore/internal/logging"
)

// Heap wraps a native descriptor heap with slot allocation and handle
// arithmetic.
type Heap struct {
	native backend.DescriptorHeap

	mu    sync.Mutex
	slots slotSet
}

// NewHeap creates a native heap of capacity slots on dev.
func NewHeap(dev backend.Device, t backend.DescriptorHeapType, capacity uint32, shaderVisible bool) (*Heap, error) {
	native, err := dev.CreateDescriptorHeap(t, capacity, shaderVisible)
	if err != nil {
		return nil, fmt.Errorf("bindless: create %v heap: %w", t, err)
	}
	return &Heap{native: native, slots: newSlotSet(capacity)}, nil
}

// Native returns the backend heap.
func (h *Heap) Native() backend.DescriptorHeap { return h.native }

// CPUDescriptor returns the CPU handle of slot index.
func (h *Heap) CPUDescriptor(index uint32) uint64 {
	return h.native.CPUStart() + uint64(index)*uint64(h.native.Increment())
}

// GPUDescriptor returns the GPU handle of slot index. Heaps that are not
// shader visible have no GPU handles.
func (h *Heap) GPUDescriptor(index uint32) (uint64, error) {
	if !h.native.ShaderVisible() {
		return 0, fmt.Errorf("bindless: %v heap is not shader visible", h.native.Type())
	}
	return h.native.GPUStart() + uint64(index)*uint64(h.native.Increment()), nil
}

// Allocate writes view into the lowest free slot.
func (h *Heap) Allocate(view backend.ViewDesc) (uint32, error) {
	h.mu.Lock()
	i, ok := h.slots.take()
	h.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %v heap holds %d", ErrOutOfDescriptors, h.native.Type(), h.native.Capacity())
	}
	if err := h.native.Write(i, view); err != nil {
		h.Free(i)
		return 0, fmt.Errorf("bindless: write %v slot %d: %w", h.native.Type(), i, err)
	}
	return i, nil
}

// Free releases slot index.
func (h *Heap) Free(index uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.slots.put(index) {
		return fmt.Errorf("%w: %v slot %d", ErrNotAllocated, h.native.Type(), index)
	}
	return nil
}

// Len returns the number of live slots.
func (h *Heap) Len() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.slots.used
}

// HeapCapacities sizes the render-target and depth-stencil heaps.
type HeapCapacities struct {
	RenderTarget uint32
	DepthStencil uint32
}

// Manager owns the shader-visible bindless heap and the render-target and
// depth-stencil heaps.
type Manager struct {
	table *Table
	srv   *Heap
	rtv   *Heap
	dsv   *Heap
}

// NewManager creates every heap on dev.
func NewManager(dev backend.Device, caps Capacities, heaps HeapCapacities) (*Manager, error) {
	table, err := NewTable(caps)
	if err != nil {
		return nil, err
	}
	native, err := dev.CreateDescriptorHeap(backend.HeapShaderResource, table.Total(), true)
	if err != nil {
		return nil, fmt.Errorf("bindless: create shader resource heap: %w", err)
	}
	m := &Manager{table: table, srv: &Heap{native: native}}
	if m.rtv, err = NewHeap(dev, backend.HeapRenderTarget, heaps.RenderTarget, false); err != nil {
		return nil, err
	}
	if m.dsv, err = NewHeap(dev, backend.HeapDepthStencil, heaps.DepthStencil, false); err != nil {
		return nil, err
	}
	logging.Logger().Info("bindless: heaps created",
		"descriptors", table.Total(), "rtv", heaps.RenderTarget, "dsv", heaps.DepthStencil)
	return m, nil
}

// Table returns the category index table.
func (m *Manager) Table() *Table { return m.table }

// Heap returns the heap of type t.
func (m *Manager) Heap(t backend.DescriptorHeapType) *Heap {
	switch t {
	case backend.HeapShaderResource:
		return m.srv
	case backend.HeapRenderTarget:
		return m.rtv
	case backend.HeapDepthStencil:
		return m.dsv
	default:
		return nil
	}
}

// Allocate reserves an index in category c and writes view into it.
func (m *Manager) Allocate(c Category, view backend.ViewDesc) (Descriptor, error) {
	d, err := m.table.Allocate(c)
	if err != nil {
		return Descriptor{}, err
	}
	if err := m.srv.native.Write(d.Index, view); err != nil {
		_ = m.table.Free(d.Index)
		return Descriptor{}, fmt.Errorf("bindless: write %v index %d: %w", c, d.Index, err)
	}
	return d, nil
}

// Free returns a bindless index.
func (m *Manager) Free(index uint32) error { return m.table.Free(index) }

// TableOffset maps a bindless index to its offset in the category table.
func (m *Manager) TableOffset(c Category, index uint32) (uint32, error) {
	return m.table.TableOffset(c, index)
}

// TableGPUStart returns the GPU handle of the first slot of c's range, the
// root descriptor-table argument for that category.
func (m *Manager) TableGPUStart(c Category) (uint64, error) {
	return m.srv.GPUDescriptor(m.table.TableStart(c))
}

// CPUDescriptor returns the CPU handle of index in the heap of type t.
func (m *Manager) CPUDescriptor(t backend.DescriptorHeapType, index uint32) (uint64, error) {
	h := m.Heap(t)
	if h == nil {
		return 0, fmt.Errorf("bindless: unknown heap type %v", t)
	}
	return h.CPUDescriptor(index), nil
}

// GPUDescriptor returns the GPU handle of index in the heap of type t.
func (m *Manager) GPUDescriptor(t backend.DescriptorHeapType, index uint32) (uint64, error) {
	h := m.Heap(t)
	if h == nil {
		return 0, fmt.Errorf("bindless: unknown heap type %v", t)
	}
	return h.GPUDescriptor(index)
}
