package recorder

import (
	"fmt"
	"sync"

	"github.com/gogpu/rendercore/backend"
)

// Resource is a fake committed allocation.
type Resource struct {
	desc      backend.ResourceDesc
	addr      uint64
	destroyed bool
}

var _ backend.Resource = (*Resource)(nil)

// Label returns the debug name.
func (r *Resource) Label() string { return r.desc.Label }

// Desc returns the creation descriptor.
func (r *Resource) Desc() backend.ResourceDesc { return r.desc }

// GPUAddress returns the fake virtual address of a buffer.
func (r *Resource) GPUAddress() uint64 { return r.addr }

// Destroyed reports whether the device destroyed r.
func (r *Resource) Destroyed() bool { return r.destroyed }

// UploadHeap is a CPU byte slice posing as a mapped buffer.
type UploadHeap struct {
	*Resource
	data []byte

	mu      sync.Mutex
	flushed []Range
}

// Range is a byte range made visible to the GPU.
type Range struct {
	Offset, Size uint64
}

var _ backend.UploadHeap = (*UploadHeap)(nil)

// Mapped returns the backing bytes.
func (h *UploadHeap) Mapped() []byte { return h.data }

// FlushRange records the flushed range.
func (h *UploadHeap) FlushRange(offset, size uint64) error {
	if offset+size > uint64(len(h.data)) {
		return fmt.Errorf("recorder: flush [%d,+%d) outside heap of %d bytes", offset, size, len(h.data))
	}
	h.mu.Lock()
	h.flushed = append(h.flushed, Range{offset, size})
	h.mu.Unlock()
	return nil
}

// Flushed returns every flushed range in order.
func (h *UploadHeap) Flushed() []Range {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Range(nil), h.flushed...)
}

// DescriptorHeap stores written views by slot.
type DescriptorHeap struct {
	typ       backend.DescriptorHeapType
	capacity  uint32
	visible   bool
	cpuStart  uint64
	gpuStart  uint64
	increment uint32

	mu      sync.Mutex
	views   []backend.ViewDesc
	written []bool
}

var _ backend.DescriptorHeap = (*DescriptorHeap)(nil)

func (h *DescriptorHeap) Type() backend.DescriptorHeapType { return h.typ }
func (h *DescriptorHeap) Capacity() uint32                 { return h.capacity }
func (h *DescriptorHeap) ShaderVisible() bool              { return h.visible }
func (h *DescriptorHeap) CPUStart() uint64                 { return h.cpuStart }
func (h *DescriptorHeap) GPUStart() uint64                 { return h.gpuStart }
func (h *DescriptorHeap) Increment() uint32                { return h.increment }

// Write stores view in slot index.
func (h *DescriptorHeap) Write(index uint32, view backend.ViewDesc) error {
	if index >= h.capacity {
		return fmt.Errorf("recorder: %v descriptor %d out of range [0,%d)", h.typ, index, h.capacity)
	}
	h.mu.Lock()
	h.views[index] = view
	h.written[index] = true
	h.mu.Unlock()
	return nil
}

// View returns the view written to index and whether one was written.
func (h *DescriptorHeap) View(index uint32) (backend.ViewDesc, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if index >= h.capacity {
		return backend.ViewDesc{}, false
	}
	return h.views[index], h.written[index]
}

// SwapChain rotates through its back buffers on Present.
type SwapChain struct {
	dev *Device

	mu       sync.Mutex
	buffers  []*Resource
	current  int
	presents int
}

var _ backend.SwapChain = (*SwapChain)(nil)

// BufferCount returns the number of back buffers.
func (s *SwapChain) BufferCount() int { return len(s.buffers) }

// CurrentIndex returns the back buffer index that will be presented next.
func (s *SwapChain) CurrentIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Buffer returns back buffer index.
func (s *SwapChain) Buffer(index int) backend.Resource { return s.buffers[index] }

// Present flips to the next back buffer.
func (s *SwapChain) Present(syncInterval int) error {
	if s.dev.lost.Load() {
		return backend.ErrDeviceLost
	}
	s.mu.Lock()
	idx := s.current
	s.current = (s.current + 1) % len(s.buffers)
	s.presents++
	s.mu.Unlock()
	s.dev.record(Event{Kind: EventPresent, Queue: backend.QueueGraphics, Value: uint64(idx)})
	return nil
}

// Presents returns how many times Present succeeded.
func (s *SwapChain) Presents() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presents
}
