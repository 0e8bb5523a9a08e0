package wgpu

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/rendercore/backend"
	"github.com/gogpu/wgpu/hal"
)

// Resource is a HAL buffer or texture.
type Resource struct {
	desc    backend.ResourceDesc
	buffer  hal.Buffer
	texture hal.Texture
	addr    uint64

	destroyed atomic.Bool
}

var _ backend.Resource = (*Resource)(nil)

// Label returns the debug name.
func (r *Resource) Label() string { return r.desc.Label }

// Desc returns the creation descriptor.
func (r *Resource) Desc() backend.ResourceDesc { return r.desc }

// GPUAddress returns the synthetic address of a buffer.
func (r *Resource) GPUAddress() uint64 { return r.addr }

// Buffer returns the HAL buffer, nil for textures.
func (r *Resource) Buffer() hal.Buffer { return r.buffer }

// Texture returns the HAL texture, nil for buffers.
func (r *Resource) Texture() hal.Texture { return r.texture }

// UploadHeap is a host slice mirrored into a HAL buffer on flush.
type UploadHeap struct {
	*Resource
	dev  *Device
	data []byte
}

var _ backend.UploadHeap = (*UploadHeap)(nil)

// Mapped returns the host bytes.
func (h *UploadHeap) Mapped() []byte { return h.data }

// FlushRange writes [offset, offset+size) to the HAL buffer. The write is
// ordered before every later submission.
func (h *UploadHeap) FlushRange(offset, size uint64) error {
	if offset+size > uint64(len(h.data)) {
		return fmt.Errorf("wgpu: flush [%d,+%d) outside heap of %d bytes", offset, size, len(h.data))
	}
	if err := h.dev.check(); err != nil {
		return err
	}
	if size == 0 {
		return nil
	}
	h.dev.submitMu.Lock()
	h.dev.queue.WriteBuffer(h.buffer, offset, h.data[offset:offset+size])
	h.dev.submitMu.Unlock()
	return nil
}

// descriptorIncrement is the synthetic distance between handles.
const descriptorIncrement = 32

// DescriptorHeap is a host table of views.
type DescriptorHeap struct {
	dev      *Device
	typ      backend.DescriptorHeapType
	capacity uint32
	visible  bool
	cpuStart uint64
	gpuStart uint64

	mu    sync.Mutex
	views []backend.ViewDesc
	// native holds the HAL view created for texture descriptors.
	native []hal.TextureView
}

var _ backend.DescriptorHeap = (*DescriptorHeap)(nil)

var heapBase atomic.Uint64

func newDescriptorHeap(d *Device, t backend.DescriptorHeapType, capacity uint32, visible bool) *DescriptorHeap {
	size := uint64(capacity)*descriptorIncrement + 0x1000
	start := heapBase.Add(size) - size + 0x1000
	h := &DescriptorHeap{
		dev:      d,
		typ:      t,
		capacity: capacity,
		visible:  visible,
		cpuStart: start,
		views:    make([]backend.ViewDesc, capacity),
		native:   make([]hal.TextureView, capacity),
	}
	if visible {
		h.gpuStart = start | 1<<48
	}
	return h
}

func (h *DescriptorHeap) Type() backend.DescriptorHeapType { return h.typ }
func (h *DescriptorHeap) Capacity() uint32                 { return h.capacity }
func (h *DescriptorHeap) ShaderVisible() bool              { return h.visible }
func (h *DescriptorHeap) CPUStart() uint64                 { return h.cpuStart }
func (h *DescriptorHeap) GPUStart() uint64                 { return h.gpuStart }
func (h *DescriptorHeap) Increment() uint32                { return descriptorIncrement }

// Write stores view in slot index, creating a HAL texture view for
// texture descriptors.
func (h *DescriptorHeap) Write(index uint32, view backend.ViewDesc) error {
	if index >= h.capacity {
		return fmt.Errorf("wgpu: %v descriptor %d out of range [0,%d)", h.typ, index, h.capacity)
	}
	if !viewAllowed(h.typ, view.Kind) {
		return fmt.Errorf("wgpu: view kind %d in %v heap: %w", view.Kind, h.typ, backend.ErrInvalidDescriptor)
	}
	res, ok := view.Resource.(*Resource)
	if !ok {
		return fmt.Errorf("wgpu: descriptor for foreign resource %T", view.Resource)
	}

	var tv hal.TextureView
	if res.texture != nil {
		var err error
		tv, err = h.dev.hal.CreateTextureView(res.texture, &hal.TextureViewDescriptor{
			Label: res.desc.Label,
		})
		if err != nil {
			return fmt.Errorf("wgpu: create view of %q: %w", res.desc.Label, err)
		}
	}

	h.mu.Lock()
	old := h.native[index]
	h.views[index] = view
	h.native[index] = tv
	h.mu.Unlock()
	if old != nil {
		h.dev.hal.DestroyTextureView(old)
	}
	return nil
}

// TextureView returns the HAL view written to index, if any.
func (h *DescriptorHeap) TextureView(index uint32) hal.TextureView {
	h.mu.Lock()
	defer h.mu.Unlock()
	if index >= h.capacity {
		return nil
	}
	return h.native[index]
}

func (h *DescriptorHeap) release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, tv := range h.native {
		if tv != nil {
			h.dev.hal.DestroyTextureView(tv)
			h.native[i] = nil
		}
	}
}

func viewAllowed(t backend.DescriptorHeapType, k backend.ViewKind) bool {
	switch t {
	case backend.HeapRenderTarget:
		return k == backend.ViewRenderTarget
	case backend.HeapDepthStencil:
		return k == backend.ViewDepthStencil
	default:
		return k != backend.ViewRenderTarget && k != backend.ViewDepthStencil
	}
}

// SwapChain rotates through offscreen back buffers.
type SwapChain struct {
	dev *Device

	mu      sync.Mutex
	buffers []*Resource
	current int
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

// Present flips to the next back buffer. There is no display to wait
// for, so syncInterval is ignored.
func (s *SwapChain) Present(syncInterval int) error {
	if err := s.dev.check(); err != nil {
		return err
	}
	s.mu.Lock()
	s.current = (s.current + 1) % len(s.buffers)
	s.mu.Unlock()
	return nil
}
