package backend

import (
	"context"
	"errors"

	"github.com/gogpu/gputypes"
)

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when a requested backend is not available.
	ErrBackendNotAvailable = errors.New("backend: not available")

	// ErrDeviceLost is returned when the device was removed or reset.
	// It is unrecoverable: callers tear down instead of retrying.
	ErrDeviceLost = errors.New("backend: device lost")

	// ErrUnsupported is returned for operations a backend cannot express.
	ErrUnsupported = errors.New("backend: unsupported operation")

	// ErrInvalidDescriptor is returned when a resource description is malformed.
	ErrInvalidDescriptor = errors.New("backend: invalid resource descriptor")
)

// ResourceKind distinguishes buffers from textures.
type ResourceKind uint8

const (
	// KindBuffer is a linear allocation.
	KindBuffer ResourceKind = iota
	// KindTexture is a formatted image with mips and array slices.
	KindTexture
)

// ResourceFlags enable optional views of a resource.
type ResourceFlags uint8

const (
	// AllowRenderTarget permits render-target views.
	AllowRenderTarget ResourceFlags = 1 << iota
	// AllowDepthStencil permits depth-stencil views.
	AllowDepthStencil
	// AllowUnorderedAccess permits read-write views.
	AllowUnorderedAccess
	// AllowSimultaneousAccess marks swap chain buffers.
	AllowSimultaneousAccess
)

// ResourceDesc describes a committed GPU allocation.
type ResourceDesc struct {
	Label string
	Kind  ResourceKind

	// Size is the byte size of a buffer.
	Size uint64

	Width              uint32
	Height             uint32
	DepthOrArrayLayers uint32
	MipLevels          uint32
	SampleCount        uint32
	Format             gputypes.TextureFormat
	Dimension          gputypes.TextureDimension
	Cube               bool

	Flags        ResourceFlags
	InitialState ResourceState
}

// SubresourceCount returns the number of independently tracked
// subresources: mip levels times array layers for textures, one for buffers.
func (d ResourceDesc) SubresourceCount() uint32 {
	if d.Kind == KindBuffer {
		return 1
	}
	mips := max(d.MipLevels, 1)
	layers := max(d.DepthOrArrayLayers, 1)
	if d.Dimension == gputypes.TextureDimension3D {
		layers = 1
	}
	return mips * layers
}

// Validate reports malformed descriptors.
func (d ResourceDesc) Validate() error {
	switch d.Kind {
	case KindBuffer:
		if d.Size == 0 {
			return errors.Join(ErrInvalidDescriptor, errors.New("buffer size is zero"))
		}
	case KindTexture:
		if d.Width == 0 || d.Height == 0 {
			return errors.Join(ErrInvalidDescriptor, errors.New("texture extent is zero"))
		}
		if d.Cube && d.DepthOrArrayLayers%6 != 0 {
			return errors.Join(ErrInvalidDescriptor, errors.New("cube texture needs a multiple of 6 layers"))
		}
	default:
		return ErrInvalidDescriptor
	}
	return nil
}

// Resource is a native GPU allocation.
type Resource interface {
	Label() string
	Desc() ResourceDesc
	// GPUAddress is the virtual address of a buffer, zero for textures.
	GPUAddress() uint64
}

// UploadHeap is a persistently mapped CPU-writable buffer.
type UploadHeap interface {
	Resource
	// Mapped returns the CPU view of the whole heap.
	Mapped() []byte
	// FlushRange makes CPU writes in [offset, offset+size) visible to the GPU.
	FlushRange(offset, size uint64) error
}

// TextureCopyLayout describes texel data placed in an upload heap.
type TextureCopyLayout struct {
	Offset      uint64
	BytesPerRow uint32
	Width       uint32
	Height      uint32
}

// CommandList is a native command list together with the allocator that
// backs its memory. Reset recycles both.
type CommandList interface {
	QueueType() QueueType
	// Reset rewinds the allocator and opens the list for recording.
	Reset(label string) error
	// Close ends recording. The list may then be submitted.
	Close() error
	ResourceBarrier(barriers []Barrier)
	CopyBufferRegion(dst Resource, dstOffset uint64, src UploadHeap, srcOffset, size uint64)
	CopyTextureRegion(dst Resource, subresource uint32, src UploadHeap, layout TextureCopyLayout)
	BeginEvent(name string)
	EndEvent()
}

// DrawRecorder is implemented by command lists that accept backend-neutral
// draw and dispatch calls. Backends with richer encoders expose those
// through their concrete types instead.
type DrawRecorder interface {
	Draw(label string, vertexCount, instanceCount uint32)
	Dispatch(label string, x, y, z uint32)
}

// Fence is a monotonically increasing GPU timeline.
type Fence interface {
	// CompletedValue returns the highest value the GPU has reached.
	CompletedValue() uint64
	// Wait blocks until the fence reaches value or ctx is done.
	Wait(ctx context.Context, value uint64) error
}

// Queue executes command lists in submission order.
type Queue interface {
	Type() QueueType
	// Submit executes lists in order and signals fence to value once all
	// of them completed.
	Submit(lists []CommandList, fence Fence, value uint64) error
	// WaitFence makes work submitted afterwards wait for fence >= value.
	WaitFence(fence Fence, value uint64) error
}

// DescriptorHeapType selects the descriptor heap flavour.
type DescriptorHeapType uint8

const (
	// HeapShaderResource holds constant, shader-resource and unordered-access views.
	HeapShaderResource DescriptorHeapType = iota
	// HeapRenderTarget holds render-target views.
	HeapRenderTarget
	// HeapDepthStencil holds depth-stencil views.
	HeapDepthStencil
)

// String returns the heap type name.
func (t DescriptorHeapType) String() string {
	switch t {
	case HeapShaderResource:
		return "cbv_srv_uav"
	case HeapRenderTarget:
		return "rtv"
	case HeapDepthStencil:
		return "dsv"
	default:
		return "unknown"
	}
}

// ViewKind selects the view written into a descriptor slot.
type ViewKind uint8

// View kinds.
const (
	ViewBufferSRV ViewKind = iota
	ViewTexture2DSRV
	ViewTextureCubeSRV
	ViewTexture2DUAV
	ViewTexture2DArrayUAV
	ViewBufferUAV
	ViewRenderTarget
	ViewDepthStencil
)

// ViewDesc describes one descriptor.
type ViewDesc struct {
	Kind     ViewKind
	Resource Resource
	Format   gputypes.TextureFormat
	MipSlice uint32
	// NumElements and Stride describe structured buffer views.
	NumElements uint32
	Stride      uint32
}

// DescriptorHeap is a fixed array of descriptor slots.
type DescriptorHeap interface {
	Type() DescriptorHeapType
	Capacity() uint32
	ShaderVisible() bool
	CPUStart() uint64
	// GPUStart is zero for heaps that are not shader visible.
	GPUStart() uint64
	Increment() uint32
	Write(index uint32, view ViewDesc) error
}

// SwapChainDesc describes presentable back buffers.
type SwapChainDesc struct {
	Width       uint32
	Height      uint32
	BufferCount int
	Format      gputypes.TextureFormat
}

// SwapChain owns the back buffers presented to the display.
type SwapChain interface {
	BufferCount() int
	CurrentIndex() int
	Buffer(index int) Resource
	Present(syncInterval int) error
}

// Device creates every native object.
type Device interface {
	Name() string
	// Queue returns the queue of type t. Backends with a single hardware
	// queue return wrappers that share it.
	Queue(t QueueType) Queue
	CreateFence(initial uint64) (Fence, error)
	CreateCommandList(t QueueType) (CommandList, error)
	CreateResource(desc ResourceDesc) (Resource, error)
	DestroyResource(r Resource)
	CreateUploadHeap(label string, size uint64) (UploadHeap, error)
	CreateDescriptorHeap(t DescriptorHeapType, capacity uint32, shaderVisible bool) (DescriptorHeap, error)
	CreateSwapChain(desc SwapChainDesc) (SwapChain, error)
	// LaneCount is the SIMD width of the GPU.
	LaneCount() uint32
	Close()
}
