package wgpu

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/rendercore/backend"
	"github.com/gogpu/rendercore/internal/logging"
	"github.com/gogpu/wgpu/hal"
)

func init() {
	backend.Register(backend.BackendWGPU, func() (backend.Device, error) {
		return Open(gputypes.BackendVulkan)
	})
}

// defaultLaneCount is reported when the adapter does not expose its
// subgroup size.
const defaultLaneCount = 32

// addressBase is where synthetic buffer addresses start.
const addressBase = 0x1_0000_0000

// Option configures a Device.
type Option func(*Device)

// WithName overrides the device name.
func WithName(name string) Option {
	return func(d *Device) { d.name = name }
}

// WithLaneCount sets the reported SIMD width.
func WithLaneCount(n uint32) Option {
	return func(d *Device) { d.lanes = n }
}

// WithSurfaceFormat sets the back buffer format used when a swap chain
// descriptor leaves it undefined.
func WithSurfaceFormat(f gputypes.TextureFormat) Option {
	return func(d *Device) { d.format = f }
}

// Device adapts a HAL device and queue to backend.Device.
type Device struct {
	name   string
	lanes  uint32
	format gputypes.TextureFormat

	hal      hal.Device
	queue    hal.Queue
	instance hal.Instance
	owned    bool

	queues [backend.QueueTypeCount]*Queue

	// submitMu serializes use of the shared HAL queue.
	submitMu sync.Mutex

	mu       sync.Mutex
	heaps    []*DescriptorHeap
	nextAddr uint64

	lost   atomic.Bool
	closed atomic.Bool
}

var _ backend.Device = (*Device)(nil)

// Open creates an instance of the HAL backend b and opens its first
// discrete or integrated adapter, falling back to the first adapter.
func Open(b gputypes.Backend, opts ...Option) (*Device, error) {
	halBackend, ok := hal.GetBackend(b)
	if !ok {
		return nil, fmt.Errorf("wgpu: %v: %w", b, backend.ErrBackendNotAvailable)
	}
	instance, err := halBackend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create instance: %w", err)
	}
	d, err := openInstance(instance, opts...)
	if err != nil {
		instance.Destroy()
		return nil, err
	}
	return d, nil
}

func openInstance(instance hal.Instance, opts ...Option) (*Device, error) {
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		return nil, fmt.Errorf("wgpu: no GPU adapters found: %w", backend.ErrBackendNotAvailable)
	}
	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}

	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		return nil, fmt.Errorf("wgpu: open device: %w", err)
	}
	d := New(openDev.Device, openDev.Queue, append([]Option{WithName(selected.Info.Name)}, opts...)...)
	d.instance = instance
	d.owned = true
	logging.Logger().Info("wgpu: device opened", "adapter", selected.Info.Name, "type", selected.Info.DeviceType)
	return d, nil
}

// New wraps an open HAL device and queue. The caller keeps ownership:
// Close does not destroy them.
func New(device hal.Device, queue hal.Queue, opts ...Option) *Device {
	d := &Device{
		name:     backend.BackendWGPU,
		lanes:    defaultLaneCount,
		format:   gputypes.TextureFormatBGRA8Unorm,
		hal:      device,
		queue:    queue,
		nextAddr: addressBase,
	}
	for _, o := range opts {
		o(d)
	}
	for _, t := range backend.QueueTypes() {
		d.queues[t] = &Queue{dev: d, typ: t}
	}
	return d
}

// NewFromProvider shares the device of a gpucontext provider, such as a
// gogpu window. The provider must also expose its HAL objects through
// HalDevice() and HalQueue().
func NewFromProvider(provider gpucontext.DeviceProvider, opts ...Option) (*Device, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, errors.New("wgpu: provider does not expose HAL types")
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, errors.New("wgpu: provider HalDevice is not hal.Device")
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, errors.New("wgpu: provider HalQueue is not hal.Queue")
	}
	opts = append([]Option{WithSurfaceFormat(provider.SurfaceFormat())}, opts...)
	return New(device, queue, opts...), nil
}

// Name returns the adapter name.
func (d *Device) Name() string { return d.name }

// HAL returns the wrapped HAL device.
func (d *Device) HAL() hal.Device { return d.hal }

// Queue returns the queue of type t. All types share one HAL queue.
func (d *Device) Queue(t backend.QueueType) backend.Queue {
	if !t.Valid() {
		return nil
	}
	return d.queues[t]
}

// CreateFence creates a HAL fence. Values up to initial count as reached.
func (d *Device) CreateFence(initial uint64) (backend.Fence, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	native, err := d.hal.CreateFence()
	if err != nil {
		return nil, fmt.Errorf("wgpu: create fence: %w", err)
	}
	f := &Fence{dev: d, native: native}
	f.completed.Store(initial)
	f.signaled = initial
	return f, nil
}

// CreateCommandList creates a command list with its own HAL encoder.
func (d *Device) CreateCommandList(t backend.QueueType) (backend.CommandList, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	if !t.Valid() {
		return nil, fmt.Errorf("wgpu: invalid queue type %v", t)
	}
	enc, err := d.hal.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: t.String()})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create %v encoder: %w", t, err)
	}
	return &CommandList{dev: d, typ: t, enc: enc}, nil
}

// CreateResource creates a HAL buffer or texture.
func (d *Device) CreateResource(desc backend.ResourceDesc) (backend.Resource, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	if err := desc.Validate(); err != nil {
		return nil, fmt.Errorf("wgpu: create %q: %w", desc.Label, err)
	}
	if desc.Kind == backend.KindBuffer {
		return d.createBuffer(desc, bufferUsage)
	}
	return d.createTexture(desc)
}

func (d *Device) createBuffer(desc backend.ResourceDesc, usage gputypes.BufferUsage) (*Resource, error) {
	buf, err := d.hal.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  alignUp(desc.Size, 4),
		Usage: usage,
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create buffer %q: %w", desc.Label, err)
	}
	d.mu.Lock()
	addr := d.nextAddr
	d.nextAddr += alignUp(desc.Size, 64<<10)
	d.mu.Unlock()
	return &Resource{desc: desc, buffer: buf, addr: addr}, nil
}

func (d *Device) createTexture(desc backend.ResourceDesc) (*Resource, error) {
	dim := desc.Dimension
	switch {
	case dim == gputypes.TextureDimension3D:
	case dim == gputypes.TextureDimension1D && desc.Height == 1:
	default:
		dim = gputypes.TextureDimension2D
	}
	tex, err := d.hal.CreateTexture(&hal.TextureDescriptor{
		Label: desc.Label,
		Size: hal.Extent3D{
			Width:              desc.Width,
			Height:             desc.Height,
			DepthOrArrayLayers: max(desc.DepthOrArrayLayers, 1),
		},
		MipLevelCount: max(desc.MipLevels, 1),
		SampleCount:   max(desc.SampleCount, 1),
		Dimension:     dim,
		Format:        desc.Format,
		Usage:         textureUsage(desc.Flags),
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create texture %q: %w", desc.Label, err)
	}
	return &Resource{desc: desc, texture: tex}, nil
}

// DestroyResource destroys the HAL object behind r.
func (d *Device) DestroyResource(r backend.Resource) {
	var res *Resource
	switch v := r.(type) {
	case *Resource:
		res = v
	case *UploadHeap:
		res = v.Resource
	default:
		panic(fmt.Sprintf("wgpu: destroy foreign resource %T", r))
	}
	if !res.destroyed.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("wgpu: resource %q destroyed twice", res.desc.Label))
	}
	if res.buffer != nil {
		d.hal.DestroyBuffer(res.buffer)
	}
	if res.texture != nil {
		d.hal.DestroyTexture(res.texture)
	}
}

// CreateUploadHeap creates a host slice backed by a HAL copy-source buffer.
func (d *Device) CreateUploadHeap(label string, size uint64) (backend.UploadHeap, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	desc := backend.ResourceDesc{
		Label:        label,
		Kind:         backend.KindBuffer,
		Size:         size,
		InitialState: backend.StateGenericRead,
	}
	if err := desc.Validate(); err != nil {
		return nil, fmt.Errorf("wgpu: create upload heap %q: %w", label, err)
	}
	res, err := d.createBuffer(desc, gputypes.BufferUsageCopySrc|gputypes.BufferUsageCopyDst)
	if err != nil {
		return nil, err
	}
	return &UploadHeap{Resource: res, dev: d, data: make([]byte, size)}, nil
}

// CreateDescriptorHeap creates a host descriptor table.
func (d *Device) CreateDescriptorHeap(t backend.DescriptorHeapType, capacity uint32, shaderVisible bool) (backend.DescriptorHeap, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	if capacity == 0 {
		return nil, fmt.Errorf("wgpu: descriptor heap %v with zero capacity", t)
	}
	h := newDescriptorHeap(d, t, capacity, shaderVisible)
	d.mu.Lock()
	d.heaps = append(d.heaps, h)
	d.mu.Unlock()
	return h, nil
}

// CreateSwapChain creates desc.BufferCount offscreen render textures.
func (d *Device) CreateSwapChain(desc backend.SwapChainDesc) (backend.SwapChain, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	if desc.BufferCount < 2 {
		return nil, fmt.Errorf("wgpu: swap chain needs at least 2 buffers, got %d", desc.BufferCount)
	}
	format := desc.Format
	if format == gputypes.TextureFormatUndefined {
		format = d.format
	}
	sc := &SwapChain{dev: d}
	for i := range desc.BufferCount {
		res, err := d.createTexture(backend.ResourceDesc{
			Label:        fmt.Sprintf("backbuffer%d", i),
			Kind:         backend.KindTexture,
			Width:        desc.Width,
			Height:       desc.Height,
			Format:       format,
			Flags:        backend.AllowRenderTarget | backend.AllowSimultaneousAccess,
			InitialState: backend.StatePresent,
		})
		if err != nil {
			for _, b := range sc.buffers {
				d.DestroyResource(b)
			}
			return nil, err
		}
		sc.buffers = append(sc.buffers, res)
	}
	return sc, nil
}

// LaneCount returns the SIMD width.
func (d *Device) LaneCount() uint32 { return d.lanes }

// Close releases descriptor views and, for devices created by Open, the
// HAL device and instance.
func (d *Device) Close() {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	d.mu.Lock()
	heaps := d.heaps
	d.heaps = nil
	d.mu.Unlock()
	for _, h := range heaps {
		h.release()
	}
	if d.owned {
		d.hal.Destroy()
		if d.instance != nil {
			d.instance.Destroy()
		}
	}
}

// Lost reports whether a HAL failure was treated as device loss.
func (d *Device) Lost() bool { return d.lost.Load() }

// lose marks the device lost and wraps cause.
func (d *Device) lose(op string, cause error) error {
	if d.lost.CompareAndSwap(false, true) {
		logging.Logger().Error("wgpu: device lost", "op", op, "err", cause)
	}
	return fmt.Errorf("wgpu: %s: %w: %w", op, backend.ErrDeviceLost, cause)
}

func (d *Device) check() error {
	if d.lost.Load() {
		return backend.ErrDeviceLost
	}
	if d.closed.Load() {
		return errors.New("wgpu: device closed")
	}
	return nil
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}
