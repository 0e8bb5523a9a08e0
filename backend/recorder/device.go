// Package recorder implements a headless backend that records commands
// instead of executing them.
//
// Every queue keeps an ordered log of what was submitted to it and the
// device keeps a global event log of submissions, fence waits and presents.
// Fences retire as soon as work is submitted unless the device is created
// with WithManualRetire, in which case tests advance them explicitly with
// Fence.Complete or Device.RetireAll.
//
// The recorder backend registers itself under backend.BackendRecorder.
package recorder

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/rendercore/backend"
)

func init() {
	backend.Register(backend.BackendRecorder, func() (backend.Device, error) {
		return New(), nil
	})
}

// Option configures a Device.
type Option func(*Device)

// WithManualRetire makes fences stay pending after submission until the
// test completes them.
func WithManualRetire() Option {
	return func(d *Device) { d.manual = true }
}

// WithLaneCount sets the reported SIMD width.
func WithLaneCount(n uint32) Option {
	return func(d *Device) { d.lanes = n }
}

// WithName overrides the device name.
func WithName(name string) Option {
	return func(d *Device) { d.name = name }
}

// gpuAddressBase is where fake virtual addresses start.
const gpuAddressBase = 0x1_0000_0000

// Device is a recording backend.Device.
type Device struct {
	name   string
	manual bool
	lanes  uint32

	queues [backend.QueueTypeCount]*Queue

	mu        sync.Mutex
	fences    []*Fence
	live      map[*Resource]struct{}
	lists     int
	events    []Event
	nextAddr  uint64
	nextHeap  uint64
	destroyed int

	lost   atomic.Bool
	lostCh chan struct{}
	closed atomic.Bool
}

var _ backend.Device = (*Device)(nil)

// New creates a recording device.
func New(opts ...Option) *Device {
	d := &Device{
		name:     backend.BackendRecorder,
		lanes:    32,
		live:     make(map[*Resource]struct{}),
		nextAddr: gpuAddressBase,
		nextHeap: 0x1000,
		lostCh:   make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	for _, t := range backend.QueueTypes() {
		d.queues[t] = &Queue{dev: d, typ: t}
	}
	return d
}

// Name returns the device name.
func (d *Device) Name() string { return d.name }

// Queue returns the queue of type t.
func (d *Device) Queue(t backend.QueueType) backend.Queue {
	if !t.Valid() {
		return nil
	}
	return d.queues[t]
}

// RecordingQueue returns the concrete queue of type t for inspection.
func (d *Device) RecordingQueue(t backend.QueueType) *Queue {
	return d.queues[t]
}

// CreateFence creates a fence starting at initial.
func (d *Device) CreateFence(initial uint64) (backend.Fence, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	f := &Fence{dev: d, value: initial, pending: initial, changed: make(chan struct{})}
	d.mu.Lock()
	d.fences = append(d.fences, f)
	d.mu.Unlock()
	return f, nil
}

// CreateCommandList creates a closed command list for queue type t.
func (d *Device) CreateCommandList(t backend.QueueType) (backend.CommandList, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	if !t.Valid() {
		return nil, fmt.Errorf("recorder: invalid queue type %v", t)
	}
	d.mu.Lock()
	d.lists++
	d.mu.Unlock()
	return &CommandList{typ: t}, nil
}

// CreateResource allocates a fake committed resource.
func (d *Device) CreateResource(desc backend.ResourceDesc) (backend.Resource, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	if err := desc.Validate(); err != nil {
		return nil, fmt.Errorf("recorder: create %q: %w", desc.Label, err)
	}
	return d.newResource(desc), nil
}

func (d *Device) newResource(desc backend.ResourceDesc) *Resource {
	r := &Resource{desc: desc}
	d.mu.Lock()
	if desc.Kind == backend.KindBuffer {
		r.addr = d.nextAddr
		d.nextAddr += alignUp(desc.Size, 64<<10)
	}
	d.live[r] = struct{}{}
	d.mu.Unlock()
	return r
}

// DestroyResource releases r. Destroying a resource twice panics.
func (d *Device) DestroyResource(r backend.Resource) {
	var res *Resource
	switch v := r.(type) {
	case *Resource:
		res = v
	case *UploadHeap:
		res = v.Resource
	default:
		panic(fmt.Sprintf("recorder: destroy foreign resource %T", r))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if res.destroyed {
		panic(fmt.Sprintf("recorder: resource %q destroyed twice", res.desc.Label))
	}
	res.destroyed = true
	delete(d.live, res)
	d.destroyed++
}

// CreateUploadHeap allocates a CPU-visible buffer of size bytes.
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
		return nil, fmt.Errorf("recorder: create upload heap %q: %w", label, err)
	}
	return &UploadHeap{Resource: d.newResource(desc), data: make([]byte, size)}, nil
}

// CreateDescriptorHeap allocates a descriptor table of capacity slots.
func (d *Device) CreateDescriptorHeap(t backend.DescriptorHeapType, capacity uint32, shaderVisible bool) (backend.DescriptorHeap, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	if capacity == 0 {
		return nil, fmt.Errorf("recorder: descriptor heap %v with zero capacity", t)
	}
	const increment = 32
	d.mu.Lock()
	cpu := d.nextHeap
	d.nextHeap += uint64(capacity)*increment + 0x1000
	d.mu.Unlock()

	h := &DescriptorHeap{
		typ:       t,
		capacity:  capacity,
		visible:   shaderVisible,
		cpuStart:  cpu,
		increment: increment,
		views:     make([]backend.ViewDesc, capacity),
		written:   make([]bool, capacity),
	}
	if shaderVisible {
		h.gpuStart = cpu | 1<<48
	}
	return h, nil
}

// CreateSwapChain creates desc.BufferCount back buffers in the present state.
func (d *Device) CreateSwapChain(desc backend.SwapChainDesc) (backend.SwapChain, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	if desc.BufferCount < 2 {
		return nil, fmt.Errorf("recorder: swap chain needs at least 2 buffers, got %d", desc.BufferCount)
	}
	sc := &SwapChain{dev: d}
	for i := range desc.BufferCount {
		sc.buffers = append(sc.buffers, d.newResource(backend.ResourceDesc{
			Label:        fmt.Sprintf("backbuffer%d", i),
			Kind:         backend.KindTexture,
			Width:        desc.Width,
			Height:       desc.Height,
			Format:       desc.Format,
			Flags:        backend.AllowRenderTarget | backend.AllowSimultaneousAccess,
			InitialState: backend.StatePresent,
		}))
	}
	return sc, nil
}

// LaneCount returns the configured SIMD width.
func (d *Device) LaneCount() uint32 { return d.lanes }

// Close marks the device closed. Later creation calls fail.
func (d *Device) Close() { d.closed.Store(true) }

// Lose simulates device removal. Every later submission, present and
// blocked fence wait fails with backend.ErrDeviceLost.
func (d *Device) Lose() {
	if d.lost.CompareAndSwap(false, true) {
		close(d.lostCh)
	}
}

// Lost reports whether Lose was called.
func (d *Device) Lost() bool { return d.lost.Load() }

// RetireAll completes every fence up to its last signaled value.
func (d *Device) RetireAll() {
	d.mu.Lock()
	fences := append([]*Fence(nil), d.fences...)
	d.mu.Unlock()
	for _, f := range fences {
		f.Complete(f.Pending())
	}
}

// Events returns a copy of the device-wide event log.
func (d *Device) Events() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Event(nil), d.events...)
}

// LiveResources returns the number of created and not yet destroyed resources.
func (d *Device) LiveResources() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}

// DestroyedResources returns how many resources were destroyed.
func (d *Device) DestroyedResources() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

// CommandListsCreated returns how many native command lists were created.
func (d *Device) CommandListsCreated() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lists
}

func (d *Device) record(e Event) {
	d.mu.Lock()
	d.events = append(d.events, e)
	d.mu.Unlock()
}

func (d *Device) check() error {
	if d.lost.Load() {
		return backend.ErrDeviceLost
	}
	if d.closed.Load() {
		return fmt.Errorf("recorder: device closed")
	}
	return nil
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}
