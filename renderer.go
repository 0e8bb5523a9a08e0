package rendercore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/rendercore/backend"
	"github.com/gogpu/rendercore/bindless"
	"github.com/gogpu/rendercore/cmdlist"
	"github.com/gogpu/rendercore/config"
	"github.com/gogpu/rendercore/fence"
	"github.com/gogpu/rendercore/frame"
	"github.com/gogpu/rendercore/internal/logging"
	"github.com/gogpu/rendercore/profiling"
	"github.com/gogpu/rendercore/resource"
	"github.com/gogpu/rendercore/shadercache"
	"github.com/gogpu/rendercore/upload"
)

// Options configures a Renderer.
type Options struct {
	// Config holds capacities and frame settings. The zero value means
	// config.Default().
	Config config.Config

	// Device is used as is and stays owned by the caller. When nil, the
	// backend named in Config.Backend is opened, or the best available
	// one, and closed again by Teardown.
	Device backend.Device

	// Passes are the frame pass recorders. The UI pass starts disabled
	// when Config.Frame.UI is false.
	Passes frame.Passes

	// Hooks receive profiling events.
	Hooks []profiling.Hook

	// ShaderCompiler defaults to naga.
	ShaderCompiler shadercache.Compiler
	// PipelineCompiler creates backend pipeline objects. Nil caches
	// descriptors only.
	PipelineCompiler shadercache.PipelineCompiler

	// OnState observes frame state changes.
	OnState func(frame.State)
}

// Renderer owns a device and every subsystem that submits to it.
//
// Command lists, descriptors, transient uploads and resource creation are
// safe for concurrent use. PresentDisplay calls are serialized.
type Renderer struct {
	cfg        config.Config
	dev        backend.Device
	ownsDevice bool

	fences    *fence.Set
	retire    *fence.RetirementQueue
	pool      *cmdlist.Pool
	reg       *resource.Registry
	descs     *bindless.Manager
	ring      *upload.Ring
	ctxRing   *upload.Ring
	swap      backend.SwapChain
	frames    *frame.Orchestrator
	backs     []*RenderTexture
	shaders   *shadercache.Cache
	pipelines *shadercache.Pipelines
	prof      *profiling.Profiler

	stopWatch context.CancelFunc
	watchDone chan error

	closeMu sync.Mutex
	closed  atomic.Bool
}

// New opens the device if needed and creates every subsystem.
func New(opts Options) (*Renderer, error) {
	cfg := opts.Config
	if cfg == (config.Config{}) {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dev, owned := opts.Device, false
	if dev == nil {
		var err error
		if dev, err = openDevice(cfg.Backend.Name); err != nil {
			return nil, err
		}
		owned = true
	}

	r := &Renderer{cfg: cfg, dev: dev, ownsDevice: owned}
	if err := r.init(opts); err != nil {
		r.stopWatching()
		if owned {
			dev.Close()
		}
		return nil, err
	}
	logging.Logger().Info("rendercore: renderer ready",
		"device", dev.Name(), "width", cfg.Frame.Width, "height", cfg.Frame.Height,
		"buffers", cfg.Frame.BufferCount, "lanes", dev.LaneCount())
	return r, nil
}

func openDevice(name string) (backend.Device, error) {
	if name == "" {
		return backend.Default()
	}
	return backend.Open(name)
}

func (r *Renderer) init(opts Options) error {
	cfg, dev := r.cfg, r.dev

	var err error
	if r.fences, err = fence.NewSet(dev); err != nil {
		return fmt.Errorf("rendercore: %w", err)
	}
	r.retire = &fence.RetirementQueue{}
	r.pool = cmdlist.NewPool(dev, r.fences)
	r.reg = resource.NewRegistry(dev, r.retire)
	if r.descs, err = bindless.NewManager(dev, cfg.Capacities(), cfg.HeapCapacities()); err != nil {
		return fmt.Errorf("rendercore: %w", err)
	}
	if r.ring, err = upload.NewRing(dev, "transient", cfg.Upload.Size, cfg.Upload.Alignment); err != nil {
		return fmt.Errorf("rendercore: %w", err)
	}
	if r.ctxRing, err = upload.NewRing(dev, "upload context", cfg.Upload.ContextSize, cfg.Upload.Alignment); err != nil {
		return fmt.Errorf("rendercore: %w", err)
	}

	r.prof = profiling.New(opts.Hooks...)
	r.shaders = shadercache.New(shadercache.Options{
		Root:     cfg.Shaders.Root,
		Capacity: cfg.Shaders.Capacity,
		Workers:  cfg.Frame.Workers,
		Compiler: opts.ShaderCompiler,
	})
	r.pipelines = shadercache.NewPipelines(r.shaders, opts.PipelineCompiler, cfg.Shaders.Capacity)

	if r.swap, err = dev.CreateSwapChain(backend.SwapChainDesc{
		Width:       cfg.Frame.Width,
		Height:      cfg.Frame.Height,
		BufferCount: cfg.Frame.BufferCount,
	}); err != nil {
		return fmt.Errorf("rendercore: create swap chain: %w", err)
	}
	r.frames, err = frame.New(r.pool, r.reg, r.swap, opts.Passes, frame.Options{
		Workers:        cfg.Frame.Workers,
		SyncInterval:   cfg.Frame.SyncInterval,
		FramesInFlight: cfg.Frame.FramesInFlight,
		Width:          cfg.Frame.Width,
		Height:         cfg.Frame.Height,
		Retire:         r.retire,
		Profiler:       r.prof,
		OnState:        opts.OnState,
	})
	if err != nil {
		return fmt.Errorf("rendercore: %w", err)
	}
	if !cfg.Frame.UI && r.frames.Enabled(frame.PassUI) {
		if err := r.frames.SetEnabled(frame.PassUI, false); err != nil {
			return fmt.Errorf("rendercore: %w", err)
		}
	}
	if err := r.adoptBackBuffers(); err != nil {
		return err
	}

	if cfg.Shaders.Watch {
		return r.watchShaders()
	}
	return nil
}

// adoptBackBuffers gives every back buffer a render-target view.
func (r *Renderer) adoptBackBuffers() error {
	rtv := r.descs.Heap(backend.HeapRenderTarget)
	for _, res := range r.frames.BackBuffers() {
		idx, err := rtv.Allocate(backend.ViewDesc{
			Kind:     backend.ViewRenderTarget,
			Resource: res.Native(),
			Format:   res.Desc().Format,
		})
		if err != nil {
			return fmt.Errorf("rendercore: back buffer %q: %w", res.Name(), err)
		}
		rt := &RenderTexture{
			Resource:        res,
			TargetIndices:   []uint32{idx},
			SRVIndex:        InvalidIndex,
			SwapChainBuffer: true,
		}
		rt.own = owner{r: r, res: res, heap: backend.HeapRenderTarget, heapIdx: rt.TargetIndices}
		r.backs = append(r.backs, rt)
	}
	return nil
}

func (r *Renderer) watchShaders() error {
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan error, 1)
	r.stopWatch = cancel
	r.watchDone = done
	go func() { done <- r.shaders.Watch(ctx, ready) }()
	select {
	case <-ready:
		return nil
	case err := <-done:
		r.stopWatch, r.watchDone = nil, nil
		cancel()
		return fmt.Errorf("rendercore: %w", err)
	}
}

func (r *Renderer) stopWatching() {
	if r.stopWatch == nil {
		return
	}
	r.stopWatch()
	if err := <-r.watchDone; err != nil {
		logging.Logger().Warn("rendercore: shader watch", "err", err)
	}
	r.stopWatch, r.watchDone = nil, nil
}

func (r *Renderer) check() error {
	if r.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Config returns the configuration the renderer was created with.
func (r *Renderer) Config() config.Config { return r.cfg }

// Device returns the native device.
func (r *Renderer) Device() backend.Device { return r.dev }

// Frames returns the frame orchestrator, for toggling passes and reading
// statistics.
func (r *Renderer) Frames() *frame.Orchestrator { return r.frames }

// Profiler returns the profiler passes may emit markers through.
func (r *Renderer) Profiler() *profiling.Profiler { return r.prof }

// Resources returns the resource registry.
func (r *Renderer) Resources() *resource.Registry { return r.reg }

// Descriptors returns the bindless descriptor manager.
func (r *Renderer) Descriptors() *bindless.Manager { return r.descs }

// FetchCommandlist returns a recording command list for queue q that is
// guaranteed not to alias in-flight GPU work.
func (r *Renderer) FetchCommandlist(q backend.QueueType) (*cmdlist.CommandList, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	return r.pool.Fetch(q)
}

// ExecuteCommandlists submits lists to queue q in order and returns the
// fence point that marks their completion.
func (r *Renderer) ExecuteCommandlists(q backend.QueueType, lists ...*cmdlist.CommandList) (fence.Point, error) {
	if err := r.check(); err != nil {
		return fence.Point{}, err
	}
	v, err := r.pool.Submit(q, lists...)
	if err != nil {
		return fence.Point{}, err
	}
	return r.fences.Tracker(q).Point(v), nil
}

// CreateTransientBuffer carves size bytes out of the upload ring. The
// region is reused once cl has been submitted and its work retired. fill,
// if not nil, writes the contents.
func (r *Renderer) CreateTransientBuffer(name string, size uint64, cl *cmdlist.CommandList, fill func([]byte)) (upload.Allocation, error) {
	if err := r.check(); err != nil {
		return upload.Allocation{}, err
	}
	return r.ring.Allocate(name, size, cl.Ticket(), fill)
}

// GetCPUDescriptor returns the CPU handle of index in the heap of type t.
func (r *Renderer) GetCPUDescriptor(t backend.DescriptorHeapType, index uint32) (uint64, error) {
	return r.descs.CPUDescriptor(t, index)
}

// GetGPUDescriptor returns the GPU handle of index in the shader-visible
// heap.
func (r *Renderer) GetGPUDescriptor(t backend.DescriptorHeapType, index uint32) (uint64, error) {
	return r.descs.GPUDescriptor(t, index)
}

// GetDescriptorTableOffset maps a bindless index to its offset in the
// descriptor table of category c.
func (r *Renderer) GetDescriptorTableOffset(c bindless.Category, index uint32) (uint32, error) {
	return r.descs.TableOffset(c, index)
}

// GetBackBuffer returns the back buffer the current frame renders into, or
// nil after Teardown. It is safe to call from pass recorders.
func (r *Renderer) GetBackBuffer() *RenderTexture {
	if r.closed.Load() {
		return nil
	}
	return r.backs[r.swap.CurrentIndex()]
}

// GetLaneCount returns the SIMD width of the GPU.
func (r *Renderer) GetLaneCount() uint32 { return r.dev.LaneCount() }

// PresentDisplay records, submits and presents one frame. Device loss is
// returned wrapped in frame.ErrPipelineLost; the renderer must then be
// torn down.
func (r *Renderer) PresentDisplay(ctx context.Context) (frame.Result, error) {
	if err := r.check(); err != nil {
		return frame.Result{}, err
	}
	return r.frames.Render(ctx)
}

// FlushGPU blocks until every queue is idle and runs deferred
// destructions.
func (r *Renderer) FlushGPU(ctx context.Context) error {
	if err := r.check(); err != nil {
		return err
	}
	if err := r.pool.Flush(ctx); err != nil {
		return err
	}
	r.retire.Drain(r.fences)
	r.ring.Reclaim()
	r.ctxRing.Reclaim()
	return nil
}

// BeginCapture starts a programmatic capture.
func (r *Renderer) BeginCapture() { r.prof.BeginCapture() }

// EndCapture ends a programmatic capture.
func (r *Renderer) EndCapture() { r.prof.EndCapture() }

// Teardown waits for the GPU, releases every resource and closes the
// device when the renderer opened it. Calling it again is a no-op.
func (r *Renderer) Teardown(ctx context.Context) error {
	r.closeMu.Lock()
	defer r.closeMu.Unlock()
	if r.closed.Swap(true) {
		return nil
	}

	r.stopWatching()
	var errs []error
	for _, b := range r.backs {
		b.Release()
	}
	if err := r.frames.Teardown(ctx); err != nil {
		errs = append(errs, err)
	}
	r.reg.ReleaseAll()
	r.retire.Flush()
	if r.ownsDevice {
		r.dev.Close()
	}
	logging.Logger().Info("rendercore: teardown", "device", r.dev.Name(), "pending", r.retire.Pending())
	return errors.Join(errs...)
}
