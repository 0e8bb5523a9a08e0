package rendercore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/rendercore/backend"
	"github.com/gogpu/rendercore/bindless"
	"github.com/gogpu/rendercore/cmdlist"
	"github.com/gogpu/rendercore/internal/logging"
	"github.com/gogpu/rendercore/resource"
)

// InvalidIndex marks a descriptor that was not allocated.
const InvalidIndex = ^uint32(0)

// TextureDesc describes a texture created through the Renderer.
type TextureDesc struct {
	Format gputypes.TextureFormat
	Width  uint32
	Height uint32
	// MipLevels and ArraySize default to 1. A cube texture needs a
	// multiple of 6 array slices.
	MipLevels uint32
	ArraySize uint32
	// SampleCount defaults to 1, or to the configured frame sample count
	// for render and depth targets.
	SampleCount uint32
	Cube        bool
}

func (d TextureDesc) normalized() TextureDesc {
	d.MipLevels = max(d.MipLevels, 1)
	d.ArraySize = max(d.ArraySize, 1)
	if d.Cube && d.ArraySize == 1 {
		d.ArraySize = 6
	}
	return d
}

func (d TextureDesc) resourceDesc(name string, flags backend.ResourceFlags, state backend.ResourceState) backend.ResourceDesc {
	return backend.ResourceDesc{
		Label:              name,
		Kind:               backend.KindTexture,
		Width:              d.Width,
		Height:             d.Height,
		DepthOrArrayLayers: d.ArraySize,
		MipLevels:          d.MipLevels,
		SampleCount:        max(d.SampleCount, 1),
		Format:             d.Format,
		Dimension:          gputypes.TextureDimension2D,
		Cube:               d.Cube,
		Flags:              flags,
		InitialState:       state,
	}
}

// SubresourceData is the initial contents of one subresource. Subresources
// are ordered mip-major within each array slice.
type SubresourceData struct {
	Data []byte
	// RowPitch is the distance between rows in Data. Zero means tightly
	// packed.
	RowPitch uint32
}

// Subresource returns the index of mip level mip in array slice slice.
func Subresource(mip, slice, mipLevels uint32) uint32 {
	return mip + slice*max(mipLevels, 1)
}

// owner returns what a wrapper holds once its last use retired.
type owner struct {
	r        *Renderer
	res      *resource.Resource
	bindless []uint32
	heap     backend.DescriptorHeapType
	heapIdx  []uint32
	once     sync.Once
}

func (o *owner) release() {
	o.once.Do(func() {
		r, heap := o.r, o.heap
		bind, heapIdx := o.bindless, o.heapIdx
		if len(bind)+len(heapIdx) > 0 {
			r.retire.DeferUser(o.res.Name()+"/descriptors", o.res, func() {
				var errs []error
				for _, i := range bind {
					errs = append(errs, r.descs.Free(i))
				}
				for _, i := range heapIdx {
					errs = append(errs, r.descs.Heap(heap).Free(i))
				}
				if err := errors.Join(errs...); err != nil {
					logging.Logger().Warn("rendercore: free descriptors", "name", o.res.Name(), "err", err)
				}
			})
		}
		r.reg.Release(o.res)
	})
}

// BindlessResource is a texture or buffer readable through one bindless
// index.
type BindlessResource struct {
	*resource.Resource
	Category bindless.Category
	SRVIndex uint32

	own owner
}

// Release frees the index and the allocation once the GPU is done with
// them. Calling it again is a no-op.
func (b *BindlessResource) Release() { b.own.release() }

// BindlessUav is a resource readable through one bindless index and
// writable through UAVIndices: one per mip level for textures, one for
// buffers.
type BindlessUav struct {
	*resource.Resource
	SRVIndex    uint32
	UAVCategory bindless.Category
	UAVIndices  []uint32

	own owner
}

// Release frees the indices and the allocation once the GPU is done with
// them.
func (b *BindlessUav) Release() { b.own.release() }

// RenderTexture is a render target or depth-stencil texture with one
// target view per mip level and a bindless index for sampling it.
type RenderTexture struct {
	*resource.Resource
	// TargetIndices index the render-target heap, or the depth-stencil
	// heap when DepthStencil is set.
	TargetIndices   []uint32
	SRVIndex        uint32
	DepthStencil    bool
	SwapChainBuffer bool

	own owner
}

// Release frees the views and the allocation once the GPU is done with
// them.
func (t *RenderTexture) Release() { t.own.release() }

// TargetDescriptor returns the CPU handle of the target view of mip.
func (t *RenderTexture) TargetDescriptor(mip uint32) (uint64, error) {
	if int(mip) >= len(t.TargetIndices) {
		return 0, fmt.Errorf("rendercore: %q has no mip %d", t.Name(), mip)
	}
	return t.own.r.descs.CPUDescriptor(t.own.heap, t.TargetIndices[mip])
}

// Transition moves one subresource of t to state on cl.
func (t *RenderTexture) Transition(cl *cmdlist.CommandList, subresource uint32, state backend.ResourceState) {
	cl.Transition(t.Resource, subresource, state)
}

// CreateBindlessTexture creates a sampled texture. When data is given it
// is staged through uc and the texture reaches state once the uploads are
// submitted; otherwise the texture is created in state.
func (r *Renderer) CreateBindlessTexture(name string, desc TextureDesc, state backend.ResourceState, data []SubresourceData, uc *UploadContext) (*BindlessResource, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	desc = desc.normalized()
	if len(data) > 0 && uc == nil {
		return nil, fmt.Errorf("rendercore: %q: initial data without an upload context", name)
	}
	initial := state
	if len(data) > 0 {
		initial = backend.StateCopyDest
	}
	res, err := r.reg.Create(desc.resourceDesc(name, 0, initial))
	if err != nil {
		return nil, err
	}

	cat, kind := bindless.Texture2D, backend.ViewTexture2DSRV
	if desc.Cube {
		cat, kind = bindless.TextureCube, backend.ViewTextureCubeSRV
	}
	d, err := r.descs.Allocate(cat, backend.ViewDesc{Kind: kind, Resource: res.Native(), Format: desc.Format})
	if err != nil {
		r.reg.Release(res)
		return nil, fmt.Errorf("rendercore: %q: %w", name, err)
	}
	t := &BindlessResource{Resource: res, Category: cat, SRVIndex: d.Index}
	t.own = owner{r: r, res: res, bindless: []uint32{d.Index}}

	if len(data) > 0 {
		err := uc.UpdateSubresources(res, data, func(cl *cmdlist.CommandList) {
			cl.Transition(res, resource.AllSubresources, state)
		})
		if err != nil {
			t.Release()
			return nil, err
		}
	}
	logging.Logger().Debug("rendercore: bindless texture", "name", name, "category", cat, "index", d.Index)
	return t, nil
}

// CreateBindlessBuffer creates a structured buffer of size bytes with
// elements of stride bytes. A zero stride views the buffer as 32-bit
// words.
func (r *Renderer) CreateBindlessBuffer(name string, size uint64, stride uint32, state backend.ResourceState, data []byte, uc *UploadContext) (*BindlessResource, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	if len(data) > 0 && uc == nil {
		return nil, fmt.Errorf("rendercore: %q: initial data without an upload context", name)
	}
	if uint64(len(data)) > size {
		return nil, fmt.Errorf("rendercore: %q: %d bytes of data for a %d byte buffer", name, len(data), size)
	}
	initial := state
	if len(data) > 0 {
		initial = backend.StateCopyDest
	}
	res, err := r.reg.Create(backend.ResourceDesc{Label: name, Kind: backend.KindBuffer, Size: size, InitialState: initial})
	if err != nil {
		return nil, err
	}
	d, err := r.descs.Allocate(bindless.Buffer, bufferView(backend.ViewBufferSRV, res, size, stride))
	if err != nil {
		r.reg.Release(res)
		return nil, fmt.Errorf("rendercore: %q: %w", name, err)
	}
	b := &BindlessResource{Resource: res, Category: bindless.Buffer, SRVIndex: d.Index}
	b.own = owner{r: r, res: res, bindless: []uint32{d.Index}}

	if len(data) > 0 {
		err := uc.UpdateSubresources(res, []SubresourceData{{Data: data}}, func(cl *cmdlist.CommandList) {
			cl.Transition(res, 0, state)
		})
		if err != nil {
			b.Release()
			return nil, err
		}
	}
	return b, nil
}

func bufferView(kind backend.ViewKind, res *resource.Resource, size uint64, stride uint32) backend.ViewDesc {
	if stride == 0 {
		stride = 4
	}
	return backend.ViewDesc{
		Kind:        kind,
		Resource:    res.Native(),
		NumElements: uint32(size / uint64(stride)),
		Stride:      stride,
	}
}

// CreateBindlessUavTexture creates a texture writable from shaders. Array
// textures get their UAVs in the RWTexture2DArray range.
func (r *Renderer) CreateBindlessUavTexture(name string, desc TextureDesc) (*BindlessUav, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	desc = desc.normalized()
	res, err := r.reg.Create(desc.resourceDesc(name, backend.AllowUnorderedAccess, backend.StateUnorderedAccess))
	if err != nil {
		return nil, err
	}

	uavCat, uavKind := bindless.RWTexture2D, backend.ViewTexture2DUAV
	if desc.ArraySize > 1 {
		uavCat, uavKind = bindless.RWTexture2DArray, backend.ViewTexture2DArrayUAV
	}
	u := &BindlessUav{Resource: res, SRVIndex: InvalidIndex, UAVCategory: uavCat}
	u.own = owner{r: r, res: res}

	srv, err := r.descs.Allocate(bindless.Texture2D, backend.ViewDesc{
		Kind: backend.ViewTexture2DSRV, Resource: res.Native(), Format: desc.Format,
	})
	if err != nil {
		u.Release()
		return nil, fmt.Errorf("rendercore: %q: %w", name, err)
	}
	u.SRVIndex = srv.Index
	u.own.bindless = append(u.own.bindless, srv.Index)

	for mip := range desc.MipLevels {
		d, err := r.descs.Allocate(uavCat, backend.ViewDesc{
			Kind: uavKind, Resource: res.Native(), Format: desc.Format, MipSlice: mip,
		})
		if err != nil {
			u.Release()
			return nil, fmt.Errorf("rendercore: %q mip %d: %w", name, mip, err)
		}
		u.UAVIndices = append(u.UAVIndices, d.Index)
		u.own.bindless = append(u.own.bindless, d.Index)
	}
	return u, nil
}

// CreateBindlessUavBuffer creates a buffer writable from shaders. Both its
// views live in the Buffer range.
func (r *Renderer) CreateBindlessUavBuffer(name string, size uint64, stride uint32) (*BindlessUav, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	res, err := r.reg.Create(backend.ResourceDesc{
		Label: name, Kind: backend.KindBuffer, Size: size,
		Flags: backend.AllowUnorderedAccess, InitialState: backend.StateUnorderedAccess,
	})
	if err != nil {
		return nil, err
	}
	u := &BindlessUav{Resource: res, SRVIndex: InvalidIndex, UAVCategory: bindless.Buffer}
	u.own = owner{r: r, res: res}

	srv, err := r.descs.Allocate(bindless.Buffer, bufferView(backend.ViewBufferSRV, res, size, stride))
	if err != nil {
		u.Release()
		return nil, fmt.Errorf("rendercore: %q: %w", name, err)
	}
	u.SRVIndex = srv.Index
	u.own.bindless = append(u.own.bindless, srv.Index)

	uav, err := r.descs.Allocate(bindless.Buffer, bufferView(backend.ViewBufferUAV, res, size, stride))
	if err != nil {
		u.Release()
		return nil, fmt.Errorf("rendercore: %q: %w", name, err)
	}
	u.UAVIndices = []uint32{uav.Index}
	u.own.bindless = append(u.own.bindless, uav.Index)
	return u, nil
}

// CreateRenderTexture creates a color target with a render-target view per
// mip level. It starts in the render-target state.
func (r *Renderer) CreateRenderTexture(name string, desc TextureDesc) (*RenderTexture, error) {
	return r.createTarget(name, desc, false)
}

// CreateDepthStencilTexture creates a depth target with a depth-stencil
// view per mip level. It starts in the depth-write state.
func (r *Renderer) CreateDepthStencilTexture(name string, desc TextureDesc) (*RenderTexture, error) {
	if !desc.Format.HasDepth() {
		return nil, fmt.Errorf("rendercore: %q: %v is not a depth format", name, desc.Format)
	}
	return r.createTarget(name, desc, true)
}

func (r *Renderer) createTarget(name string, desc TextureDesc, depth bool) (*RenderTexture, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	desc = desc.normalized()
	if desc.SampleCount == 0 {
		desc.SampleCount = r.cfg.Frame.SampleCount
	}
	flags, state := backend.AllowRenderTarget, backend.StateRenderTarget
	heap, kind := backend.HeapRenderTarget, backend.ViewRenderTarget
	if depth {
		flags, state = backend.AllowDepthStencil, backend.StateDepthWrite
		heap, kind = backend.HeapDepthStencil, backend.ViewDepthStencil
	}
	res, err := r.reg.Create(desc.resourceDesc(name, flags, state))
	if err != nil {
		return nil, err
	}
	t := &RenderTexture{Resource: res, SRVIndex: InvalidIndex, DepthStencil: depth}
	t.own = owner{r: r, res: res, heap: heap}

	h := r.descs.Heap(heap)
	for mip := range desc.MipLevels {
		idx, err := h.Allocate(backend.ViewDesc{Kind: kind, Resource: res.Native(), Format: desc.Format, MipSlice: mip})
		if err != nil {
			t.Release()
			return nil, fmt.Errorf("rendercore: %q mip %d: %w", name, mip, err)
		}
		t.TargetIndices = append(t.TargetIndices, idx)
		t.own.heapIdx = t.TargetIndices
	}

	srv, err := r.descs.Allocate(bindless.Texture2D, backend.ViewDesc{
		Kind: backend.ViewTexture2DSRV, Resource: res.Native(), Format: desc.Format,
	})
	if err != nil {
		t.Release()
		return nil, fmt.Errorf("rendercore: %q: %w", name, err)
	}
	t.SRVIndex = srv.Index
	t.own.bindless = []uint32{srv.Index}
	return t, nil
}
