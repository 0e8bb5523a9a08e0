package wgpu

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/rendercore/backend"
	"github.com/gogpu/wgpu/hal"
)

// bufferUsage is granted to every committed buffer.
const bufferUsage = gputypes.BufferUsageCopyDst | gputypes.BufferUsageCopySrc |
	gputypes.BufferUsageStorage | gputypes.BufferUsageUniform | gputypes.BufferUsageVertex

func textureUsage(flags backend.ResourceFlags) gputypes.TextureUsage {
	u := gputypes.TextureUsageCopyDst | gputypes.TextureUsageCopySrc | gputypes.TextureUsageTextureBinding
	if flags&(backend.AllowRenderTarget|backend.AllowDepthStencil) != 0 {
		u |= gputypes.TextureUsageRenderAttachment
	}
	if flags&backend.AllowUnorderedAccess != 0 {
		u |= gputypes.TextureUsageStorageBinding
	}
	return u
}

// stateUsage maps a barrier state onto HAL texture usage. Common maps to
// no usage, which lets the HAL discard contents. Offscreen back buffers
// have no present layout and rest as render attachments.
func stateUsage(s backend.ResourceState) gputypes.TextureUsage {
	var u gputypes.TextureUsage
	if s&(backend.StateRenderTarget|backend.StateDepthWrite|backend.StateDepthRead|
		backend.StateResolveDest|backend.StatePresent) != 0 {
		u |= gputypes.TextureUsageRenderAttachment
	}
	if s&backend.StateShaderResource != 0 {
		u |= gputypes.TextureUsageTextureBinding
	}
	if s&backend.StateUnorderedAccess != 0 {
		u |= gputypes.TextureUsageStorageBinding
	}
	if s&backend.StateCopyDest != 0 {
		u |= gputypes.TextureUsageCopyDst
	}
	if s&(backend.StateCopySource|backend.StateResolveSource) != 0 {
		u |= gputypes.TextureUsageCopySrc
	}
	return u
}

// CommandList records into a reusable HAL command encoder.
type CommandList struct {
	dev   *Device
	typ   backend.QueueType
	enc   hal.CommandEncoder
	label string

	recording bool
	// buf is the result of the last Close. It is freed by the next Reset,
	// which the pool only issues once the submission retired.
	buf    hal.CommandBuffer
	events []string
	// errs collects recording failures reported by Close.
	errs []error
}

var _ backend.CommandList = (*CommandList)(nil)

// QueueType returns the queue the list was created for.
func (c *CommandList) QueueType() backend.QueueType { return c.typ }

// Label returns the label of the current recording.
func (c *CommandList) Label() string { return c.label }

// Reset frees the previous command buffer and begins encoding.
func (c *CommandList) Reset(label string) error {
	if c.recording {
		return fmt.Errorf("wgpu: reset of recording list %q", c.label)
	}
	if c.buf != nil {
		c.dev.hal.FreeCommandBuffer(c.buf)
		c.buf = nil
	}
	if err := c.enc.BeginEncoding(label); err != nil {
		return fmt.Errorf("wgpu: begin %q: %w", label, err)
	}
	c.label = label
	c.recording = true
	c.events = c.events[:0]
	c.errs = c.errs[:0]
	return nil
}

// Close ends encoding. A list with recording errors is discarded.
func (c *CommandList) Close() error {
	if !c.recording {
		return fmt.Errorf("wgpu: close of closed list %q", c.label)
	}
	c.recording = false
	if len(c.events) > 0 {
		c.errs = append(c.errs, fmt.Errorf("unbalanced events %v", c.events))
	}
	if len(c.errs) > 0 {
		c.enc.DiscardEncoding()
		return fmt.Errorf("wgpu: close %q: %w", c.label, errors.Join(c.errs...))
	}
	buf, err := c.enc.EndEncoding()
	if err != nil {
		return fmt.Errorf("wgpu: close %q: %w", c.label, err)
	}
	c.buf = buf
	return nil
}

// ResourceBarrier translates texture transitions into HAL barriers.
// Buffer transitions and UAV barriers are skipped.
func (c *CommandList) ResourceBarrier(barriers []backend.Barrier) {
	out := make([]hal.TextureBarrier, 0, len(barriers))
	for _, b := range barriers {
		if b.Kind != backend.BarrierTransition {
			continue
		}
		res, ok := b.Resource.(*Resource)
		if !ok || res.texture == nil {
			continue
		}
		out = append(out, hal.TextureBarrier{
			Texture: res.texture,
			Usage: hal.TextureUsageTransition{
				OldUsage: stateUsage(b.Before),
				NewUsage: stateUsage(b.After),
			},
		})
	}
	if len(out) > 0 {
		c.enc.TransitionTextures(out)
	}
}

// CopyBufferRegion copies size bytes from the upload heap into dst.
func (c *CommandList) CopyBufferRegion(dst backend.Resource, dstOffset uint64, src backend.UploadHeap, srcOffset, size uint64) {
	d, okDst := dst.(*Resource)
	s, okSrc := src.(*UploadHeap)
	if !okDst || !okSrc || d.buffer == nil {
		c.errs = append(c.errs, fmt.Errorf("copy %T -> %T is not a buffer copy", src, dst))
		return
	}
	c.enc.CopyBufferToBuffer(s.buffer, d.buffer, []hal.BufferCopy{{
		SrcOffset: srcOffset,
		DstOffset: dstOffset,
		Size:      size,
	}})
}

// CopyTextureRegion copies texels from the upload heap into one
// subresource of dst. Subresources are numbered mip-major within a layer.
func (c *CommandList) CopyTextureRegion(dst backend.Resource, subresource uint32, src backend.UploadHeap, layout backend.TextureCopyLayout) {
	d, okDst := dst.(*Resource)
	s, okSrc := src.(*UploadHeap)
	if !okDst || !okSrc || d.texture == nil {
		c.errs = append(c.errs, fmt.Errorf("copy %T -> %T is not a texture copy", src, dst))
		return
	}
	mips := max(d.desc.MipLevels, 1)
	c.enc.CopyBufferToTexture(s.buffer, d.texture, []hal.BufferTextureCopy{{
		BufferLayout: hal.ImageDataLayout{
			Offset:       layout.Offset,
			BytesPerRow:  layout.BytesPerRow,
			RowsPerImage: layout.Height,
		},
		TextureBase: hal.ImageCopyTexture{
			Texture:  d.texture,
			MipLevel: subresource % mips,
			Origin:   hal.Origin3D{Z: subresource / mips},
		},
		Size: hal.Extent3D{Width: layout.Width, Height: layout.Height, DepthOrArrayLayers: 1},
	}})
}

// BeginEvent opens a named region. The HAL has no debug markers, so
// regions are only checked for balance.
func (c *CommandList) BeginEvent(name string) {
	c.events = append(c.events, name)
}

// EndEvent closes the innermost region.
func (c *CommandList) EndEvent() {
	if len(c.events) == 0 {
		c.errs = append(c.errs, errors.New("EndEvent without BeginEvent"))
		return
	}
	c.events = c.events[:len(c.events)-1]
}
