package rendercore

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/rendercore/backend"
	"github.com/gogpu/rendercore/cmdlist"
	"github.com/gogpu/rendercore/fence"
	"github.com/gogpu/rendercore/internal/logging"
	"github.com/gogpu/rendercore/resource"
)

// textureRowAlignment is the pitch of texel rows staged in the upload ring.
const textureRowAlignment = 256

// UploadContext stages initial resource data on the copy queue.
//
// Copies are recorded into one copy-queue list backed by the renderer's
// upload-context ring. The copy queue cannot move resources into shader
// states, so the final transitions are deferred and recorded on the
// graphics list passed to SubmitUploads. An UploadContext is submitted
// once.
type UploadContext struct {
	r    *Renderer
	name string

	mu        sync.Mutex
	copy      *cmdlist.CommandList
	pending   []func(*cmdlist.CommandList)
	bytes     uint64
	submitted bool
}

// NewUploadContext fetches a copy-queue list for a batch of uploads.
func (r *Renderer) NewUploadContext(name string) (*UploadContext, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	cl, err := r.pool.FetchNamed(backend.QueueCopy, name+"/upload")
	if err != nil {
		return nil, err
	}
	return &UploadContext{r: r, name: name, copy: cl}, nil
}

// UpdateSubresources stages data into dst, one entry per subresource
// starting at subresource 0. transition is recorded on the owning graphics
// list at SubmitUploads.
func (u *UploadContext) UpdateSubresources(dst *resource.Resource, data []SubresourceData, transition func(*cmdlist.CommandList)) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.submitted {
		return ErrUploadSubmitted
	}
	if uint32(len(data)) > dst.SubresourceCount() {
		return fmt.Errorf("rendercore: %q: %d subresources of data for %d subresources",
			dst.Name(), len(data), dst.SubresourceCount())
	}

	desc := dst.Desc()
	if desc.Kind == backend.KindBuffer {
		if len(data) > 0 {
			if err := u.stageBuffer(dst, data[0].Data); err != nil {
				return err
			}
		}
	} else {
		// Validate every subresource before recording any copy.
		rows := make([]texelRows, len(data))
		for i, sd := range data {
			l, err := textureRows(dst, uint32(i), sd)
			if err != nil {
				return err
			}
			rows[i] = l
		}
		for i, sd := range data {
			if err := u.stageTexture(dst, uint32(i), sd, rows[i]); err != nil {
				return err
			}
		}
	}
	if transition != nil {
		u.pending = append(u.pending, transition)
	}
	return nil
}

func (u *UploadContext) stageBuffer(dst *resource.Resource, data []byte) error {
	size := uint64(len(data))
	if size == 0 {
		return nil
	}
	if size > dst.Desc().Size {
		return fmt.Errorf("rendercore: %q: %d bytes of data for a %d byte buffer", dst.Name(), size, dst.Desc().Size)
	}
	a, err := u.r.ctxRing.Allocate(dst.Name(), size, u.copy.Ticket(), func(b []byte) { copy(b, data) })
	if err != nil {
		return err
	}
	u.copy.CopyBuffer(dst, 0, a.Heap, a.Offset, size)
	u.bytes += size
	return nil
}

// texelRows is the layout of one texture subresource in caller memory.
type texelRows struct {
	width, height uint32
	pitch, tight  uint32
}

func textureRows(dst *resource.Resource, sub uint32, sd SubresourceData) (texelRows, error) {
	desc := dst.Desc()
	bpp := texelSize(desc.Format)
	if bpp == 0 {
		return texelRows{}, fmt.Errorf("%w: %v for %q", ErrUnsupportedFormat, desc.Format, dst.Name())
	}
	mip := sub % max(desc.MipLevels, 1)
	l := texelRows{width: max(desc.Width>>mip, 1), height: max(desc.Height>>mip, 1)}
	l.tight = l.width * bpp
	l.pitch = sd.RowPitch
	if l.pitch == 0 {
		l.pitch = l.tight
	}
	if l.pitch < l.tight || uint64(len(sd.Data)) < uint64(l.pitch)*uint64(l.height-1)+uint64(l.tight) {
		return texelRows{}, fmt.Errorf("rendercore: %q subresource %d: %d bytes with pitch %d do not cover %dx%d texels",
			dst.Name(), sub, len(sd.Data), sd.RowPitch, l.width, l.height)
	}
	return l, nil
}

func (u *UploadContext) stageTexture(dst *resource.Resource, sub uint32, sd SubresourceData, l texelRows) error {
	aligned := (l.tight + textureRowAlignment - 1) &^ (textureRowAlignment - 1)
	size := uint64(aligned) * uint64(l.height)
	a, err := u.r.ctxRing.Allocate(fmt.Sprintf("%s[%d]", dst.Name(), sub), size, u.copy.Ticket(), func(b []byte) {
		for y := range l.height {
			copy(b[y*aligned:y*aligned+l.tight], sd.Data[y*l.pitch:y*l.pitch+l.tight])
		}
	})
	if err != nil {
		return err
	}
	u.copy.CopyTexture(dst, sub, a.Heap, backend.TextureCopyLayout{
		Offset:      a.Offset,
		BytesPerRow: aligned,
		Width:       l.width,
		Height:      l.height,
	})
	u.bytes += size
	return nil
}

// SubmitUploads submits the copies, makes the graphics queue wait for
// them and records the deferred transitions on owning. It returns the
// copy-queue point the uploads complete at. Without pending work the copy
// list is returned to the pool and the zero Point is returned.
func (u *UploadContext) SubmitUploads(owning *cmdlist.CommandList) (fence.Point, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.submitted {
		return fence.Point{}, ErrUploadSubmitted
	}
	u.submitted = true

	if u.bytes == 0 && len(u.pending) == 0 {
		u.r.pool.Discard(u.copy)
		return fence.Point{}, nil
	}
	if owning == nil && len(u.pending) > 0 {
		u.r.pool.Discard(u.copy)
		return fence.Point{}, fmt.Errorf("rendercore: %q: transitions pending without an owning list", u.name)
	}

	v, err := u.r.pool.Submit(backend.QueueCopy, u.copy)
	if err != nil {
		return fence.Point{}, err
	}
	if err := u.r.pool.WaitForQueue(owning.QueueType(), backend.QueueCopy, v); err != nil {
		return fence.Point{}, err
	}
	for _, fn := range u.pending {
		fn(owning)
	}
	u.pending = nil
	p := u.r.fences.Tracker(backend.QueueCopy).Point(v)
	logging.Logger().Debug("rendercore: uploads submitted", "name", u.name, "bytes", u.bytes, "fence", p)
	return p, nil
}

// texelSize returns the bytes per texel of uncompressed formats, zero for
// everything else.
func texelSize(f gputypes.TextureFormat) uint32 {
	switch f {
	case gputypes.TextureFormatR8Unorm, gputypes.TextureFormatR8Snorm,
		gputypes.TextureFormatR8Uint, gputypes.TextureFormatR8Sint:
		return 1
	case gputypes.TextureFormatR16Unorm, gputypes.TextureFormatR16Float,
		gputypes.TextureFormatR16Uint, gputypes.TextureFormatRG8Unorm:
		return 2
	case gputypes.TextureFormatRGBA8Unorm, gputypes.TextureFormatRGBA8UnormSrgb,
		gputypes.TextureFormatBGRA8Unorm, gputypes.TextureFormatBGRA8UnormSrgb,
		gputypes.TextureFormatR32Float, gputypes.TextureFormatR32Uint,
		gputypes.TextureFormatRG16Float, gputypes.TextureFormatRGB10A2Unorm,
		gputypes.TextureFormatRG11B10Ufloat:
		return 4
	case gputypes.TextureFormatRG32Float, gputypes.TextureFormatRGBA16Float,
		gputypes.TextureFormatRGBA16Unorm:
		return 8
	case gputypes.TextureFormatRGBA32Float, gputypes.TextureFormatRGBA32Uint:
		return 16
	default:
		return 0
	}
}
