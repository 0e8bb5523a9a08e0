package rendercore

import (
	"image"
	"math/bits"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/rendercore/backend"
	xdraw "golang.org/x/image/draw"
)

// MipLevels returns the length of the full mip chain of a w x h texture.
func MipLevels(w, h uint32) uint32 {
	return uint32(bits.Len32(max(w, h, 1)))
}

// ImageData converts img to tightly packed RGBA8 texels. With mips set,
// the full mip chain is generated with Catmull-Rom filtering, each level
// scaled from the one above it.
func ImageData(img image.Image, mips bool) (TextureDesc, []SubresourceData) {
	b := img.Bounds()
	base := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.Draw(base, base.Bounds(), img, b.Min, xdraw.Src)

	desc := TextureDesc{
		Format:    gputypes.TextureFormatRGBA8Unorm,
		Width:     uint32(b.Dx()),
		Height:    uint32(b.Dy()),
		MipLevels: 1,
	}
	if mips {
		desc.MipLevels = MipLevels(desc.Width, desc.Height)
	}

	data := make([]SubresourceData, 0, desc.MipLevels)
	level := base
	for mip := range desc.MipLevels {
		if mip > 0 {
			w := max(desc.Width>>mip, 1)
			h := max(desc.Height>>mip, 1)
			next := image.NewRGBA(image.Rect(0, 0, int(w), int(h)))
			xdraw.CatmullRom.Scale(next, next.Bounds(), level, level.Bounds(), xdraw.Src, nil)
			level = next
		}
		data = append(data, SubresourceData{Data: level.Pix, RowPitch: uint32(level.Stride)})
	}
	return desc, data
}

// CreateBindlessTextureFromImage creates a Texture2D holding img, with a
// generated mip chain when mips is set. srgb selects the sRGB view of the
// texels.
func (r *Renderer) CreateBindlessTextureFromImage(name string, img image.Image, mips, srgb bool, state backend.ResourceState, uc *UploadContext) (*BindlessResource, error) {
	desc, data := ImageData(img, mips)
	if srgb {
		desc.Format = gputypes.TextureFormatRGBA8UnormSrgb
	}
	return r.CreateBindlessTexture(name, desc, state, data, uc)
}
