package shadercache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"hash/fnv"
	"path/filepath"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/rendercore/bindless"
	"github.com/gogpu/rendercore/internal/cache"
	"github.com/gogpu/rendercore/internal/logging"
)

// ErrRootSignatureConflict is returned when a root signature name is
// reused with a different layout.
var ErrRootSignatureConflict = errors.New("shadercache: root signature redefined")

// RootSignatureDesc is the binding layout shared by pipelines: root
// constants plus one descriptor table per bindless category.
type RootSignatureDesc struct {
	Constants uint32
	Tables    []bindless.Category
	Samplers  uint32
}

func (d RootSignatureDesc) hash() uint64 {
	h := fnv.New64a()
	writeU32(h, d.Constants, uint32(len(d.Tables)), d.Samplers)
	for _, c := range d.Tables {
		writeU32(h, uint32(c))
	}
	return h.Sum64()
}

// RootSignature is a named, cached binding layout.
type RootSignature struct {
	Name string
	Desc RootSignatureDesc
	Hash uint64
}

// PipelineKind selects graphics or compute.
type PipelineKind uint8

// Pipeline kinds.
const (
	PipelineGraphics PipelineKind = iota
	PipelineCompute
)

func (k PipelineKind) String() string {
	if k == PipelineCompute {
		return "compute"
	}
	return "graphics"
}

// PipelineDesc describes a pipeline state. Graphics pipelines take a
// vertex and a fragment shader, compute pipelines one compute shader.
type PipelineDesc struct {
	Kind          PipelineKind
	Name          string
	RootSignature string
	Shaders       []Key
	ColorFormats  []gputypes.TextureFormat
	DepthFormat   gputypes.TextureFormat
	SampleCount   uint32
}

// Hash returns a digest of every field except Name.
func (d PipelineDesc) Hash() uint64 {
	h := fnv.New64a()
	writeU32(h, uint32(d.Kind), d.SampleCount, uint32(d.DepthFormat), uint32(len(d.ColorFormats)))
	for _, f := range d.ColorFormats {
		writeU32(h, uint32(f))
	}
	_, _ = h.Write([]byte(d.RootSignature))
	for _, k := range d.Shaders {
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(k.String()))
	}
	return h.Sum64()
}

func (d PipelineDesc) validate() error {
	var want []Profile
	switch d.Kind {
	case PipelineGraphics:
		want = []Profile{ProfileVertex, ProfileFragment}
		if len(d.ColorFormats) == 0 && d.DepthFormat == gputypes.TextureFormatUndefined {
			return fmt.Errorf("shadercache: graphics pipeline %q has no attachments", d.Name)
		}
	case PipelineCompute:
		want = []Profile{ProfileCompute}
	default:
		return fmt.Errorf("shadercache: pipeline %q has unknown kind %d", d.Name, d.Kind)
	}
	if len(d.Shaders) != len(want) {
		return fmt.Errorf("shadercache: %v pipeline %q needs %d shaders, got %d", d.Kind, d.Name, len(want), len(d.Shaders))
	}
	for i, p := range want {
		if d.Shaders[i].Profile != p {
			return fmt.Errorf("shadercache: %v pipeline %q shader %d has profile %q, want %q",
				d.Kind, d.Name, i, d.Shaders[i].Profile, p)
		}
	}
	return nil
}

func writeU32(h hash.Hash64, vs ...uint32) {
	var buf [4]byte
	for _, v := range vs {
		binary.LittleEndian.PutUint32(buf[:], v)
		_, _ = h.Write(buf[:])
	}
}

// Pipeline is a cached pipeline state. Native is whatever the
// PipelineCompiler returned.
type Pipeline struct {
	Desc   PipelineDesc
	Hash   uint64
	Native any
}

// PipelineCompiler creates the backend pipeline object.
type PipelineCompiler func(desc PipelineDesc, root *RootSignature, shaders []*Shader) (any, error)

// Pipelines caches root signatures and pipeline states. Pipelines that use
// a shader are dropped when its source file is invalidated.
type Pipelines struct {
	shaders   *Cache
	compile   PipelineCompiler
	pipelines *cache.Sharded[uint64, *Pipeline]
	roots     *cache.Cache[string, *RootSignature]
}

// NewPipelines creates a pipeline cache over shaders. perShard bounds the
// pipelines kept per shard; zero means unbounded.
func NewPipelines(shaders *Cache, compile PipelineCompiler, perShard int) *Pipelines {
	p := &Pipelines{
		shaders:   shaders,
		compile:   compile,
		pipelines: cache.NewSharded[uint64, *Pipeline](perShard, cache.Uint64Hasher, nil),
		roots:     cache.New[string, *RootSignature](0, nil),
	}
	shaders.OnInvalidate(p.invalidate)
	return p
}

// RootSignature returns the root signature called name, creating it from
// desc on first use. Asking again with a different layout fails.
func (p *Pipelines) RootSignature(name string, desc RootSignatureDesc) (*RootSignature, error) {
	h := desc.hash()
	rs, err := p.roots.GetOrCreate(name, func() (*RootSignature, error) {
		return &RootSignature{Name: name, Desc: desc, Hash: h}, nil
	})
	if err != nil {
		return nil, err
	}
	if rs.Hash != h {
		return nil, fmt.Errorf("%w: %q", ErrRootSignatureConflict, name)
	}
	return rs, nil
}

// Graphics returns the graphics pipeline for desc.
func (p *Pipelines) Graphics(desc PipelineDesc) (*Pipeline, error) {
	desc.Kind = PipelineGraphics
	return p.fetch(desc)
}

// Compute returns the compute pipeline for desc.
func (p *Pipelines) Compute(desc PipelineDesc) (*Pipeline, error) {
	desc.Kind = PipelineCompute
	return p.fetch(desc)
}

func (p *Pipelines) fetch(desc PipelineDesc) (*Pipeline, error) {
	if err := desc.validate(); err != nil {
		return nil, err
	}
	h := desc.Hash()
	if pl, ok := p.pipelines.Get(h); ok {
		return pl, nil
	}

	root, ok := p.roots.Get(desc.RootSignature)
	if !ok {
		return nil, fmt.Errorf("shadercache: pipeline %q uses unknown root signature %q", desc.Name, desc.RootSignature)
	}
	shaders := make([]*Shader, len(desc.Shaders))
	for i, k := range desc.Shaders {
		s, err := p.shaders.Shader(k)
		if err != nil {
			return nil, err
		}
		shaders[i] = s
	}
	return p.pipelines.GetOrCreate(h, func() (*Pipeline, error) {
		var native any
		if p.compile != nil {
			var err error
			if native, err = p.compile(desc, root, shaders); err != nil {
				return nil, fmt.Errorf("shadercache: create %v pipeline %q: %w", desc.Kind, desc.Name, err)
			}
		}
		logging.Logger().Debug("shadercache: pipeline created", "name", desc.Name, "kind", desc.Kind, "hash", h)
		return &Pipeline{Desc: desc, Hash: h, Native: native}, nil
	})
}

func (p *Pipelines) invalidate(file string) {
	p.pipelines.DeleteFunc(func(_ uint64, pl *Pipeline) bool {
		for _, k := range pl.Desc.Shaders {
			if filepath.ToSlash(filepath.Clean(k.File)) == file {
				return true
			}
		}
		return false
	})
}

// Len returns the number of cached pipelines.
func (p *Pipelines) Len() int { return p.pipelines.Len() }

// Stats returns pipeline cache counters.
func (p *Pipelines) Stats() cache.Stats { return p.pipelines.Stats() }
