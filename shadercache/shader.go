// Package shadercache compiles WGSL shaders to SPIR-V once and caches the
// result together with root signatures and pipeline states.
//
// Shaders are keyed by file, entry point, defines and profile. Defines are
// injected as WGSL constants ahead of the source. Warm compiles a set of
// keys in parallel, and Watch drops entries whose source file changed so the
// next lookup recompiles them.
package shadercache

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/gogpu/naga"
	"github.com/gogpu/rendercore/internal/cache"
	"github.com/gogpu/rendercore/internal/logging"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrEntryPoint is returned when the entry point is not declared by
	// the source with the stage of the profile.
	ErrEntryPoint = errors.New("shadercache: entry point not found")
	// ErrProfile is returned for an unknown profile.
	ErrProfile = errors.New("shadercache: unknown profile")
)

// Profile is the pipeline stage a shader is compiled for.
type Profile string

// Profiles.
const (
	ProfileVertex   Profile = "vs"
	ProfileFragment Profile = "fs"
	ProfileCompute  Profile = "cs"
)

func (p Profile) attribute() (string, error) {
	switch p {
	case ProfileVertex:
		return "@vertex", nil
	case ProfileFragment:
		return "@fragment", nil
	case ProfileCompute:
		return "@compute", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrProfile, string(p))
	}
}

// Define is a named constant injected before the source.
type Define struct {
	Name  string
	Value string
}

// Key identifies one compiled shader.
type Key struct {
	File    string
	Entry   string
	Profile Profile
	Defines []Define
}

// String returns the canonical form of k. Defines are sorted by name, so
// keys that differ only in define order are equal.
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(filepath.ToSlash(k.File))
	b.WriteByte(':')
	b.WriteString(k.Entry)
	b.WriteByte('[')
	b.WriteString(string(k.Profile))
	b.WriteByte(']')
	if len(k.Defines) > 0 {
		defs := slices.Clone(k.Defines)
		slices.SortFunc(defs, func(a, b Define) int { return strings.Compare(a.Name, b.Name) })
		b.WriteByte('{')
		for i, d := range defs {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(d.Name)
			b.WriteByte('=')
			b.WriteString(d.Value)
		}
		b.WriteByte('}')
	}
	return b.String()
}

// Shader is a compiled shader blob.
type Shader struct {
	Key   Key
	SPIRV []byte
	// Hash is FNV-1a over SPIRV.
	Hash uint64
}

// Words returns SPIRV as little-endian 32-bit words.
func (s *Shader) Words() []uint32 {
	words := make([]uint32, len(s.SPIRV)/4)
	for i := range words {
		words[i] = uint32(s.SPIRV[i*4]) |
			uint32(s.SPIRV[i*4+1])<<8 |
			uint32(s.SPIRV[i*4+2])<<16 |
			uint32(s.SPIRV[i*4+3])<<24
	}
	return words
}

// Compiler turns WGSL source into SPIR-V.
type Compiler func(source string) ([]byte, error)

// Options configures a Cache.
type Options struct {
	// Root is the directory shader files are relative to.
	Root string
	// Capacity bounds the number of cached shaders. Zero means unbounded.
	Capacity int
	// Workers bounds parallel compilation in Warm. Zero means no limit.
	Workers int
	// Compiler defaults to naga.Compile.
	Compiler Compiler
}

// Stats reports cache activity.
type Stats struct {
	cache.Stats
	Compiles      uint64
	Invalidations uint64
}

// Cache holds compiled shaders.
type Cache struct {
	root    string
	workers int
	compile Compiler
	shaders *cache.Cache[string, *Shader]
	flight  singleflight.Group

	mu            sync.Mutex
	compiles      uint64
	invalidations uint64
	listeners     []func(file string)
}

// New creates a shader cache.
func New(opts Options) *Cache {
	compile := opts.Compiler
	if compile == nil {
		compile = naga.Compile
	}
	return &Cache{
		root:    opts.Root,
		workers: opts.Workers,
		compile: compile,
		shaders: cache.New[string, *Shader](opts.Capacity, nil),
	}
}

// Root returns the shader directory.
func (c *Cache) Root() string { return c.root }

// Shader returns the compiled shader for k, compiling it on first use.
// Concurrent lookups of the same key compile once.
func (c *Cache) Shader(k Key) (*Shader, error) {
	id := k.String()
	if s, ok := c.shaders.Get(id); ok {
		return s, nil
	}
	v, err, _ := c.flight.Do(id, func() (any, error) {
		if s, ok := c.shaders.Get(id); ok {
			return s, nil
		}
		s, err := c.build(k)
		if err != nil {
			return nil, err
		}
		c.shaders.Set(id, s)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Shader), nil
}

func (c *Cache) build(k Key) (*Shader, error) {
	attr, err := k.Profile.attribute()
	if err != nil {
		return nil, err
	}
	src, err := os.ReadFile(filepath.Join(c.root, k.File))
	if err != nil {
		return nil, fmt.Errorf("shadercache: read %s: %w", k.File, err)
	}
	entry := regexp.MustCompile(regexp.QuoteMeta(attr) + `[^;{]*?\bfn\s+` + regexp.QuoteMeta(k.Entry) + `\s*\(`)
	if !entry.Match(src) {
		return nil, fmt.Errorf("%w: %s in %s", ErrEntryPoint, k.Entry, k.File)
	}

	spirv, err := c.compile(Preprocess(string(src), k.Defines))
	if err != nil {
		return nil, fmt.Errorf("shadercache: compile %v: %w", k, err)
	}
	h := fnv.New64a()
	_, _ = h.Write(spirv)

	c.mu.Lock()
	c.compiles++
	c.mu.Unlock()
	logging.Logger().Debug("shadercache: compiled", "key", k.String(), "bytes", len(spirv))
	return &Shader{Key: k, SPIRV: spirv, Hash: h.Sum64()}, nil
}

// Preprocess prepends one WGSL const declaration per define. Defines are
// emitted in name order.
func Preprocess(source string, defines []Define) string {
	if len(defines) == 0 {
		return source
	}
	defs := slices.Clone(defines)
	slices.SortFunc(defs, func(a, b Define) int { return strings.Compare(a.Name, b.Name) })
	var b strings.Builder
	for _, d := range defs {
		fmt.Fprintf(&b, "const %s = %s;\n", d.Name, d.Value)
	}
	b.WriteString(source)
	return b.String()
}

// Warm compiles keys in parallel and returns the first error.
func (c *Cache) Warm(ctx context.Context, keys []Key) error {
	g, ctx := errgroup.WithContext(ctx)
	if c.workers > 0 {
		g.SetLimit(c.workers)
	}
	for _, k := range keys {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			_, err := c.Shader(k)
			return err
		})
	}
	return g.Wait()
}

// Invalidate drops every shader compiled from file and notifies listeners.
// It returns the number of dropped shaders.
func (c *Cache) Invalidate(file string) int {
	file = filepath.ToSlash(filepath.Clean(file))
	n := c.shaders.DeleteFunc(func(_ string, s *Shader) bool {
		return filepath.ToSlash(filepath.Clean(s.Key.File)) == file
	})
	c.mu.Lock()
	c.invalidations += uint64(n)
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(file)
	}
	if n > 0 {
		logging.Logger().Info("shadercache: invalidated", "file", file, "shaders", n)
	}
	return n
}

// OnInvalidate registers fn to run after a file was invalidated.
func (c *Cache) OnInvalidate(fn func(file string)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Len returns the number of cached shaders.
func (c *Cache) Len() int { return c.shaders.Len() }

// Stats returns cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Stats: c.shaders.Stats(), Compiles: c.compiles, Invalidations: c.invalidations}
}
