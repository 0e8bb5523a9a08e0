// Package config loads renderer capacities and frame settings from TOML.
//
// Every field has a default (see Default). A file only needs the keys it
// changes; unknown keys are rejected so that typos do not go unnoticed.
//
//	[bindless]
//	texture2d = 4096
//
//	[upload]
//	size = 33554432
//
//	[frame]
//	width = 1920
//	height = 1080
//	ui = false
package config

import (
	"bytes"
	"errors"
	"fmt"
	"math/bits"
	"os"

	"github.com/gogpu/rendercore/bindless"
	"github.com/pelletier/go-toml/v2"
)

// BackendConfig selects the native backend.
type BackendConfig struct {
	// Name is a registered backend name, or empty for the best available.
	Name string `toml:"name"`
}

// BindlessConfig holds the descriptor range size of each category.
type BindlessConfig struct {
	Buffer           uint32 `toml:"buffer"`
	Texture2D        uint32 `toml:"texture2d"`
	TextureCube      uint32 `toml:"texture_cube"`
	RWTexture2D      uint32 `toml:"rw_texture2d"`
	RWTexture2DArray uint32 `toml:"rw_texture2d_array"`
}

// HeapsConfig holds the capacity of the CPU-only descriptor heaps.
type HeapsConfig struct {
	RenderTarget uint32 `toml:"render_target"`
	DepthStencil uint32 `toml:"depth_stencil"`
}

// UploadConfig sizes the transient upload ring.
type UploadConfig struct {
	Size      uint64 `toml:"size"`
	Alignment uint64 `toml:"alignment"`
	// ContextSize sizes the ring used for one-shot initial data uploads.
	ContextSize uint64 `toml:"context_size"`
}

// FrameConfig controls the frame loop.
type FrameConfig struct {
	Width          uint32 `toml:"width"`
	Height         uint32 `toml:"height"`
	SampleCount    uint32 `toml:"sample_count"`
	BufferCount    int    `toml:"buffer_count"`
	FramesInFlight int    `toml:"frames_in_flight"`
	SyncInterval   int    `toml:"sync_interval"`
	// Workers is the number of pass recording goroutines; 0 means GOMAXPROCS.
	Workers int  `toml:"workers"`
	UI      bool `toml:"ui"`
}

// ShadersConfig configures the shader cache.
type ShadersConfig struct {
	Root     string `toml:"root"`
	Capacity int    `toml:"capacity"`
	Watch    bool   `toml:"watch"`
}

// Config is the complete renderer configuration.
type Config struct {
	Backend  BackendConfig  `toml:"backend"`
	Bindless BindlessConfig `toml:"bindless"`
	Heaps    HeapsConfig    `toml:"heaps"`
	Upload   UploadConfig   `toml:"upload"`
	Frame    FrameConfig    `toml:"frame"`
	Shaders  ShadersConfig  `toml:"shaders"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Bindless: BindlessConfig{
			Buffer:           bindless.DefaultCapacity,
			Texture2D:        bindless.DefaultCapacity,
			TextureCube:      bindless.DefaultCapacity,
			RWTexture2D:      bindless.DefaultCapacity,
			RWTexture2DArray: bindless.DefaultCapacity,
		},
		Heaps: HeapsConfig{RenderTarget: 64, DepthStencil: 16},
		Upload: UploadConfig{
			Size:        16 << 20,
			Alignment:   256,
			ContextSize: 64 << 20,
		},
		Frame: FrameConfig{
			Width:        1280,
			Height:       720,
			SampleCount:  1,
			BufferCount:  2,
			SyncInterval: 1,
			UI:           true,
		},
		Shaders: ShadersConfig{Root: "shaders", Capacity: 256},
	}
}

// Parse decodes TOML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return Config{}, fmt.Errorf("config: %s", strict.String())
		}
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads and parses the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Save writes c to path as TOML.
func (c Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("config: "+format, args...))
	}

	for i, n := range c.Capacities() {
		if n == 0 {
			bad("bindless.%v must be positive", bindless.Category(i))
		}
	}
	if c.Heaps.RenderTarget == 0 {
		bad("heaps.render_target must be positive")
	}
	if c.Heaps.DepthStencil == 0 {
		bad("heaps.depth_stencil must be positive")
	}
	if a := c.Upload.Alignment; a == 0 || bits.OnesCount64(a) != 1 {
		bad("upload.alignment %d is not a power of two", a)
	} else {
		for _, ring := range []struct {
			key  string
			size uint64
		}{{"upload.size", c.Upload.Size}, {"upload.context_size", c.Upload.ContextSize}} {
			switch {
			case ring.size < a:
				bad("%s %d is smaller than the alignment", ring.key, ring.size)
			case ring.size%a != 0:
				bad("%s %d is not a multiple of the alignment %d", ring.key, ring.size, a)
			}
		}
	}
	if c.Frame.Width == 0 || c.Frame.Height == 0 {
		bad("frame size %dx%d is empty", c.Frame.Width, c.Frame.Height)
	}
	switch c.Frame.SampleCount {
	case 1, 2, 4, 8:
	default:
		bad("frame.sample_count %d is not 1, 2, 4 or 8", c.Frame.SampleCount)
	}
	if c.Frame.BufferCount < 2 {
		bad("frame.buffer_count %d is below 2", c.Frame.BufferCount)
	}
	if c.Frame.FramesInFlight < 0 || c.Frame.Workers < 0 || c.Frame.SyncInterval < 0 {
		bad("frame counts must not be negative")
	}
	if c.Shaders.Capacity < 0 {
		bad("shaders.capacity must not be negative")
	}
	return errors.Join(errs...)
}

// Capacities returns the bindless range sizes in category order.
func (c Config) Capacities() bindless.Capacities {
	var caps bindless.Capacities
	caps[bindless.Buffer] = c.Bindless.Buffer
	caps[bindless.Texture2D] = c.Bindless.Texture2D
	caps[bindless.TextureCube] = c.Bindless.TextureCube
	caps[bindless.RWTexture2D] = c.Bindless.RWTexture2D
	caps[bindless.RWTexture2DArray] = c.Bindless.RWTexture2DArray
	return caps
}

// HeapCapacities returns the render-target and depth-stencil heap sizes.
func (c Config) HeapCapacities() bindless.HeapCapacities {
	return bindless.HeapCapacities{RenderTarget: c.Heaps.RenderTarget, DepthStencil: c.Heaps.DepthStencil}
}
