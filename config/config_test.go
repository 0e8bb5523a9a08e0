package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gogpu/rendercore/bindless"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, bindless.DefaultCapacities(), cfg.Capacities())
	assert.Equal(t, uint64(256), cfg.Upload.Alignment)
	assert.True(t, cfg.Frame.UI)
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
[backend]
name = "recorder"

[bindless]
texture2d = 4096

[upload]
size = 1048576

[frame]
width = 1920
height = 1080
ui = false
workers = 3
`))
	require.NoError(t, err)

	assert.Equal(t, "recorder", cfg.Backend.Name)
	assert.Equal(t, uint32(4096), cfg.Capacities()[bindless.Texture2D])
	assert.Equal(t, uint32(bindless.DefaultCapacity), cfg.Capacities()[bindless.Buffer])
	assert.Equal(t, uint64(1<<20), cfg.Upload.Size)
	assert.Equal(t, uint64(256), cfg.Upload.Alignment, "unset keys keep defaults")
	assert.Equal(t, uint32(1920), cfg.Frame.Width)
	assert.False(t, cfg.Frame.UI)
	assert.Equal(t, 3, cfg.Frame.Workers)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("[bindless]\ntextures = 5\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "textures")
}

func TestParseRejectsBadSyntax(t *testing.T) {
	_, err := Parse([]byte("[frame\nwidth = 1"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero category", func(c *Config) { c.Bindless.TextureCube = 0 }, "bindless.texture_cube"},
		{"alignment not power of two", func(c *Config) { c.Upload.Alignment = 300 }, "power of two"},
		{"ring smaller than alignment", func(c *Config) { c.Upload.Size = 128 }, "upload.size"},
		{"ring not a multiple of alignment", func(c *Config) { c.Upload.Size = 1000 }, "upload.size 1000 is not a multiple"},
		{"context ring not a multiple of alignment", func(c *Config) { c.Upload.ContextSize = 64<<20 + 100 }, "upload.context_size"},
		{"empty frame", func(c *Config) { c.Frame.Width = 0 }, "empty"},
		{"sample count", func(c *Config) { c.Frame.SampleCount = 3 }, "sample_count"},
		{"single buffer", func(c *Config) { c.Frame.BufferCount = 1 }, "buffer_count"},
		{"no rtv heap", func(c *Config) { c.Heaps.RenderTarget = 0 }, "render_target"},
		{"negative workers", func(c *Config) { c.Frame.Workers = -1 }, "negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateReportsEveryError(t *testing.T) {
	cfg := Default()
	cfg.Frame.SampleCount = 5
	cfg.Heaps.DepthStencil = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sample_count")
	assert.Contains(t, err.Error(), "depth_stencil")
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "render.toml")
	cfg := Default()
	cfg.Frame.Width = 800
	cfg.Shaders.Watch = true
	require.NoError(t, cfg.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[frame]\nsample_count = 6\n"), 0o644))
	_, err = Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), path)
}
