package rendercore

import (
	"context"

	"github.com/gogpu/rendercore/shadercache"
)

// CacheShader returns the compiled shader for key, compiling it on first
// use.
func (r *Renderer) CacheShader(key shadercache.Key) (*shadercache.Shader, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	return r.shaders.Shader(key)
}

// WarmShaders compiles keys in parallel ahead of their first use.
func (r *Renderer) WarmShaders(ctx context.Context, keys []shadercache.Key) error {
	if err := r.check(); err != nil {
		return err
	}
	return r.shaders.Warm(ctx, keys)
}

// CacheRootsignature registers the binding layout called name. Asking
// again with a different layout fails with
// shadercache.ErrRootSignatureConflict.
func (r *Renderer) CacheRootsignature(name string, desc shadercache.RootSignatureDesc) (*shadercache.RootSignature, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	return r.pipelines.RootSignature(name, desc)
}

// FetchGraphicsPipelineState returns the cached graphics pipeline for
// desc, creating it on first use.
func (r *Renderer) FetchGraphicsPipelineState(desc shadercache.PipelineDesc) (*shadercache.Pipeline, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	desc.Kind = shadercache.PipelineGraphics
	if desc.SampleCount == 0 {
		desc.SampleCount = r.cfg.Frame.SampleCount
	}
	return r.pipelines.Graphics(desc)
}

// FetchComputePipelineState returns the cached compute pipeline for desc,
// creating it on first use.
func (r *Renderer) FetchComputePipelineState(desc shadercache.PipelineDesc) (*shadercache.Pipeline, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	desc.Kind = shadercache.PipelineCompute
	return r.pipelines.Compute(desc)
}
