// Package rendercore is the command-submission and resource-lifetime core
// of a GPU renderer.
//
// # Overview
//
// A Renderer ties together the pieces a frame needs: per-queue fences
// ([fence]), recycled command lists with lazy state transitions
// ([cmdlist]), a resource registry with deferred destruction ([resource]),
// bindless descriptor ranges ([bindless]), a transient upload ring
// ([upload]) and the fork-join frame loop ([frame]). Shaders and pipeline
// states are cached by [shadercache]; CPU and GPU markers go through
// [profiling].
//
// # Quick Start
//
//	import (
//		"github.com/gogpu/rendercore"
//		_ "github.com/gogpu/rendercore/backend/wgpu" // Vulkan through gogpu/wgpu
//	)
//
//	r, err := rendercore.New(rendercore.Options{
//		Config: config.Default(),
//		Passes: frame.Passes{frame.PassBase: drawScene},
//	})
//	if err != nil {
//		return err
//	}
//	defer r.Teardown(context.Background())
//
//	for running {
//		if _, err := r.PresentDisplay(ctx); err != nil {
//			return err
//		}
//	}
//
// # Resources
//
// Bindless textures and buffers are created with their initial data in one
// call. The data is staged through an [UploadContext] on the copy queue;
// SubmitUploads makes the graphics queue wait for the copies and moves the
// resources to their final state on the owning graphics list.
//
//	uc, _ := r.NewUploadContext("scene")
//	albedo, _ := r.CreateBindlessTextureFromImage("albedo", img, true, false, backend.StatePixelShaderResource, uc)
//	cl, _ := r.FetchCommandlist(backend.QueueGraphics)
//	uc.SubmitUploads(cl)
//	r.ExecuteCommandlists(backend.QueueGraphics, cl)
//
// Every wrapper has a Release method. Descriptor indices and the native
// allocation are returned only after the last submission that used the
// resource retired.
//
// # Device loss
//
// Device loss is terminal. PresentDisplay returns an error wrapping
// [frame.ErrPipelineLost] and [backend.ErrDeviceLost]; the caller tears
// down and creates a new Renderer. Nothing retries.
//
// # Logging
//
// The core is silent by default. See [SetLogger].
package rendercore
