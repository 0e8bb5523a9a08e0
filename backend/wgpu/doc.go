// Package wgpu implements backend.Device on top of the gogpu/wgpu HAL.
//
// The HAL follows the WebGPU model, so a few explicit-API concepts are
// emulated:
//
//   - Every queue type shares the single HAL queue. Submissions from
//     different queue types are serialized, which makes Queue.WaitFence a
//     no-op.
//   - Command lists own a reusable HAL command encoder. Reset frees the
//     command buffer produced by the previous recording.
//   - Buffers have no GPU virtual addresses. GPUAddress returns a stable
//     synthetic address so that descriptor bookkeeping still works.
//   - Upload heaps are host slices. FlushRange copies the range into the
//     backing HAL buffer through Queue.WriteBuffer.
//   - Descriptor heaps are host tables. Texture views are created when a
//     descriptor is written and destroyed when the slot is overwritten.
//   - Swap chains are offscreen render textures.
//
// Importing the package registers the "wgpu" backend, which opens the
// first discrete or integrated Vulkan adapter:
//
//	import _ "github.com/gogpu/rendercore/backend/wgpu"
//
//	dev, err := backend.Open(backend.BackendWGPU)
//
// Applications that already own a device (for example through gogpu)
// share it with NewFromProvider.
package wgpu
