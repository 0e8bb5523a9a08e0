// Package backend defines the native graphics API surface that rendercore
// drives: devices, queues, timeline fences, command lists with their
// allocators, resources, upload heaps, descriptor heaps and swap chains.
//
// The core packages (cmdlist, resource, bindless, upload, frame) only talk
// to these interfaces. Concrete implementations live in sub-packages and
// register themselves by name on import:
//
//	import _ "github.com/gogpu/rendercore/backend/recorder" // headless, records commands
//	import _ "github.com/gogpu/rendercore/backend/wgpu"     // gogpu/wgpu HAL
//
// # Backend Selection
//
// Use Default() to open the best available backend, or Open() to request
// a specific backend by name:
//
//	dev, err := backend.Open("recorder")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer dev.Close()
//
// # Resource States
//
// ResourceState mirrors the explicit-API pipeline barrier states. The
// state of every subresource is tracked by the resource package; backends
// only translate Barrier values into native barrier commands.
//
// # Available Backends
//
//   - "recorder": CPU command recorder (always available)
//   - "wgpu": Pure Go WebGPU HAL (Vulkan, Metal, DX12, GLES)
package backend
