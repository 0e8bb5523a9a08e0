package backend

import (
	"fmt"
	"sort"
	"sync"
)

// Backend name constants.
const (
	// BackendRecorder is the headless CPU command recorder.
	BackendRecorder = "recorder"
	// BackendWGPU is the Pure Go WebGPU HAL backend (gogpu/wgpu).
	BackendWGPU = "wgpu"
)

// Factory opens a new device.
type Factory func() (Device, error)

// registry holds registered backends.
var (
	registryMu sync.RWMutex
	backends   = make(map[string]Factory)
	// Priority order for backend selection (first that opens wins).
	backendPriority = []string{BackendWGPU, BackendRecorder}
)

// Register registers a backend factory with the given name.
// This is typically called from init() functions in backend packages.
// If a backend with the same name is already registered, it will be replaced.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	backends[name] = factory
}

// Unregister removes a backend from the registry.
// This is useful for testing.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(backends, name)
}

// Available returns the sorted list of registered backend names.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsRegistered checks if a backend with the given name is registered.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := backends[name]
	return ok
}

// Open opens a device from the named backend.
func Open(name string) (Device, error) {
	registryMu.RLock()
	factory, ok := backends[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotAvailable, name)
	}
	dev, err := factory()
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", name, err)
	}
	return dev, nil
}

// Default opens the best available backend based on priority, falling back
// to any registered backend. Errors from backends that fail to open are
// joined into the returned error when nothing opens.
func Default() (Device, error) {
	registryMu.RLock()
	tried := make(map[string]bool, len(backends))
	order := make([]string, 0, len(backends))
	for _, name := range backendPriority {
		if _, ok := backends[name]; ok {
			order = append(order, name)
			tried[name] = true
		}
	}
	for name := range backends {
		if !tried[name] {
			order = append(order, name)
		}
	}
	registryMu.RUnlock()

	var firstErr error
	for _, name := range order {
		dev, err := Open(name)
		if err == nil {
			return dev, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr == nil {
		firstErr = ErrBackendNotAvailable
	}
	return nil, firstErr
}
