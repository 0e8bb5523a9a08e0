// Package upload sub-allocates short-lived buffers from a persistently
// mapped upload heap.
//
// A Ring hands out regions in increasing offset order and wraps around to
// the start of the heap only when the regions it would overwrite belong to
// work that has retired. Each region is bound to a Dependency, normally the
// ticket of the command list that reads it.
package upload

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"github.com/gogpu/rendercore/backend"
	"github.com/gogpu/rendercore/internal/logging"
)

// ErrOutOfUploadSpace is returned when no contiguous region fits even after
// reclaiming every retired region.
var ErrOutOfUploadSpace = errors.New("upload: out of upload space")

// DefaultAlignment is the constant-buffer placement alignment.
const DefaultAlignment = 256

// Dependency reports whether the GPU work that reads a region has finished.
type Dependency interface {
	Retired() bool
}

// Allocation is a reserved region of the ring.
type Allocation struct {
	Name   string
	Offset uint64
	Size   uint64
	// Bytes is the CPU view of the region. It must not be written after the
	// dependent work was submitted.
	Bytes      []byte
	GPUAddress uint64
	Heap       backend.UploadHeap
}

// region is an in-flight range in absolute (unwrapped) offsets.
type region struct {
	start, end uint64
	dep        Dependency
}

// Stats is a snapshot of ring usage.
type Stats struct {
	Size        uint64
	Used        uint64
	HighWater   uint64
	InFlight    int
	Allocations uint64
	Wraps       uint64
	Failures    uint64
}

// Ring is a FIFO allocator over an upload heap.
//
// Ring is safe for concurrent use.
type Ring struct {
	heap  backend.UploadHeap
	size  uint64
	align uint64

	mu    sync.Mutex
	head  uint64
	tail  uint64
	live  []region
	stats Stats
}

// NewRing creates an upload heap of size bytes on dev. align must be a
// power of two; zero selects DefaultAlignment. size must be a multiple of
// align so that offsets stay aligned after the ring wraps.
func NewRing(dev backend.Device, label string, size, align uint64) (*Ring, error) {
	if align == 0 {
		align = DefaultAlignment
	}
	if bits.OnesCount64(align) != 1 {
		return nil, fmt.Errorf("upload: alignment %d is not a power of two", align)
	}
	if size < align {
		return nil, fmt.Errorf("upload: ring of %d bytes is smaller than alignment %d", size, align)
	}
	if size%align != 0 {
		return nil, fmt.Errorf("upload: ring of %d bytes is not a multiple of alignment %d", size, align)
	}
	heap, err := dev.CreateUploadHeap(label, size)
	if err != nil {
		return nil, fmt.Errorf("upload: create heap %q: %w", label, err)
	}
	return newRing(heap, align), nil
}

func newRing(heap backend.UploadHeap, align uint64) *Ring {
	size := uint64(len(heap.Mapped()))
	return &Ring{heap: heap, size: size, align: align, stats: Stats{Size: size}}
}

// Heap returns the backing upload heap.
func (r *Ring) Heap() backend.UploadHeap { return r.heap }

// Allocate reserves size bytes bound to dep, runs fill on the mapped bytes
// and flushes them to the GPU. fill may be nil.
func (r *Ring) Allocate(name string, size uint64, dep Dependency, fill func([]byte)) (Allocation, error) {
	if size == 0 {
		return Allocation{}, fmt.Errorf("upload: %q: zero-sized allocation", name)
	}
	if dep == nil {
		return Allocation{}, fmt.Errorf("upload: %q: allocation without a dependency", name)
	}

	r.mu.Lock()
	start, ok := r.reserveLocked(size)
	if !ok {
		r.reclaimLocked()
		start, ok = r.reserveLocked(size)
	}
	if !ok {
		r.stats.Failures++
		used := r.head - r.tail
		r.mu.Unlock()
		return Allocation{}, fmt.Errorf("%w: %q needs %d bytes, %d of %d in flight",
			ErrOutOfUploadSpace, name, size, used, r.size)
	}
	r.live = append(r.live, region{start: start, end: start + size, dep: dep})
	r.stats.Allocations++
	r.stats.HighWater = max(r.stats.HighWater, r.head-r.tail)
	r.mu.Unlock()

	off := start % r.size
	a := Allocation{
		Name:       name,
		Offset:     off,
		Size:       size,
		Bytes:      r.heap.Mapped()[off : off+size : off+size],
		GPUAddress: r.heap.GPUAddress() + off,
		Heap:       r.heap,
	}
	if fill != nil {
		fill(a.Bytes)
	}
	if err := r.heap.FlushRange(off, size); err != nil {
		return Allocation{}, fmt.Errorf("upload: flush %q: %w", name, err)
	}
	logging.Logger().Debug("upload: allocated", "name", name, "offset", off, "size", size)
	return a, nil
}

// reserveLocked advances head past an aligned region of size bytes that
// does not straddle the end of the heap, if it fits behind tail.
func (r *Ring) reserveLocked(size uint64) (uint64, bool) {
	if size > r.size {
		return 0, false
	}
	start := alignUp(r.head, r.align)
	wrapped := false
	if start%r.size+size > r.size {
		start = alignUp(start, r.size)
		wrapped = true
	}
	if len(r.live) == 0 {
		// Nothing in flight: the skipped padding is free too.
		r.tail = start
	}
	if start+size-r.tail > r.size {
		return 0, false
	}
	r.head = start + size
	if wrapped {
		r.stats.Wraps++
	}
	return start, true
}

func alignUp(v, a uint64) uint64 {
	if a&(a-1) == 0 {
		return (v + a - 1) &^ (a - 1)
	}
	return (v + a - 1) / a * a
}

// Reclaim releases retired regions from the oldest end of the ring and
// returns the number of bytes freed.
func (r *Ring) Reclaim() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reclaimLocked()
}

func (r *Ring) reclaimLocked() uint64 {
	n := 0
	for n < len(r.live) && r.live[n].dep.Retired() {
		n++
	}
	if n == 0 {
		return 0
	}
	old := r.tail
	if n == len(r.live) {
		r.tail = r.head
	} else {
		r.tail = r.live[n].start
	}
	k := copy(r.live, r.live[n:])
	clear(r.live[k:])
	r.live = r.live[:k]
	return r.tail - old
}

// Stats returns a snapshot of ring usage.
func (r *Ring) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.Used = r.head - r.tail
	s.InFlight = len(r.live)
	return s
}
