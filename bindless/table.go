// Package bindless allocates stable descriptor indices that shaders use to
// reach resources without per-draw bindings.
//
// The shader-visible heap is split into one contiguous range per Category.
// Allocate hands out the lowest free heap index in a category's range;
// shaders address the resource with TableOffset, the index relative to the
// start of the range, through a descriptor table rooted at TableStart.
package bindless

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrOutOfDescriptors is returned when a category range is exhausted.
var ErrOutOfDescriptors = errors.New("bindless: out of descriptors")

// ErrNotAllocated is returned when freeing or resolving an index that is
// not live.
var ErrNotAllocated = errors.New("bindless: descriptor not allocated")

// Category is a resource-view category with its own index range.
type Category uint8

// Categories.
const (
	Buffer Category = iota
	Texture2D
	TextureCube
	RWTexture2D
	RWTexture2DArray

	categoryCount
)

// CategoryCount is the number of categories.
const CategoryCount = int(categoryCount)

// DefaultCapacity is the number of slots per category.
const DefaultCapacity = 1000

var categoryNames = [...]string{"buffer", "texture2d", "texture_cube", "rw_texture2d", "rw_texture2d_array"}

// String returns the category name.
func (c Category) String() string {
	if c < categoryCount {
		return categoryNames[c]
	}
	return fmt.Sprintf("Category(%d)", c)
}

// ParseCategory returns the category named s.
func ParseCategory(s string) (Category, error) {
	for i, n := range categoryNames {
		if strings.EqualFold(n, s) {
			return Category(i), nil
		}
	}
	return 0, fmt.Errorf("bindless: unknown category %q", s)
}

// Categories returns every category in range order.
func Categories() []Category {
	return []Category{Buffer, Texture2D, TextureCube, RWTexture2D, RWTexture2DArray}
}

// Capacities holds the slot count of each category range.
type Capacities [CategoryCount]uint32

// DefaultCapacities gives every category DefaultCapacity slots.
func DefaultCapacities() Capacities {
	var c Capacities
	for i := range c {
		c[i] = DefaultCapacity
	}
	return c
}

// Descriptor is an allocated slot.
type Descriptor struct {
	Category Category
	// Index is the flat heap index.
	Index uint32
}

// Table partitions a flat index space into category ranges.
//
// Table is safe for concurrent use.
type Table struct {
	base  [CategoryCount]uint32
	caps  Capacities
	total uint32

	mu    sync.Mutex
	slots [CategoryCount]slotSet
}

// NewTable lays out ranges in category order with the given capacities.
func NewTable(caps Capacities) (*Table, error) {
	t := &Table{caps: caps}
	var next uint64
	for i, n := range caps {
		if n == 0 {
			return nil, fmt.Errorf("bindless: %v capacity is zero", Category(i))
		}
		t.base[i] = uint32(next)
		t.slots[i] = newSlotSet(n)
		next += uint64(n)
	}
	if next > 1<<31 {
		return nil, fmt.Errorf("bindless: %d descriptors exceed the index space", next)
	}
	t.total = uint32(next)
	return t, nil
}

// Total returns the size of the whole index space.
func (t *Table) Total() uint32 { return t.total }

// Capacity returns the slot count of c.
func (t *Table) Capacity(c Category) uint32 { return t.caps[c] }

// TableStart returns the flat index where c's range begins.
func (t *Table) TableStart(c Category) uint32 { return t.base[c] }

// Allocate returns the lowest free flat index in c's range.
func (t *Table) Allocate(c Category) (Descriptor, error) {
	if c >= categoryCount {
		return Descriptor{}, fmt.Errorf("bindless: invalid category %d", c)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := t.slots[c].take()
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %v range holds %d", ErrOutOfDescriptors, c, t.caps[c])
	}
	return Descriptor{Category: c, Index: t.base[c] + i}, nil
}

// Free returns index to its category's free set. Callers must defer Free
// until GPU work that may read the descriptor has retired.
func (t *Table) Free(index uint32) error {
	c, ok := t.Category(index)
	if !ok {
		return fmt.Errorf("bindless: index %d outside every range", index)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.slots[c].put(index - t.base[c]) {
		return fmt.Errorf("%w: %v index %d", ErrNotAllocated, c, index)
	}
	return nil
}

// Category returns the category whose range contains index.
func (t *Table) Category(index uint32) (Category, bool) {
	for i := CategoryCount - 1; i >= 0; i-- {
		if index >= t.base[i] {
			if index-t.base[i] < t.caps[i] {
				return Category(i), true
			}
			return 0, false
		}
	}
	return 0, false
}

// TableOffset maps a flat index of category c to its offset inside c's
// descriptor table, which is what shaders index with.
func (t *Table) TableOffset(c Category, index uint32) (uint32, error) {
	if c >= categoryCount {
		return 0, fmt.Errorf("bindless: invalid category %d", c)
	}
	if index < t.base[c] || index-t.base[c] >= t.caps[c] {
		return 0, fmt.Errorf("bindless: index %d outside the %v range [%d,%d)",
			index, c, t.base[c], t.base[c]+t.caps[c])
	}
	t.mu.Lock()
	live := t.slots[c].has(index - t.base[c])
	t.mu.Unlock()
	if !live {
		return 0, fmt.Errorf("%w: %v index %d", ErrNotAllocated, c, index)
	}
	return index - t.base[c], nil
}

// Len returns the number of live descriptors in c.
func (t *Table) Len(c Category) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.slots[c].used
}
