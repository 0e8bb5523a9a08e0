package bindless

import (
	"errors"
	"sync"
	"testing"

	"github.com/gogpu/rendercore/backend"
	"github.com/gogpu/rendercore/backend/recorder"
)

func TestAllocateDistinctUntilCapacity(t *testing.T) {
	table, err := NewTable(DefaultCapacities())
	if err != nil {
		t.Fatal(err)
	}

	for _, c := range Categories() {
		seen := make(map[uint32]bool, DefaultCapacity)
		for i := range DefaultCapacity {
			d, err := table.Allocate(c)
			if err != nil {
				t.Fatalf("%v: Allocate() #%d error = %v", c, i, err)
			}
			if seen[d.Index] {
				t.Fatalf("%v: index %d handed out twice", c, d.Index)
			}
			seen[d.Index] = true
			if got, ok := table.Category(d.Index); !ok || got != c {
				t.Fatalf("Category(%d) = %v, %v; want %v", d.Index, got, ok, c)
			}
		}
		if _, err := table.Allocate(c); !errors.Is(err, ErrOutOfDescriptors) {
			t.Errorf("%v: allocation %d error = %v, want ErrOutOfDescriptors", c, DefaultCapacity+1, err)
		}
	}
}

func TestAllocateLowestFree(t *testing.T) {
	table, _ := NewTable(Capacities{4, 4, 4, 4, 4})
	var got []uint32
	for range 4 {
		d, _ := table.Allocate(Texture2D)
		got = append(got, d.Index)
	}
	if got[0] != table.TableStart(Texture2D) || got[3] != table.TableStart(Texture2D)+3 {
		t.Fatalf("indices = %v", got)
	}

	if err := table.Free(got[2]); err != nil {
		t.Fatal(err)
	}
	if err := table.Free(got[1]); err != nil {
		t.Fatal(err)
	}
	d, _ := table.Allocate(Texture2D)
	if d.Index != got[1] {
		t.Errorf("Allocate() = %d, want lowest free %d", d.Index, got[1])
	}
	d, _ = table.Allocate(Texture2D)
	if d.Index != got[2] {
		t.Errorf("Allocate() = %d, want %d", d.Index, got[2])
	}
}

func TestFreeErrors(t *testing.T) {
	table, _ := NewTable(Capacities{2, 2, 2, 2, 2})
	d, _ := table.Allocate(Buffer)
	if err := table.Free(d.Index); err != nil {
		t.Fatal(err)
	}
	if err := table.Free(d.Index); !errors.Is(err, ErrNotAllocated) {
		t.Errorf("double Free() error = %v, want ErrNotAllocated", err)
	}
	if err := table.Free(table.Total()); err == nil {
		t.Error("Free() past the last range should fail")
	}
}

func TestTableOffset(t *testing.T) {
	table, _ := NewTable(Capacities{10, 20, 30, 40, 50})
	tests := []struct {
		cat   Category
		start uint32
	}{
		{Buffer, 0},
		{Texture2D, 10},
		{TextureCube, 30},
		{RWTexture2D, 60},
		{RWTexture2DArray, 100},
	}
	for _, tt := range tests {
		if got := table.TableStart(tt.cat); got != tt.start {
			t.Errorf("TableStart(%v) = %d, want %d", tt.cat, got, tt.start)
		}
		_, _ = table.Allocate(tt.cat)
		d2, _ := table.Allocate(tt.cat)
		off, err := table.TableOffset(tt.cat, d2.Index)
		if err != nil || off != 1 {
			t.Errorf("TableOffset(%v, %d) = %d, %v; want 1", tt.cat, d2.Index, off, err)
		}
	}

	if _, err := table.TableOffset(Texture2D, 5); err == nil {
		t.Error("buffer index resolved as texture2d")
	}
	if _, err := table.TableOffset(Texture2D, 19); !errors.Is(err, ErrNotAllocated) {
		t.Errorf("unallocated index error = %v", err)
	}
	if table.Total() != 150 {
		t.Errorf("Total() = %d", table.Total())
	}
}

func TestNewTableRejectsZero(t *testing.T) {
	if _, err := NewTable(Capacities{1, 0, 1, 1, 1}); err == nil {
		t.Error("zero capacity should be rejected")
	}
}

func TestConcurrentAllocate(t *testing.T) {
	table, _ := NewTable(Capacities{1, 512, 1, 1, 1})
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		all = map[uint32]bool{}
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 64 {
				d, err := table.Allocate(Texture2D)
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				if all[d.Index] {
					t.Errorf("index %d handed out twice", d.Index)
				}
				all[d.Index] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if table.Len(Texture2D) != 512 {
		t.Errorf("Len() = %d, want 512", table.Len(Texture2D))
	}
}

func TestParseCategory(t *testing.T) {
	for _, c := range Categories() {
		got, err := ParseCategory(c.String())
		if err != nil || got != c {
			t.Errorf("ParseCategory(%q) = %v, %v", c.String(), got, err)
		}
	}
	if _, err := ParseCategory("sampler"); err == nil {
		t.Error("unknown category should fail")
	}
}

func TestManagerDescriptors(t *testing.T) {
	dev := recorder.New()
	m, err := NewManager(dev, Capacities{4, 4, 4, 4, 4}, HeapCapacities{RenderTarget: 2, DepthStencil: 1})
	if err != nil {
		t.Fatal(err)
	}
	tex, _ := dev.CreateResource(backend.ResourceDesc{Label: "t", Kind: backend.KindTexture, Width: 1, Height: 1})

	d, err := m.Allocate(TextureCube, backend.ViewDesc{Kind: backend.ViewTextureCubeSRV, Resource: tex})
	if err != nil {
		t.Fatal(err)
	}
	view, ok := m.Heap(backend.HeapShaderResource).Native().(*recorder.DescriptorHeap).View(d.Index)
	if !ok || view.Resource != tex {
		t.Errorf("view not written at %d", d.Index)
	}

	srv := m.Heap(backend.HeapShaderResource).Native()
	cpu, _ := m.CPUDescriptor(backend.HeapShaderResource, d.Index)
	if want := srv.CPUStart() + uint64(d.Index)*uint64(srv.Increment()); cpu != want {
		t.Errorf("CPUDescriptor() = %#x, want %#x", cpu, want)
	}
	base, err := m.TableGPUStart(TextureCube)
	if err != nil || base != srv.GPUStart()+8*uint64(srv.Increment()) {
		t.Errorf("TableGPUStart() = %#x, %v", base, err)
	}

	rtv := m.Heap(backend.HeapRenderTarget)
	a, _ := rtv.Allocate(backend.ViewDesc{Kind: backend.ViewRenderTarget, Resource: tex})
	_, _ = rtv.Allocate(backend.ViewDesc{Kind: backend.ViewRenderTarget, Resource: tex})
	if _, err := rtv.Allocate(backend.ViewDesc{}); !errors.Is(err, ErrOutOfDescriptors) {
		t.Errorf("third RTV error = %v", err)
	}
	if _, err := m.GPUDescriptor(backend.HeapRenderTarget, a); err == nil {
		t.Error("RTV heap has no GPU handles")
	}
	_ = rtv.Free(a)
	if b, _ := rtv.Allocate(backend.ViewDesc{}); b != a {
		t.Errorf("RTV slot %d not reused, got %d", a, b)
	}
}
