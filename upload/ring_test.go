package upload

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/gogpu/rendercore/backend/recorder"
)

// flag is a Dependency retired by the test.
type flag struct{ done bool }

func (f *flag) Retired() bool { return f.done }

func newTestRing(t *testing.T, size uint64) (*Ring, *recorder.UploadHeap) {
	t.Helper()
	r, err := NewRing(recorder.New(), "ring", size, 0)
	if err != nil {
		t.Fatal(err)
	}
	return r, r.Heap().(*recorder.UploadHeap)
}

func overlaps(a, b Allocation) bool {
	return a.Offset < b.Offset+b.Size && b.Offset < a.Offset+a.Size
}

func TestAllocateAlignedNonOverlapping(t *testing.T) {
	r, _ := newTestRing(t, 4096)
	dep := &flag{}
	sizes := []uint64{1, 100, 256, 300, 64}

	var got []Allocation
	for i, n := range sizes {
		a, err := r.Allocate("cb", n, dep, nil)
		if err != nil {
			t.Fatalf("Allocate(%d) error = %v", n, err)
		}
		if a.Offset%DefaultAlignment != 0 {
			t.Errorf("allocation %d offset %d not aligned", i, a.Offset)
		}
		if uint64(len(a.Bytes)) != n {
			t.Errorf("allocation %d has %d bytes, want %d", i, len(a.Bytes), n)
		}
		for j, b := range got {
			if overlaps(a, b) {
				t.Errorf("allocation %d overlaps %d", i, j)
			}
		}
		got = append(got, a)
	}
}

func TestAllocateExceedingFreeSpaceFails(t *testing.T) {
	r, _ := newTestRing(t, 1024)
	dep := &flag{}
	for i := range 3 {
		if _, err := r.Allocate("a", 256, dep, nil); err != nil {
			t.Fatalf("allocation %d error = %v", i, err)
		}
	}
	if _, err := r.Allocate("b", 512, dep, nil); !errors.Is(err, ErrOutOfUploadSpace) {
		t.Errorf("Allocate() error = %v, want ErrOutOfUploadSpace", err)
	}
	if _, err := r.Allocate("c", 256, dep, nil); err != nil {
		t.Errorf("exact fit error = %v", err)
	}
	if _, err := r.Allocate("huge", 2048, &flag{done: true}, nil); !errors.Is(err, ErrOutOfUploadSpace) {
		t.Errorf("oversized Allocate() error = %v", err)
	}
	if s := r.Stats(); s.Failures != 2 || s.InFlight != 4 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestWrapOnlyPastRetired(t *testing.T) {
	r, _ := newTestRing(t, 1024)
	first, second := &flag{}, &flag{}

	_, _ = r.Allocate("frame0", 512, first, nil)
	b, _ := r.Allocate("frame1", 256, second, nil)
	if _, err := r.Allocate("frame2", 512, second, nil); !errors.Is(err, ErrOutOfUploadSpace) {
		t.Fatalf("wrapped over live region: error = %v", err)
	}

	first.done = true
	c, err := r.Allocate("frame2", 512, second, nil)
	if err != nil {
		t.Fatalf("Allocate() after retire error = %v", err)
	}
	if c.Offset != 0 || overlaps(c, b) {
		t.Errorf("wrapped allocation at %d overlaps live region at %d", c.Offset, b.Offset)
	}
	if s := r.Stats(); s.Wraps != 1 {
		t.Errorf("Wraps = %d, want 1", s.Wraps)
	}
}

func TestOutOfOrderRetirementDoesNotReclaim(t *testing.T) {
	r, _ := newTestRing(t, 1024)
	old, young := &flag{}, &flag{}
	_, _ = r.Allocate("old", 512, old, nil)
	_, _ = r.Allocate("young", 512, young, nil)

	young.done = true
	if n := r.Reclaim(); n != 0 {
		t.Errorf("Reclaim() = %d, regions must retire oldest first", n)
	}
	old.done = true
	if n := r.Reclaim(); n != 1024 {
		t.Errorf("Reclaim() = %d, want 1024", n)
	}
}

func TestFillAndFlush(t *testing.T) {
	r, heap := newTestRing(t, 1024)
	a, err := r.Allocate("consts", 16, &flag{}, func(b []byte) {
		for i := range b {
			b[i] = byte(i + 1)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if heap.Mapped()[a.Offset+15] != 16 {
		t.Error("fill did not write through to the mapped heap")
	}
	fl := heap.Flushed()
	if len(fl) != 1 || fl[0].Offset != a.Offset || fl[0].Size != 16 {
		t.Errorf("Flushed() = %v", fl)
	}
	if a.GPUAddress != heap.GPUAddress()+a.Offset {
		t.Errorf("GPUAddress = %#x", a.GPUAddress)
	}
	if cap(a.Bytes) != 16 {
		t.Error("Bytes must not extend into the next region")
	}
}

func TestAllocateInvalid(t *testing.T) {
	r, _ := newTestRing(t, 1024)
	if _, err := r.Allocate("zero", 0, &flag{}, nil); err == nil {
		t.Error("zero size should fail")
	}
	if _, err := r.Allocate("nodep", 8, nil, nil); err == nil {
		t.Error("nil dependency should fail")
	}
	if _, err := NewRing(recorder.New(), "bad", 1024, 100); err == nil {
		t.Error("non power-of-two alignment should fail")
	}
	if _, err := NewRing(recorder.New(), "odd", 1000, 0); err == nil {
		t.Error("size that is not a multiple of the alignment should fail")
	}
}

func TestOffsetsStayAlignedAcrossWraps(t *testing.T) {
	r, _ := newTestRing(t, 1280)
	var prev *flag
	for i := range 40 {
		if prev != nil {
			prev.done = true
		}
		dep := &flag{}
		a, err := r.Allocate("consts", 300, dep, nil)
		if err != nil {
			t.Fatalf("allocation %d: %v", i, err)
		}
		if a.Offset%DefaultAlignment != 0 || a.GPUAddress%DefaultAlignment != 0 {
			t.Fatalf("allocation %d at offset %d is not %d-aligned", i, a.Offset, DefaultAlignment)
		}
		prev = dep
	}
	if r.Stats().Wraps == 0 {
		t.Error("ring never wrapped")
	}
}

func TestRandomizedNoLiveOverlap(t *testing.T) {
	r, _ := newTestRing(t, 8192)
	rng := rand.New(rand.NewPCG(3, 4))

	type live struct {
		a   Allocation
		dep *flag
	}
	var inFlight []live
	for i := range 2000 {
		if len(inFlight) > 0 && rng.IntN(2) == 0 {
			k := rng.IntN(len(inFlight)/2 + 1)
			for _, l := range inFlight[:k] {
				l.dep.done = true
			}
			inFlight = inFlight[k:]
		}
		dep := &flag{}
		a, err := r.Allocate("x", uint64(1+rng.IntN(1500)), dep, nil)
		if errors.Is(err, ErrOutOfUploadSpace) {
			continue
		}
		if err != nil {
			t.Fatal(err)
		}
		for _, l := range inFlight {
			if overlaps(a, l.a) {
				t.Fatalf("iteration %d: [%d,+%d) overlaps live [%d,+%d)", i, a.Offset, a.Size, l.a.Offset, l.a.Size)
			}
		}
		inFlight = append(inFlight, live{a, dep})
	}
}
