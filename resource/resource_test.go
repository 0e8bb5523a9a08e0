package resource

import (
	"errors"
	"slices"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/rendercore/backend"
	"github.com/gogpu/rendercore/backend/recorder"
	"github.com/gogpu/rendercore/fence"
)

func texDesc(name string, mips, layers uint32) backend.ResourceDesc {
	return backend.ResourceDesc{
		Label:              name,
		Kind:               backend.KindTexture,
		Width:              64,
		Height:             64,
		MipLevels:          mips,
		DepthOrArrayLayers: layers,
		Format:             gputypes.TextureFormatRGBA8Unorm,
		InitialState:       backend.StateCopyDest,
	}
}

func TestCreateInitialStates(t *testing.T) {
	dev := recorder.New()
	g := NewRegistry(dev, &fence.RetirementQueue{})

	r, err := g.Create(texDesc("albedo", 3, 2))
	if err != nil {
		t.Fatal(err)
	}
	if r.SubresourceCount() != 6 {
		t.Fatalf("SubresourceCount() = %d, want 6", r.SubresourceCount())
	}
	for i, s := range r.States() {
		if s != backend.StateCopyDest {
			t.Errorf("subresource %d state = %v, want CopyDest", i, s)
		}
	}
	if s, ok := r.Uniform(); !ok || s != backend.StateCopyDest {
		t.Errorf("Uniform() = %v, %v", s, ok)
	}

	if prev := r.Exchange(4, backend.StateShaderResource); prev != backend.StateCopyDest {
		t.Errorf("Exchange() prev = %v", prev)
	}
	if _, ok := r.Uniform(); ok {
		t.Error("Uniform() should report mixed states")
	}
}

func TestCreateInvalid(t *testing.T) {
	g := NewRegistry(recorder.New(), &fence.RetirementQueue{})
	_, err := g.Create(backend.ResourceDesc{Label: "bad", Kind: backend.KindBuffer})
	if !errors.Is(err, backend.ErrInvalidDescriptor) {
		t.Errorf("Create() error = %v, want ErrInvalidDescriptor", err)
	}
}

func TestStateOutOfRangePanics(t *testing.T) {
	g := NewRegistry(recorder.New(), &fence.RetirementQueue{})
	r, _ := g.Create(texDesc("t", 1, 1))
	defer func() {
		if recover() == nil {
			t.Error("State(1) on a single-subresource texture should panic")
		}
	}()
	r.State(1)
}

func TestHandlesAreStable(t *testing.T) {
	dev := recorder.New()
	var rq fence.RetirementQueue
	g := NewRegistry(dev, &rq)

	a, _ := g.Create(texDesc("a", 1, 1))
	h := a.Handle()
	if got, err := g.Lookup(h); err != nil || got != a {
		t.Fatalf("Lookup() = %v, %v", got, err)
	}

	g.Release(a)
	if _, err := g.Lookup(h); err != nil {
		t.Error("handle must stay valid until the release runs")
	}
	rq.Flush()
	if _, err := g.Lookup(h); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("Lookup() after destroy error = %v, want ErrStaleHandle", err)
	}

	b, _ := g.Create(texDesc("b", 1, 1))
	if b.Handle().Index() != h.Index() {
		t.Fatalf("slot not reused: %v vs %v", b.Handle(), h)
	}
	if b.Handle() == h {
		t.Error("reused slot must get a new generation")
	}
	if _, err := g.Lookup(h); !errors.Is(err, ErrStaleHandle) {
		t.Error("old handle must not alias the new resource")
	}
	if _, err := g.Lookup(Handle{}); !errors.Is(err, ErrStaleHandle) {
		t.Error("zero handle must be invalid")
	}
}

func TestReleaseWaitsForLastUse(t *testing.T) {
	dev := recorder.New(recorder.WithManualRetire())
	set, err := fence.NewSet(dev)
	if err != nil {
		t.Fatal(err)
	}
	var rq fence.RetirementQueue
	g := NewRegistry(dev, &rq)

	r, _ := g.Create(texDesc("gbuffer", 1, 1))
	gfx := set.Tracker(backend.QueueGraphics)
	v := gfx.Signal()
	_ = dev.Queue(backend.QueueGraphics).Submit(nil, gfx.Native(), v)
	r.MarkUsed(gfx.Point(v))

	g.Release(r)
	g.Release(r)
	if rq.Drain(set); dev.DestroyedResources() != 0 {
		t.Fatal("destroyed while the graphics queue may still read it")
	}

	dev.RetireAll()
	if n := rq.Drain(set); n != 1 {
		t.Fatalf("Drain() = %d, want 1 (double release must not double destroy)", n)
	}
	if dev.DestroyedResources() != 1 || g.Len() != 0 {
		t.Errorf("destroyed %d live handles %d", dev.DestroyedResources(), g.Len())
	}
}

func TestReleaseWaitsForPinnedUse(t *testing.T) {
	dev := recorder.New(recorder.WithManualRetire())
	set, err := fence.NewSet(dev)
	if err != nil {
		t.Fatal(err)
	}
	var rq fence.RetirementQueue
	g := NewRegistry(dev, &rq)
	r, _ := g.Create(texDesc("shadow", 1, 1))

	r.Pin()
	g.Release(r)
	if rq.Drain(set); dev.DestroyedResources() != 0 {
		t.Fatal("destroyed while a recording list references it")
	}

	gfx := set.Tracker(backend.QueueGraphics)
	v := gfx.Signal()
	_ = dev.Queue(backend.QueueGraphics).Submit(nil, gfx.Native(), v)
	r.MarkUsed(gfx.Point(v))
	r.Unpin()
	if rq.Drain(set); dev.DestroyedResources() != 0 {
		t.Fatal("destroyed before the use recorded after Release retired")
	}

	dev.RetireAll()
	if n := rq.Drain(set); n != 1 || dev.DestroyedResources() != 1 {
		t.Errorf("Drain() = %d, destroyed %d, want 1, 1", n, dev.DestroyedResources())
	}
}

func TestUnpinWithoutPinPanics(t *testing.T) {
	g := NewRegistry(recorder.New(), &fence.RetirementQueue{})
	r, _ := g.Create(texDesc("t", 1, 1))
	defer func() {
		if recover() == nil {
			t.Error("Unpin() without Pin should panic")
		}
	}()
	r.Unpin()
}

func TestAdoptedNotDestroyed(t *testing.T) {
	dev := recorder.New()
	var rq fence.RetirementQueue
	g := NewRegistry(dev, &rq)

	sc, _ := dev.CreateSwapChain(backend.SwapChainDesc{Width: 4, Height: 4, BufferCount: 2})
	bb := g.Adopt("backbuffer0", sc.Buffer(0), backend.StatePresent)
	if bb.State(0) != backend.StatePresent {
		t.Errorf("adopted state = %v", bb.State(0))
	}
	g.ReleaseAll()
	rq.Flush()
	if dev.DestroyedResources() != 0 {
		t.Error("adopted resources belong to their owner")
	}
	if g.Len() != 0 {
		t.Errorf("Len() = %d after release", g.Len())
	}
}

func TestLastUseKeepsMaximum(t *testing.T) {
	g := NewRegistry(recorder.New(), &fence.RetirementQueue{})
	r, _ := g.Create(texDesc("t", 1, 1))
	r.MarkUsed(fence.Point{Queue: backend.QueueGraphics, Value: 5})
	r.MarkUsed(fence.Point{Queue: backend.QueueGraphics, Value: 3})
	r.MarkUsed(fence.Point{Queue: backend.QueueCopy, Value: 2})

	want := []fence.Point{{Queue: backend.QueueGraphics, Value: 5}, {Queue: backend.QueueCopy, Value: 2}}
	if got := r.LastUse(); !slices.Equal(got, want) {
		t.Errorf("LastUse() = %v, want %v", got, want)
	}
}
