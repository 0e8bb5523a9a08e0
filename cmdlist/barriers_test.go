package cmdlist

import (
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/rendercore/backend"
	"github.com/gogpu/rendercore/backend/recorder"
)

func mippedNative(t *testing.T, dev *recorder.Device, name string, mips uint32) backend.Resource {
	t.Helper()
	r, err := dev.CreateResource(backend.ResourceDesc{
		Label:     name,
		Kind:      backend.KindTexture,
		Width:     16,
		Height:    16,
		MipLevels: mips,
		Format:    gputypes.TextureFormatRGBA8Unorm,
	})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func transitionsOf(r backend.Resource, mips uint32, before, after backend.ResourceState) []backend.Barrier {
	out := make([]backend.Barrier, 0, mips)
	for s := range mips {
		out = append(out, backend.Barrier{
			Kind: backend.BarrierTransition, Resource: r, Subresource: s, Before: before, After: after,
		})
	}
	return out
}

func TestCoalesceMergesInPlace(t *testing.T) {
	dev := recorder.New()
	full := mippedNative(t, dev, "full", 3)
	partial := mippedNative(t, dev, "partial", 3)

	in := transitionsOf(full, 3, backend.StateCopyDest, backend.StateShaderResource)
	in = append(in, backend.Barrier{Kind: backend.BarrierUAV, Resource: partial})
	in = append(in, transitionsOf(partial, 2, backend.StateCommon, backend.StateRenderTarget)...)

	var m coalescer
	got := m.coalesce(in, subresourceCount)
	if len(got) != 4 {
		t.Fatalf("coalesce() returned %d barriers, want 4: %v", len(got), got)
	}
	if &got[0] != &in[0] {
		t.Error("coalesce() should reuse the input backing array")
	}
	if got[0].Resource != full || got[0].Subresource != backend.AllSubresources {
		t.Errorf("got[0] = %+v, want all-subresources barrier on full", got[0])
	}
	if got[1].Kind != backend.BarrierUAV {
		t.Errorf("got[1] = %+v, want the UAV barrier kept in order", got[1])
	}
	for i, b := range got[2:] {
		if b.Resource != partial || b.Subresource != uint32(i) {
			t.Errorf("got[%d] = %+v, want partial mip %d untouched", i+2, b, i)
		}
	}
	if len(m.groups) != 0 {
		t.Errorf("scratch map holds %d entries after coalesce, want 0", len(m.groups))
	}
}

func TestCoalesceSteadyStateDoesNotAllocate(t *testing.T) {
	dev := recorder.New()
	a := mippedNative(t, dev, "a", 4)
	b := mippedNative(t, dev, "b", 4)
	tmpl := append(
		transitionsOf(a, 4, backend.StateRenderTarget, backend.StateShaderResource),
		transitionsOf(b, 4, backend.StateShaderResource, backend.StateRenderTarget)...)
	batch := make([]backend.Barrier, 0, len(tmpl))

	var m coalescer
	run := func() {
		batch = append(batch[:0], tmpl...)
		batch = m.coalesce(batch, subresourceCount)
	}
	run()
	if len(batch) != 2 {
		t.Fatalf("coalesce() returned %d barriers, want 2", len(batch))
	}
	if allocs := testing.AllocsPerRun(100, run); allocs != 0 {
		t.Errorf("coalesce() allocated %.1f times per flush, want 0", allocs)
	}
}

func TestFreeListKeepsBacking(t *testing.T) {
	h := newHarness(t)
	q := backend.QueueGraphics
	lists := []*CommandList{h.fetch(t, q, ""), h.fetch(t, q, ""), h.fetch(t, q, "")}
	if _, err := h.pool.Submit(q, lists...); err != nil {
		t.Fatal(err)
	}
	h.pool.Poll()

	h.pool.mu.Lock()
	before := cap(h.pool.free[q])
	h.pool.mu.Unlock()
	for range 50 {
		cl := h.fetch(t, q, "")
		_, _ = h.pool.Submit(q, cl)
		h.pool.Poll()
	}
	h.pool.mu.Lock()
	after, inFlight := cap(h.pool.free[q]), cap(h.pool.inFlight[q])
	h.pool.mu.Unlock()

	if after != before {
		t.Errorf("free list capacity changed from %d to %d", before, after)
	}
	if inFlight > 4 {
		t.Errorf("in-flight capacity grew to %d", inFlight)
	}
	if got := h.pool.Stats().Created[q]; got != 3 {
		t.Errorf("lists created = %d, want 3", got)
	}
}
