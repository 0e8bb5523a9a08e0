package profiling

import (
	"testing"

	"github.com/gogpu/rendercore/backend"
	"github.com/gogpu/rendercore/backend/recorder"
	"github.com/gogpu/rendercore/cmdlist"
	"github.com/gogpu/rendercore/fence"
)

func TestCPUEvent(t *testing.T) {
	var c Collector
	p := New(&c)
	p.Flip()
	end := p.CPUEvent("frame", "record")
	end()

	evs := c.Events()
	if len(evs) != 1 || evs[0].Kind != KindCPU || evs[0].Name != "record" || evs[0].Frame != 1 {
		t.Fatalf("events = %+v", evs)
	}
	if evs[0].Duration() < 0 {
		t.Error("negative duration")
	}
}

func TestGPUEventReportedAfterRetire(t *testing.T) {
	dev := recorder.New(recorder.WithManualRetire())
	set, _ := fence.NewSet(dev)
	pool := cmdlist.NewPool(dev, set)

	var c Collector
	p := New(&c)
	cl, _ := pool.FetchNamed(backend.QueueGraphics, "base")
	end := p.GPUEvent(cl, "geometry")
	_ = cl.Draw("mesh", 3, 1)
	end()
	v, err := pool.Submit(backend.QueueGraphics, cl)
	if err != nil {
		t.Fatal(err)
	}

	pool.Poll()
	if len(c.Events()) != 0 {
		t.Fatal("GPU event reported before the GPU finished")
	}
	dev.RetireAll()
	pool.Poll()

	evs := c.Events()
	if len(evs) != 1 || evs[0].Kind != KindGPU || evs[0].FenceValue != v || evs[0].Group != "base" {
		t.Fatalf("events = %+v", evs)
	}

	var ops []recorder.Op
	for _, cmd := range dev.RecordingQueue(backend.QueueGraphics).Executed() {
		ops = append(ops, cmd.Op)
	}
	want := []recorder.Op{recorder.OpBeginEvent, recorder.OpDraw, recorder.OpEndEvent}
	if len(ops) != len(want) {
		t.Fatalf("ops = %v, want %v", ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Errorf("op %d = %v, want %v", i, ops[i], want[i])
		}
	}
}

func TestHookPanicIsContained(t *testing.T) {
	var c Collector
	p := New(HookFunc(func(Event) { panic("broken hook") }), &c)

	p.CPUEvent("g", "a")()
	p.CPUEvent("g", "b")()

	if p.HookPanics() != 2 {
		t.Errorf("HookPanics() = %d, want 2", p.HookPanics())
	}
	if len(c.Events()) != 2 {
		t.Error("hooks after a panicking hook must still run")
	}
}

func TestNilProfiler(t *testing.T) {
	var p *Profiler
	p.Flip()
	p.CPUEvent("g", "n")()
	p.BeginCapture()
	p.EndCapture()
	if p.Frame() != 0 || p.Capturing() || p.Captures() != 0 {
		t.Error("nil profiler should be inert")
	}
}

func TestCapture(t *testing.T) {
	p := New()
	p.BeginCapture()
	p.BeginCapture()
	if !p.Capturing() {
		t.Fatal("not capturing")
	}
	p.EndCapture()
	p.EndCapture()
	if p.Captures() != 1 {
		t.Errorf("Captures() = %d, want 1", p.Captures())
	}
}
