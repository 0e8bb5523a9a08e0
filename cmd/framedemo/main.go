// Command framedemo renders a fixed number of frames through rendercore and
// prints the frame statistics.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"log"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/gogpu/rendercore"
	"github.com/gogpu/rendercore/backend"
	_ "github.com/gogpu/rendercore/backend/recorder"
	_ "github.com/gogpu/rendercore/backend/wgpu"
	"github.com/gogpu/rendercore/cmdlist"
	"github.com/gogpu/rendercore/config"
	"github.com/gogpu/rendercore/frame"
	"github.com/gogpu/rendercore/profiling"
	"github.com/gogpu/rendercore/resource"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "TOML configuration file")
		name    = flag.String("backend", "", "backend name (default: best available)")
		frames  = flag.Int("frames", 120, "number of frames to present")
		ui      = flag.Bool("ui", true, "record the UI pass")
		verbose = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	rendercore.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		if cfg, err = config.Load(*cfgPath); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	if *name != "" {
		cfg.Backend.Name = *name
	}
	cfg.Frame.UI = *ui

	var gpu gpuTimes
	var r *rendercore.Renderer
	r, err := rendercore.New(rendercore.Options{
		Config: cfg,
		Passes: frame.Passes{
			frame.PassBase:        func(cl *cmdlist.CommandList, v frame.View) error { return drawScene(r, cl, v) },
			frame.PassPostprocess: tonemap,
			frame.PassUI:          drawUI,
		},
		Hooks: []profiling.Hook{&gpu},
	})
	if err != nil {
		log.Fatalf("Failed to create renderer: %v", err)
	}

	ctx := context.Background()
	start := time.Now()
	for range *frames {
		if _, err := r.PresentDisplay(ctx); err != nil {
			log.Printf("Frame failed: %v", err)
			break
		}
	}
	elapsed := time.Since(start)

	if err := r.FlushGPU(ctx); err != nil {
		log.Printf("Flush failed: %v", err)
	}
	st := r.Frames().Stats()
	log.Printf("Presented %d frames on %s in %v (%d submissions, %d retired destructions)",
		st.Frames, r.Device().Name(), elapsed.Round(time.Millisecond), st.Submissions, st.Retired)
	gpu.report()

	if err := r.Teardown(ctx); err != nil {
		log.Fatalf("Teardown failed: %v", err)
	}
}

// drawScene clears the back buffer and draws a full-screen triangle whose
// constants live in the transient ring.
func drawScene(r *rendercore.Renderer, cl *cmdlist.CommandList, v frame.View) error {
	end := r.Profiler().GPUEvent(cl, "scene")
	defer end()

	t := float32(v.Frame) / 60
	if _, err := r.CreateTransientBuffer("scene constants", 16, cl, func(b []byte) {
		binary.LittleEndian.PutUint32(b[0:], math.Float32bits(t))
		binary.LittleEndian.PutUint32(b[4:], v.Width)
		binary.LittleEndian.PutUint32(b[8:], v.Height)
	}); err != nil {
		return err
	}
	cl.Transition(v.BackBuffer, resource.AllSubresources, backend.StateRenderTarget)
	return cl.Draw("fullscreen", 3, 1)
}

func tonemap(cl *cmdlist.CommandList, v frame.View) error {
	return cl.Dispatch("tonemap", (v.Width+7)/8, (v.Height+7)/8, 1)
}

func drawUI(cl *cmdlist.CommandList, v frame.View) error {
	cl.Transition(v.BackBuffer, resource.AllSubresources, backend.StateRenderTarget)
	return cl.Draw("overlay", 6, 4)
}

// gpuTimes accumulates GPU marker durations by name.
type gpuTimes struct {
	mu    sync.Mutex
	total map[string]time.Duration
	count map[string]int
}

func (g *gpuTimes) Event(e profiling.Event) {
	if e.Kind != profiling.KindGPU {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.total == nil {
		g.total = make(map[string]time.Duration)
		g.count = make(map[string]int)
	}
	g.total[e.Name] += e.Duration()
	g.count[e.Name]++
}

func (g *gpuTimes) report() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for name, d := range g.total {
		log.Printf("  %-8s %4d events, avg %v", name, g.count[name], d/time.Duration(g.count[name]))
	}
}
