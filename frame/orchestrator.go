// Package frame drives the per-frame sequence: record passes in parallel,
// submit them in a fixed order, present, advance.
//
// Recording is fork-join. Every enabled pass records into its own command
// list on a worker goroutine. The orchestrator then waits for each pass in
// order and submits it before waiting for the next one, so submission order
// on the graphics queue is the pass order regardless of which recording
// finished first.
//
// A device loss during submission or present is terminal: the orchestrator
// tears the pipeline down and every later Render returns ErrPipelineLost.
package frame

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/gogpu/rendercore/backend"
	"github.com/gogpu/rendercore/cmdlist"
	"github.com/gogpu/rendercore/fence"
	"github.com/gogpu/rendercore/internal/jobs"
	"github.com/gogpu/rendercore/internal/logging"
	"github.com/gogpu/rendercore/profiling"
	"github.com/gogpu/rendercore/resource"
)

var (
	// ErrPipelineLost is returned once the device was lost. It wraps the
	// error that caused the loss.
	ErrPipelineLost = errors.New("frame: pipeline lost")

	// ErrClosed is returned after Teardown.
	ErrClosed = errors.New("frame: orchestrator closed")
)

// State is the orchestrator lifecycle state.
type State uint8

// Orchestrator states. A frame moves Idle, Recording, Submitted, Presented
// and back to Idle. Submitted is entered once the first pass list reaches
// the queue, after that pass finished recording. Lost is terminal.
const (
	StateIdle State = iota
	StateRecording
	StateSubmitted
	StatePresented
	StateLost
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateSubmitted:
		return "submitted"
	case StatePresented:
		return "presented"
	case StateLost:
		return "lost"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Options configures an Orchestrator.
type Options struct {
	// Workers is the number of recording goroutines. Zero means GOMAXPROCS.
	Workers int
	// SyncInterval is passed to SwapChain.Present.
	SyncInterval int
	// FramesInFlight bounds how many frames the CPU may run ahead of the
	// GPU. Zero means the swap chain buffer count.
	FramesInFlight int
	Width, Height  uint32

	// Retire is drained once per frame. It may be shared with a
	// resource.Registry.
	Retire   *fence.RetirementQueue
	Profiler *profiling.Profiler
	// OnState observes every state change. It runs with the orchestrator
	// locked and must not call back into it.
	OnState func(State)
}

// Result describes a presented frame.
type Result struct {
	Frame uint64
	// Fence is the value of the last submission of the frame. It is
	// strictly greater than every fence value of earlier frames.
	Fence           uint64
	PassFences      [PassCount]uint64
	BackBufferIndex int
}

// Stats accumulates over the orchestrator lifetime.
type Stats struct {
	Frames      uint64
	Submissions uint64
	Discarded   uint64
	Retired     uint64
	// LastRecord is the wall time of the last fork-join, from the first
	// pass start until the last pass was submitted.
	LastRecord time.Duration
}

// Orchestrator runs frames against one swap chain and one command-list pool.
//
// Render calls are serialized.
type Orchestrator struct {
	pool     *cmdlist.Pool
	reg      *resource.Registry
	swap     backend.SwapChain
	graphics *fence.Tracker
	jobs     *jobs.Pool
	retire   *fence.RetirementQueue
	prof     *profiling.Profiler
	opts     Options

	passes  Passes
	enabled [PassCount]bool
	back    []*resource.Resource

	mu       sync.Mutex
	state    State
	err      error
	frame    uint64
	inflight []uint64
	tasks    [PassCount]*jobs.Task[*cmdlist.CommandList]
	stats    Stats
}

// New creates an orchestrator. The swap chain buffers are adopted into reg
// in the present state.
func New(pool *cmdlist.Pool, reg *resource.Registry, swap backend.SwapChain, passes Passes, opts Options) (*Orchestrator, error) {
	graphics := pool.Fences().Tracker(backend.QueueGraphics)
	if graphics == nil {
		return nil, errors.New("frame: pool has no graphics fence")
	}
	if swap.BufferCount() < 1 {
		return nil, errors.New("frame: swap chain has no buffers")
	}
	if passes[PassPresent] == nil {
		passes[PassPresent] = PresentPass
	}
	latency := opts.FramesInFlight
	if latency <= 0 {
		latency = swap.BufferCount()
	}
	retire := opts.Retire
	if retire == nil {
		retire = &fence.RetirementQueue{}
	}

	o := &Orchestrator{
		pool:     pool,
		reg:      reg,
		swap:     swap,
		graphics: graphics,
		jobs:     jobs.NewPool(opts.Workers),
		retire:   retire,
		prof:     opts.Profiler,
		opts:     opts,
		passes:   passes,
		inflight: make([]uint64, latency),
	}
	for id, fn := range passes {
		o.enabled[id] = fn != nil
	}
	for i := range swap.BufferCount() {
		native := swap.Buffer(i)
		o.back = append(o.back, reg.Adopt(native.Label(), native, backend.StatePresent))
	}
	logging.Logger().Info("frame: orchestrator ready",
		"buffers", len(o.back), "framesInFlight", latency, "workers", o.jobs.Workers())
	return o, nil
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Err returns the error that moved the orchestrator to StateLost.
func (o *Orchestrator) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Stats returns accumulated statistics.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}

// Frame returns the number of presented frames.
func (o *Orchestrator) Frame() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.frame
}

// BackBuffer returns the back buffer the next frame renders into, or nil
// once the pipeline was torn down.
func (o *Orchestrator) BackBuffer() *resource.Resource {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.back == nil {
		return nil
	}
	return o.back[o.swap.CurrentIndex()]
}

// BackBuffers returns the adopted back buffers in swap chain order, or nil
// once the pipeline was torn down.
func (o *Orchestrator) BackBuffers() []*resource.Resource {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.back)
}

// SetEnabled turns an optional pass on or off. The present pass cannot be
// disabled and passes without a recorder cannot be enabled.
func (o *Orchestrator) SetEnabled(id PassID, on bool) error {
	if id >= PassCount {
		return fmt.Errorf("frame: unknown pass %v", id)
	}
	if id == PassPresent && !on {
		return errors.New("frame: the present pass cannot be disabled")
	}
	if on && o.passes[id] == nil {
		return fmt.Errorf("frame: pass %v has no recorder", id)
	}
	o.mu.Lock()
	o.enabled[id] = on
	o.mu.Unlock()
	return nil
}

// Enabled reports whether pass id runs.
func (o *Orchestrator) Enabled(id PassID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return id < PassCount && o.enabled[id]
}

func (o *Orchestrator) setState(s State) {
	o.state = s
	if o.opts.OnState != nil {
		o.opts.OnState(s)
	}
}

// Render records, submits and presents one frame.
//
// A pass that fails to record aborts the frame: passes before it stay
// submitted, later ones are discarded, nothing is presented and the error
// is returned. A pass that panics has its panic re-raised here after the
// frame was cleaned up.
func (o *Orchestrator) Render(ctx context.Context) (Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch {
	case errors.Is(o.err, ErrClosed):
		return Result{}, ErrClosed
	case o.state == StateLost:
		return Result{}, fmt.Errorf("%w: %w", ErrPipelineLost, o.err)
	}

	slot := int(o.frame % uint64(len(o.inflight)))
	if v := o.inflight[slot]; v != 0 {
		if err := o.graphics.Wait(ctx, v); err != nil {
			if errors.Is(err, backend.ErrDeviceLost) {
				return Result{}, o.lose(err)
			}
			return Result{}, fmt.Errorf("frame: wait for frame %d: %w", o.frame+1-uint64(len(o.inflight)), err)
		}
	}
	o.pool.Poll()
	o.stats.Retired += uint64(o.retire.Drain(o.pool.Fences()))

	idx := o.swap.CurrentIndex()
	view := View{
		Frame:           o.frame,
		BackBuffer:      o.back[idx],
		BackBufferIndex: idx,
		Width:           o.opts.Width,
		Height:          o.opts.Height,
	}

	o.setState(StateRecording)
	start := time.Now()
	endFrame := o.prof.CPUEvent("frame", "record")
	for id := range PassID(PassCount) {
		if o.enabled[id] {
			o.tasks[id] = jobs.Go(o.jobs, func() (*cmdlist.CommandList, error) {
				return o.record(id, view)
			})
		}
	}

	res := Result{Frame: o.frame, BackBufferIndex: idx}
	var (
		failed    error
		panicky   any
		submitted bool
	)
	for id := range PassID(PassCount) {
		task := o.tasks[id]
		if task == nil {
			continue
		}
		o.tasks[id] = nil
		cl, err := task.Wait()
		if err != nil {
			var pe *jobs.PanicError
			if errors.As(err, &pe) && panicky == nil {
				panicky = pe.Value
			}
			if failed == nil {
				failed = fmt.Errorf("frame: record %v: %w", id, err)
			}
			continue
		}
		if failed != nil {
			o.pool.Discard(cl)
			o.stats.Discarded++
			continue
		}
		v, err := o.pool.Submit(backend.QueueGraphics, cl)
		if err != nil {
			failed = o.lose(err)
			continue
		}
		if !submitted {
			submitted = true
			o.setState(StateSubmitted)
		}
		o.stats.Submissions++
		res.PassFences[id] = v
		res.Fence = v
	}
	endFrame()
	o.stats.LastRecord = time.Since(start)

	if panicky != nil {
		if o.state != StateLost {
			o.setState(StateIdle)
		}
		panic(panicky)
	}
	if failed != nil {
		switch {
		case o.state == StateLost:
		case errors.Is(failed, backend.ErrDeviceLost):
			failed = o.lose(failed)
		default:
			o.setState(StateIdle)
		}
		return Result{}, failed
	}

	if !submitted {
		// No pass enabled: the frame only presents.
		o.setState(StateSubmitted)
	}
	if err := o.swap.Present(o.opts.SyncInterval); err != nil {
		if errors.Is(err, backend.ErrDeviceLost) {
			return Result{}, o.lose(err)
		}
		o.setState(StateIdle)
		return Result{}, fmt.Errorf("frame: present: %w", err)
	}
	o.setState(StatePresented)

	o.inflight[slot] = res.Fence
	o.frame++
	o.stats.Frames++
	o.prof.Flip()
	logging.Logger().Debug("frame: presented", "frame", res.Frame, "fence", res.Fence, "backbuffer", idx)
	o.setState(StateIdle)
	return res, nil
}

// record runs one pass on a worker. A failing or panicking pass gives its
// list back to the pool.
func (o *Orchestrator) record(id PassID, view View) (cl *cmdlist.CommandList, err error) {
	cl, err = o.pool.FetchNamed(backend.QueueGraphics, id.String())
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			o.pool.Discard(cl)
		}
	}()

	end := o.prof.GPUEvent(cl, id.String())
	if err := o.passes[id](cl, view); err != nil {
		return nil, err
	}
	end()
	ok = true
	return cl, nil
}

// lose moves to StateLost and releases what the pipeline owns. Must be
// called with the orchestrator locked.
func (o *Orchestrator) lose(cause error) error {
	o.err = cause
	o.setState(StateLost)
	logging.Logger().Error("frame: device lost, tearing down", "frame", o.frame, "err", cause)
	o.releaseLocked()
	return fmt.Errorf("%w: %w", ErrPipelineLost, cause)
}

func (o *Orchestrator) releaseLocked() {
	for _, r := range o.back {
		o.reg.Release(r)
	}
	o.back = nil
	o.retire.Flush()
	o.jobs.Close()
}

// Teardown waits for the GPU to finish, releases the back buffers and runs
// every deferred destruction. Later Render calls return ErrClosed.
func (o *Orchestrator) Teardown(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if errors.Is(o.err, ErrClosed) {
		return nil
	}

	var err error
	if o.state != StateLost {
		if err = o.pool.Flush(ctx); err != nil {
			err = fmt.Errorf("frame: teardown: %w", err)
		}
		o.releaseLocked()
		o.setState(StateLost)
	}
	o.err = ErrClosed
	logging.Logger().Info("frame: teardown", "frames", o.stats.Frames)
	return err
}
