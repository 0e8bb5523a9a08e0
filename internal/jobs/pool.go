// Package jobs runs independent recording tasks on a fixed set of worker
// goroutines.
package jobs

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Pool is a pool of goroutines for parallel command recording.
//
// Each worker has its own queue and steals from the others when its queue
// is empty, which balances passes that take very different times to record.
//
// Thread safety: Pool is safe for concurrent use.
type Pool struct {
	workers int

	// queues holds per-worker work queues.
	queues []chan func()

	done    chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool

	executed atomic.Uint64
	stolen   atomic.Uint64
}

// NewPool creates a pool with the given number of workers.
// If workers is 0 or negative, GOMAXPROCS is used.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	queueSize := max(workers*4, 8)

	p := &Pool{
		workers: workers,
		queues:  make([]chan func(), workers),
		done:    make(chan struct{}),
	}
	for i := range workers {
		p.queues[i] = make(chan func(), queueSize)
	}
	p.running.Store(true)

	p.wg.Add(workers)
	for i := range workers {
		go p.worker(i)
	}
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	mine := p.queues[id]

	for {
		select {
		case <-p.done:
			p.drain(mine)
			return
		case work := <-mine:
			p.run(work)
		default:
			if work := p.steal(id); work != nil {
				p.stolen.Add(1)
				p.run(work)
				continue
			}
			select {
			case <-p.done:
				p.drain(mine)
				return
			case work := <-mine:
				p.run(work)
			}
		}
	}
}

func (p *Pool) run(work func()) {
	if work != nil {
		work()
		p.executed.Add(1)
	}
}

func (p *Pool) drain(queue chan func()) {
	for {
		select {
		case work := <-queue:
			p.run(work)
		default:
			return
		}
	}
}

func (p *Pool) steal(id int) func() {
	for i := range p.workers {
		if i == id {
			continue
		}
		select {
		case work := <-p.queues[i]:
			return work
		default:
		}
	}
	return nil
}

// Submit queues fn on the worker with the shortest queue. After Close, fn
// runs on the calling goroutine so that waiters are never stranded.
func (p *Pool) Submit(fn func()) {
	if fn == nil {
		return
	}
	if !p.running.Load() {
		fn()
		return
	}

	minIdx, minLen := 0, len(p.queues[0])
	for i := 1; i < p.workers; i++ {
		if n := len(p.queues[i]); n < minLen {
			minIdx, minLen = i, n
		}
	}

	select {
	case p.queues[minIdx] <- fn:
	case <-p.done:
		fn()
	}
}

// ExecuteAll runs every work item and waits for all of them.
func (p *Pool) ExecuteAll(work []func()) {
	if len(work) == 0 {
		return
	}
	var wg sync.WaitGroup
	wg.Add(len(work))
	for _, fn := range work {
		p.Submit(func() {
			defer wg.Done()
			fn()
		})
	}
	wg.Wait()
}

// Close stops accepting work, runs everything already queued and stops
// the workers. Close is safe to call multiple times.
func (p *Pool) Close() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.done)
	p.wg.Wait()
}

// Workers returns the number of workers.
func (p *Pool) Workers() int { return p.workers }

// IsRunning reports whether the pool accepts work.
func (p *Pool) IsRunning() bool { return p.running.Load() }

// Stats reports how many items ran and how many of those were stolen.
func (p *Pool) Stats() (executed, stolen uint64) {
	return p.executed.Load(), p.stolen.Load()
}
