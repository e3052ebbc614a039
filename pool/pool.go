// Package pool runs fire-and-forget jobs on a fixed number of workers.
package pool

import (
	"sync"

	"github.com/AdguardTeam/golibs/log"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

// DefaultWorkers is used when New is given a non-positive worker count.
const DefaultWorkers = 4

// WorkerPool executes submitted jobs on a fixed set of goroutines. Submit
// never blocks: jobs wait in an unbounded FIFO queue until a worker is free.
type WorkerPool struct {
	mux    sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	wg     conc.WaitGroup
}

// New starts a pool of workers goroutines.
func New(workers int) *WorkerPool {
	if workers <= 0 {
		workers = DefaultWorkers
	}

	p := &WorkerPool{}
	p.cond = sync.NewCond(&p.mux)
	for i := 0; i < workers; i++ {
		workerID := i
		p.wg.Go(func() {
			p.worker(workerID)
		})
	}

	return p
}

// Submit queues job for execution. Jobs submitted after Close are dropped.
func (p *WorkerPool) Submit(job func()) {
	p.mux.Lock()
	defer p.mux.Unlock()

	if p.closed {
		log.Debug("pool: dropping job submitted to closed pool")
		return
	}

	p.queue = append(p.queue, job)
	p.cond.Signal()
}

// Pending returns the number of queued jobs no worker has picked up yet.
func (p *WorkerPool) Pending() int {
	p.mux.Lock()
	defer p.mux.Unlock()
	return len(p.queue)
}

// Close stops accepting jobs and waits until queued ones are done.
func (p *WorkerPool) Close() {
	p.mux.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mux.Unlock()

	p.wg.Wait()
}

func (p *WorkerPool) worker(workerID int) {
	for {
		job, ok := p.next()
		if !ok {
			return
		}

		var catcher panics.Catcher
		catcher.Try(job)
		if r := catcher.Recovered(); r != nil {
			log.Error("pool: worker %d: job panicked: %v", workerID, r.Value)
		}
	}
}

// next blocks until a job is available. ok is false once the pool is closed
// and drained.
func (p *WorkerPool) next() (job func(), ok bool) {
	p.mux.Lock()
	defer p.mux.Unlock()

	for len(p.queue) == 0 {
		if p.closed {
			return nil, false
		}
		p.cond.Wait()
	}

	job = p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]

	return job, true
}
