package server

import "sync"

// Dispatcher is a bounded worker pool: compute-heavy request handling
// (digest verification, compression, disk I/O) runs here instead of on
// the connection's accept/read task. The fixed pool size puts a hard
// cap on concurrent request processing rather than spawning one
// goroutine per request.
type Dispatcher struct {
	jobs chan func()
	wg   sync.WaitGroup
}

// NewDispatcher starts workers goroutines draining a job queue.
func NewDispatcher(workers, queueDepth int) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueDepth < 1 {
		queueDepth = workers
	}
	d := &Dispatcher{jobs: make(chan func(), queueDepth)}
	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.worker()
	}
	return d
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.jobs {
		job()
	}
}

// Submit enqueues job, blocking if the queue is full.
func (d *Dispatcher) Submit(job func()) {
	d.jobs <- job
}

// Close stops accepting new work and waits for in-flight jobs to drain.
func (d *Dispatcher) Close() {
	close(d.jobs)
	d.wg.Wait()
}
