package groove

import (
	"fmt"
	"sync"
)

// workerMsg is one message on a worker's input channel: either a task
// to execute or a deferred DELETE batch to free. The channel preserves
// order per worker; no order is assumed across workers.
type workerMsg struct {
	task  *Task
	batch *deferredBatch
}

// worker is one background thread. Its loop serves the input channel:
// tasks run on a dedicated goroutine (the task fiber) so the loop stays
// free to free deferred DELETE batches while the task is writing.
type worker struct {
	pool *workerPool
	name string
	ch   chan workerMsg

	// fibers tracks spawned task fibers for join on teardown.
	fibers sync.WaitGroup
	done   chan struct{}

	// task currently executing, guarded by mu. Teardown reads it to
	// cancel the running fiber before the input channel is closed.
	mu   sync.Mutex
	task *Task
}

func (w *worker) run() {
	defer close(w.done)
	for msg := range w.ch {
		switch {
		case msg.task != nil:
			w.startTask(msg.task)
		case msg.batch != nil:
			w.freeDeferredBatch(msg.batch)
		}
	}
	w.fibers.Wait()
}

// startTask spawns the task fiber. The fiber executes the task and
// ships it back to tx on the completion route.
func (w *worker) startTask(t *Task) {
	w.mu.Lock()
	if w.task != nil {
		panic(fmt.Sprintf("worker %s: already running a task", w.name))
	}
	w.task = t
	w.mu.Unlock()

	w.fibers.Add(1)
	go func() {
		defer w.fibers.Done()
		if err := t.ops.execute(t); err != nil {
			t.setFailed(err)
		}
		w.mu.Lock()
		w.task = nil
		w.mu.Unlock()
		t.sched.enqueueProcessed(t)
	}()
}

// cancelRunning cancels the current task fiber, if any.
func (w *worker) cancelRunning(cause error) {
	w.mu.Lock()
	t := w.task
	w.mu.Unlock()
	if t != nil {
		t.cancel(cause)
		t.batchCond.Broadcast()
	}
}

// workerPool owns a fixed set of workers. Dump and compaction use
// separate pools: a dump stuck behind long compactions would stall
// foreground writes waiting on memory quota.
type workerPool struct {
	name    string
	size    int
	workers []*worker
	idle    []*worker
}

func newWorkerPool(name string, size int) *workerPool {
	return &workerPool{name: name, size: size}
}

// start launches the pool's workers. Called lazily on the first get, so
// threads are not dangling around if the engine sees no writes.
func (p *workerPool) start() {
	p.workers = make([]*worker, p.size)
	for i := 0; i < p.size; i++ {
		w := &worker{
			pool: p,
			name: fmt.Sprintf("groove.%s.%d", p.name, i),
			ch:   make(chan workerMsg, deferredMaxInFlight+2),
			done: make(chan struct{}),
		}
		p.workers[i] = w
		p.idle = append(p.idle, w)
		go w.run()
	}
}

// get returns an idle worker, starting the pool on first use. Returns
// nil if every worker is busy. Never blocks.
func (p *workerPool) get() *worker {
	if p.workers == nil {
		p.start()
	}
	if len(p.idle) == 0 {
		return nil
	}
	w := p.idle[0]
	p.idle = p.idle[1:]
	return w
}

// put returns a worker to the idle list.
func (p *workerPool) put(w *worker) {
	if w.pool != p {
		panic(fmt.Sprintf("worker %s returned to wrong pool", w.name))
	}
	p.idle = append([]*worker{w}, p.idle...)
}

// destroy cancels running task fibers, closes the input channels and
// joins the workers.
func (p *workerPool) destroy() {
	if p.workers == nil {
		return
	}
	for _, w := range p.workers {
		w.cancelRunning(ErrShutdown)
	}
	for _, w := range p.workers {
		close(w.ch)
	}
	for _, w := range p.workers {
		<-w.done
	}
	p.workers = nil
	p.idle = nil
}
