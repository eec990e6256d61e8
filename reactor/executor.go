package reactor

import (
	"sync"
)

// Executor schedules callback execution.
type Executor interface {
	Execute(task func())
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(task func())

func (f ExecutorFunc) Execute(task func()) {
	f(task)
}

// Inline runs each task on the calling goroutine.
var Inline Executor = ExecutorFunc(func(task func()) { task() })

// Go runs each task on its own goroutine.
var Go Executor = ExecutorFunc(func(task func()) { go task() })

// WorkerPool runs tasks on a fixed number of goroutines. Tasks queue without bound, so
// Execute never blocks the caller.
type WorkerPool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	tasks   []func()
	stopped bool
	wg      sync.WaitGroup
}

func NewWorkerPool(workers int) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	p := &WorkerPool{}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.work()
	}
	return p
}

// Execute queues task. Once the pool is stopped tasks run on the caller instead.
func (p *WorkerPool) Execute(task func()) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		task()
		return
	}
	p.tasks = append(p.tasks, task)
	p.cond.Signal()
	p.mu.Unlock()
}

func (p *WorkerPool) work() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.tasks) == 0 && !p.stopped {
			p.cond.Wait()
		}
		if len(p.tasks) == 0 {
			p.mu.Unlock()
			return
		}
		task := p.tasks[0]
		p.tasks[0] = nil
		p.tasks = p.tasks[1:]
		p.mu.Unlock()
		task()
	}
}

// Stop rejects new tasks, lets queued tasks finish and waits for the workers to exit.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}
