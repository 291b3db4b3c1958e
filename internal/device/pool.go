package device

import "sync"

// Pool is a fixed set of worker goroutines. A nil Pool runs tasks inline on
// the caller's goroutine.
type Pool struct {
	jobs chan poolJob
	once sync.Once
}

type poolJob struct {
	fn func()
	wg *sync.WaitGroup
}

// NewPool starts size workers. It returns nil for size <= 1.
func NewPool(size int) *Pool {
	if size <= 1 {
		return nil
	}
	// A few slots per worker keep submitters from blocking on each other.
	p := &Pool{jobs: make(chan poolJob, size*3)}
	for range size {
		go func() {
			for job := range p.jobs {
				job.fn()
				job.wg.Done()
			}
		}()
	}
	return p
}

// Run executes tasks and returns once all have finished. Nil tasks are
// skipped.
func (p *Pool) Run(tasks ...func()) {
	if p == nil {
		for _, task := range tasks {
			if task != nil {
				task()
			}
		}
		return
	}
	var wg sync.WaitGroup
	for _, task := range tasks {
		if task == nil {
			continue
		}
		wg.Add(1)
		p.jobs <- poolJob{fn: task, wg: &wg}
	}
	wg.Wait()
}

// Close stops the workers. Run must not be called afterwards.
func (p *Pool) Close() {
	if p == nil {
		return
	}
	p.once.Do(func() { close(p.jobs) })
}
