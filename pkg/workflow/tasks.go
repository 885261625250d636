package workflow

import "sync"

// TaskRunner runs the slow parts of a transition (downloads, digests) off
// the consumer goroutine.
type TaskRunner interface {
	Go(task func())
}

// Pool runs at most n tasks at once.
type Pool struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

func NewPool(n int) *Pool {
	if n <= 0 {
		n = 1
	}
	return &Pool{sem: make(chan struct{}, n)}
}

func (p *Pool) Go(task func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.sem <- struct{}{}
		defer func() { <-p.sem }()
		task()
	}()
}

// Wait blocks until every started task has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Inline runs tasks on the calling goroutine.
type Inline struct{}

func (Inline) Go(task func()) { task() }
