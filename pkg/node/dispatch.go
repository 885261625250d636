package node

import (
	"hash/fnv"
	"sync"
)

// dispatcher runs deliveries on a fixed set of workers. Every key maps to
// one worker, so the deliveries of one transaction run one at a time in the
// order they were submitted while different transactions run in parallel.
type dispatcher struct {
	queues []chan func()
	wg     sync.WaitGroup
}

func newDispatcher(workers, depth int) *dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if depth <= 0 {
		depth = 1
	}
	d := &dispatcher{queues: make([]chan func(), workers)}
	for i := range d.queues {
		q := make(chan func(), depth)
		d.queues[i] = q
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for task := range q {
				task()
			}
		}()
	}
	return d
}

func (d *dispatcher) worker(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(d.queues)))
}

// submit queues task behind earlier tasks with the same key. It blocks
// while that worker's queue is full.
func (d *dispatcher) submit(key string, task func()) {
	d.queues[d.worker(key)] <- task
}

// close stops accepting work and waits for queued tasks to finish. No
// submit may follow it.
func (d *dispatcher) close() {
	for _, q := range d.queues {
		close(q)
	}
	d.wg.Wait()
}
