package broker

import (
	"context"
	"sync"
	"time"

	"dpn/pkg/message"
)

// Inbox is an unbounded FIFO of messages for one node and scope. Any number
// of consumers may Pop concurrently.
type Inbox struct {
	mu     sync.Mutex
	items  []*message.Message
	ready  chan struct{}
	closed bool
}

func NewInbox() *Inbox {
	return &Inbox{ready: make(chan struct{}, 1)}
}

func (q *Inbox) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *Inbox) Push(m *message.Message) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, m)
	q.mu.Unlock()
	q.signal()
}

// PushAfter queues m once delay has passed.
func (q *Inbox) PushAfter(m *message.Message, delay time.Duration) {
	if delay <= 0 {
		q.Push(m)
		return
	}
	time.AfterFunc(delay, func() { q.Push(m) })
}

// Pop blocks until a message is available or ctx is done.
func (q *Inbox) Pop(ctx context.Context) (*message.Message, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			m := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return m, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.ready:
		}
	}
}

func (q *Inbox) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close drops queued messages and ignores later pushes.
func (q *Inbox) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.items = nil
}

// Consume pops from q and hands deliveries to handle until ctx is done.
// Requeued deliveries go back on q after delay.
func Consume(ctx context.Context, q *Inbox, scope message.Scope, delay time.Duration, handle func(*message.Delivery)) error {
	for {
		m, err := q.Pop(ctx)
		if err != nil {
			return nil
		}
		handle(message.NewDelivery(scope, m, func(d message.Disposition) {
			if d == message.Requeue {
				q.PushAfter(m, delay)
			}
		}))
	}
}
