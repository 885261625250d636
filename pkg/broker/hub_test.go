package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"dpn/pkg/message"
	"dpn/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessage(t *testing.T, from types.NodeID, seq int) *message.Message {
	t.Helper()
	env := message.NewEnvelope(from, string(from), "corr-1", seq, time.Now(), time.Hour)
	msg, err := message.New(env, message.NewLocationCancel())
	require.NoError(t, err)
	return msg
}

type collector struct {
	mu   sync.Mutex
	got  []*message.Message
	disp message.Disposition
}

func (c *collector) handle(d *message.Delivery) {
	c.mu.Lock()
	c.got = append(c.got, d.Message)
	disp := c.disp
	c.disp = message.Acknowledge
	c.mu.Unlock()
	d.Settle(disp)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func consume(t *testing.T, b Broker, scope message.Scope) *collector {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	c := &collector{}
	go b.Consume(ctx, scope, c.handle)
	return c
}

func TestHubDirectAndBroadcast(t *testing.T) {
	hub := NewHub(nil)
	a, b, c := hub.Connect("aptrust"), hub.Connect("chron"), hub.Connect("hathi")

	bDirect := consume(t, b, message.Direct)
	cDirect := consume(t, c, message.Direct)
	aBroadcast := consume(t, a, message.Broadcast)
	bBroadcast := consume(t, b, message.Broadcast)
	cBroadcast := consume(t, c, message.Broadcast)

	ctx := context.Background()
	require.NoError(t, a.Publish(ctx, message.Direct, "chron", testMessage(t, "aptrust", 1)))
	require.NoError(t, a.Publish(ctx, message.Broadcast, "", testMessage(t, "aptrust", 0)))

	assert.Eventually(t, func() bool {
		return bDirect.count() == 1 && bBroadcast.count() == 1 && cBroadcast.count() == 1 && aBroadcast.count() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, cDirect.count())

	assert.Error(t, a.Publish(ctx, message.Direct, "nobody", testMessage(t, "aptrust", 1)))
}

func TestHubRequeue(t *testing.T) {
	hub := NewHub(nil)
	hub.SetRequeueDelay(10 * time.Millisecond)
	a, b := hub.Connect("aptrust"), hub.Connect("chron")

	c := consume(t, b, message.Direct)
	c.disp = message.Requeue
	require.NoError(t, a.Publish(context.Background(), message.Direct, "chron", testMessage(t, "aptrust", 1)))

	assert.Eventually(t, func() bool { return c.count() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 2, c.count())
}

func TestHubClose(t *testing.T) {
	hub := NewHub(nil)
	a, b := hub.Connect("aptrust"), hub.Connect("chron")
	require.NoError(t, b.Close())

	assert.Error(t, a.Publish(context.Background(), message.Direct, "chron", testMessage(t, "aptrust", 1)))
	assert.Error(t, b.Consume(context.Background(), message.Direct, func(*message.Delivery) {}))
}

func TestInboxConcurrentConsumers(t *testing.T) {
	q := NewInbox()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	seen := 0
	for i := 0; i < 4; i++ {
		go func() {
			for {
				if _, err := q.Pop(ctx); err != nil {
					return
				}
				mu.Lock()
				seen++
				mu.Unlock()
			}
		}()
	}
	for i := 0; i < 100; i++ {
		q.Push(&message.Message{})
	}
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen == 100
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, q.Len())
}
