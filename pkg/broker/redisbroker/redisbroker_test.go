package redisbroker

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"dpn/pkg/message"
	"dpn/pkg/types"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T, node types.NodeID, prefix string) *Broker {
	t.Helper()
	addr := os.Getenv("DPN_REDIS_ADDR")
	if addr == "" {
		t.Skip("DPN_REDIS_ADDR not set")
	}
	b, err := New(node, addr, os.Getenv("DPN_REDIS_PASSWORD"), 0, nil,
		WithPrefix(prefix), WithRequeueDelay(50*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, b.Ping(context.Background()))
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := b.client.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			b.client.Del(ctx, keys...)
		}
		b.Close()
	})
	return b
}

type received struct {
	mu    sync.Mutex
	count int
	disp  []message.Disposition
}

func (r *received) handle(d *message.Delivery) {
	r.mu.Lock()
	disp := message.Acknowledge
	if r.count < len(r.disp) {
		disp = r.disp[r.count]
	}
	r.count++
	r.mu.Unlock()
	d.Settle(disp)
}

func (r *received) n() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func testMessage(t *testing.T) *message.Message {
	env := message.NewEnvelope("aptrust", "aptrust", "corr-1", 1, time.Now(), time.Hour)
	msg, err := message.New(env, message.NewLocationCancel())
	require.NoError(t, err)
	return msg
}

func TestNewRequiresAddr(t *testing.T) {
	_, err := New("aptrust", "", "", 0, nil)
	assert.Error(t, err)
}

func TestDirectAndRequeue(t *testing.T) {
	prefix := "dpntest-" + uuid.NewString()
	a := newTestBroker(t, "aptrust", prefix)
	b := newTestBroker(t, "chron", prefix)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := &received{disp: []message.Disposition{message.Requeue}}
	go b.Consume(ctx, message.Direct, r.handle)

	require.NoError(t, a.Publish(ctx, message.Direct, "chron", testMessage(t)))
	assert.Eventually(t, func() bool { return r.n() == 2 }, 10*time.Second, 20*time.Millisecond)

	assert.Eventually(t, func() bool {
		pending, err := b.client.XPending(ctx, b.directStream("chron"), b.group()).Result()
		return err == nil && pending.Count == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestBroadcastReachesEveryGroup(t *testing.T) {
	prefix := "dpntest-" + uuid.NewString()
	a := newTestBroker(t, "aptrust", prefix)
	b := newTestBroker(t, "chron", prefix)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ra, rb := &received{}, &received{}
	require.NoError(t, a.ensureGroup(ctx, message.Broadcast, a.broadcastStream()))
	require.NoError(t, b.ensureGroup(ctx, message.Broadcast, b.broadcastStream()))
	go a.Consume(ctx, message.Broadcast, ra.handle)
	go b.Consume(ctx, message.Broadcast, rb.handle)

	require.NoError(t, a.Publish(ctx, message.Broadcast, "", testMessage(t)))
	assert.Eventually(t, func() bool { return ra.n() == 1 && rb.n() == 1 }, 10*time.Second, 20*time.Millisecond)
}
