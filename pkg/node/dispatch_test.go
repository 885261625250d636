package node

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherKeepsKeyOrder(t *testing.T) {
	d := newDispatcher(4, 8)

	var (
		mu      sync.Mutex
		seen    = make(map[string][]int)
		running = make(map[string]*int32)
		overlap atomic.Bool
	)
	keys := []string{"corr-a", "corr-b", "corr-c"}
	for _, k := range keys {
		running[k] = new(int32)
	}
	for i := 0; i < 50; i++ {
		for _, k := range keys {
			k, i := k, i
			d.submit(k, func() {
				if atomic.AddInt32(running[k], 1) > 1 {
					overlap.Store(true)
				}
				time.Sleep(100 * time.Microsecond)
				mu.Lock()
				seen[k] = append(seen[k], i)
				mu.Unlock()
				atomic.AddInt32(running[k], -1)
			})
		}
	}
	d.close()

	assert.False(t, overlap.Load(), "tasks of one key ran concurrently")
	for _, k := range keys {
		require.Len(t, seen[k], 50, k)
		for i, v := range seen[k] {
			require.Equal(t, i, v, "%s out of order", k)
		}
	}
}

func TestDispatcherRunsKeysInParallel(t *testing.T) {
	d := newDispatcher(8, 1)
	defer d.close()

	// Find two keys on different workers.
	a := "corr-0"
	b := ""
	for i := 1; b == ""; i++ {
		if k := fmt.Sprintf("corr-%d", i); d.worker(k) != d.worker(a) {
			b = k
		}
	}

	release := make(chan struct{})
	d.submit(a, func() { <-release })

	done := make(chan struct{})
	d.submit(b, func() { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("a blocked key held up another worker")
	}
	close(release)
}
