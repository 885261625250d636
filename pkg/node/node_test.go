package node

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dpn/pkg/broker"
	"dpn/pkg/config"
	"dpn/pkg/message"
	"dpn/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testConfig(t *testing.T, name string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.NodeName = name
	cfg.Storage.Driver = config.StorageMemory
	cfg.Replication.StagingDir = filepath.Join(dir, "staging")
	cfg.Replication.RepositoryDir = filepath.Join(dir, "repository")
	cfg.Replication.SelectionDelay = config.Duration(time.Hour)
	cfg.Registry.SyncInterval = 0
	cfg.Registry.ResolveInterval = 0
	return cfg
}

type federation struct {
	t     *testing.T
	hub   *broker.Hub
	nodes map[types.NodeID]*Node
}

func newFederation(t *testing.T, names ...string) *federation {
	t.Helper()
	f := &federation{
		t:     t,
		hub:   broker.NewHub(zaptest.NewLogger(t)),
		nodes: make(map[types.NodeID]*Node),
	}
	f.hub.SetRequeueDelay(20 * time.Millisecond)
	for _, name := range names {
		n, err := New(testConfig(t, name), zaptest.NewLogger(t), WithBroker(f.hub.Connect(types.NodeID(name))))
		require.NoError(t, err)
		require.NoError(t, n.Start(context.Background()))
		t.Cleanup(n.Stop)
		f.nodes[types.NodeID(name)] = n
	}
	return f
}

func writeBag(t *testing.T) (string, []byte) {
	t.Helper()
	content := bytes.Repeat([]byte("preservation bag\n"), 512)
	path := filepath.Join(t.TempDir(), "bag.tar")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path, content
}

func completed(t *testing.T, n *Node, correlation types.CorrelationID) int {
	_, recs, err := n.Status(context.Background(), correlation)
	if err != nil {
		return 0
	}
	done := 0
	for _, r := range recs {
		if r.Step == types.StepComplete && r.State == types.StateSuccess {
			done++
		}
	}
	return done
}

func holders(f *federation, id types.ObjectID) []types.NodeID {
	var out []types.NodeID
	for name, n := range f.nodes {
		if n.Repository().Has(id) {
			out = append(out, name)
		}
	}
	return out
}

func TestNewValidatesConfig(t *testing.T) {
	cfg := testConfig(t, "")
	_, err := New(cfg, nil)
	assert.Error(t, err)
}

func TestRoutesCoverEveryName(t *testing.T) {
	n, err := New(testConfig(t, "aptrust"), nil)
	require.NoError(t, err)
	defer n.Stop()

	broadcast := n.router.Routes(message.Broadcast)
	direct := n.router.Routes(message.Direct)
	assert.ElementsMatch(t, []message.Name{
		message.ReplicationInitQuery,
		message.RecoveryInitQuery,
		message.RegistryItemCreate,
		message.RegistryDaterangeSyncRequest,
	}, broadcast)
	assert.Len(t, append(broadcast, direct...), len(message.AllNames()))
}

func TestReplicateAcrossFederation(t *testing.T) {
	f := newFederation(t, "aptrust", "chron", "hathi")
	a := f.nodes["aptrust"]
	ctx := context.Background()

	src, content := writeBag(t)
	entry, err := a.Ingest(ctx, "obj-1", src, types.ObjectData)
	require.NoError(t, err)
	assert.Equal(t, types.NodeID("aptrust"), entry.FirstNode)

	correlation, err := a.Replicate(ctx, "obj-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return completed(t, a, correlation) == 1 },
		5*time.Second, 10*time.Millisecond)

	// The receiver promotes its copy once it handles the verify reply.
	var got []types.NodeID
	require.Eventually(t, func() bool {
		got = holders(f, "obj-1")
		return len(got) == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, got, types.NodeID("aptrust"))

	var peer types.NodeID
	for _, h := range got {
		if h != "aptrust" {
			peer = h
		}
	}
	path, err := f.nodes[peer].Repository().Path("obj-1")
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, data)

	require.Eventually(t, func() bool {
		e, err := a.Registry().Get(ctx, "obj-1")
		return err == nil && e.HasReplica(peer)
	}, 5*time.Second, 10*time.Millisecond)

	// The announcement reaches every member.
	for name, n := range f.nodes {
		require.Eventually(t, func() bool {
			e, err := n.Registry().Get(ctx, "obj-1")
			return err == nil && e.FirstNode == "aptrust"
		}, 5*time.Second, 10*time.Millisecond, "registry entry on %s", name)
	}
}

func TestRecoverLostObject(t *testing.T) {
	f := newFederation(t, "aptrust", "chron")
	a := f.nodes["aptrust"]
	ctx := context.Background()

	src, content := writeBag(t)
	_, err := a.Ingest(ctx, "obj-2", src, types.ObjectData)
	require.NoError(t, err)
	correlation, err := a.Replicate(ctx, "obj-2")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return completed(t, a, correlation) == 1 },
		5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(holders(f, "obj-2")) == 2 },
		5*time.Second, 10*time.Millisecond)

	path, err := a.Repository().Path("obj-2")
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))
	require.False(t, a.Repository().Has("obj-2"))

	recovery, err := a.Recover(ctx, "obj-2")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return completed(t, a, recovery) == 1 },
		5*time.Second, 10*time.Millisecond)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, data)
}

func TestSyncAndResolve(t *testing.T) {
	f := newFederation(t, "aptrust", "chron")
	a, c := f.nodes["aptrust"], f.nodes["chron"]
	ctx := context.Background()

	src, _ := writeBag(t)
	_, err := c.Ingest(ctx, "obj-3", src, types.ObjectData)
	require.NoError(t, err)

	_, err = a.Sync(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n, err := a.Resolve(ctx)
		return err == nil && n == 1
	}, 5*time.Second, 20*time.Millisecond)

	e, err := a.Registry().Get(ctx, "obj-3")
	require.NoError(t, err)
	assert.Equal(t, types.NodeID("chron"), e.FirstNode)
}

func TestStopIsIdempotent(t *testing.T) {
	n, err := New(testConfig(t, "aptrust"), nil)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	assert.True(t, n.Health().Ready())

	n.Stop()
	n.Stop()
	assert.False(t, n.Health().Ready())
	assert.Error(t, n.Start(context.Background()))
}
