// Package storagetest holds the behaviour every storage backend must share.
package storagetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dpn/pkg/registry"
	"dpn/pkg/storage"
	"dpn/pkg/types"
	"dpn/pkg/workflow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Backend is the full surface a storage backend implements.
type Backend interface {
	workflow.Store
	registry.Store
	LoadSequence(ctx context.Context, correlation types.CorrelationID, node types.NodeID) ([]int, error)
	AppendSequence(ctx context.Context, correlation types.CorrelationID, node types.NodeID, seq int) error
	RemoveSequence(ctx context.Context, correlation types.CorrelationID, node types.NodeID, seq int) error
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// SampleEntry returns a fully populated registry entry.
func SampleEntry(id types.ObjectID) *registry.Entry {
	return &registry.Entry{
		ObjectID:           id,
		FirstNode:          "aptrust",
		VersionNumber:      1,
		FixityAlgorithm:    "sha256",
		FixityValue:        "916f0027a575074ce72a331777c3478d6513f786a591bd892da1a577bf2335f9",
		LastFixityDate:     epoch,
		CreationDate:       epoch,
		LastModifiedDate:   epoch,
		BagSize:            4096,
		ObjectType:         types.ObjectData,
		ReplicatingNodes:   []types.NodeID{"chron", "hathi"},
		FirstVersion:       id,
		BrighteningObjects: []types.ObjectID{"b-1"},
		RightsObjects:      []types.ObjectID{"r-1"},
	}
}

// Run exercises a fresh backend returned by open for each subtest.
func Run(t *testing.T, open func(t *testing.T) Backend) {
	t.Run("Transactions", func(t *testing.T) { testTransactions(t, open(t)) })
	t.Run("Records", func(t *testing.T) { testRecords(t, open(t)) })
	t.Run("ConcurrentUpdateHasOneWinner", func(t *testing.T) { testConcurrentUpdate(t, open(t)) })
	t.Run("Entries", func(t *testing.T) { testEntries(t, open(t)) })
	t.Run("Snapshots", func(t *testing.T) { testSnapshots(t, open(t)) })
	t.Run("Sequences", func(t *testing.T) { testSequences(t, open(t)) })
}

func testTransactions(t *testing.T, s Backend) {
	ctx := context.Background()
	tx := &workflow.Transaction{
		CorrelationID: "c1",
		ObjectID:      "obj-1",
		Action:        types.ActionReplicate,
		Role:          types.RoleInitiator,
		Initiator:     "aptrust",
		BagSize:       4096,
		Protocols:     []types.Protocol{types.ProtocolHTTPS, types.ProtocolRsync},
		CreatedAt:     epoch,
	}
	require.NoError(t, s.CreateTransaction(ctx, tx))
	assert.ErrorIs(t, s.CreateTransaction(ctx, tx), storage.ErrExists)

	got, err := s.GetTransaction(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, types.ObjectID("obj-1"), got.ObjectID)
	assert.Equal(t, types.RoleInitiator, got.Role)
	assert.Equal(t, []types.Protocol{types.ProtocolHTTPS, types.ProtocolRsync}, got.Protocols)
	assert.Nil(t, got.SelectedAt)

	_, err = s.GetTransaction(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	responder := *tx
	responder.CorrelationID = "c2"
	responder.Role = types.RoleResponder
	require.NoError(t, s.CreateTransaction(ctx, &responder))

	pending, err := s.PendingSelections(ctx, epoch)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, types.CorrelationID("c1"), pending[0].CorrelationID)

	pending, err = s.PendingSelections(ctx, epoch.Add(-time.Second))
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, s.ClaimSelection(ctx, "c1", epoch))
	assert.ErrorIs(t, s.ClaimSelection(ctx, "c1", epoch), storage.ErrClaimed)
	assert.ErrorIs(t, s.ClaimSelection(ctx, "missing", epoch), storage.ErrNotFound)

	pending, err = s.PendingSelections(ctx, epoch.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, s.ClaimFinalization(ctx, "c1", epoch))
	assert.ErrorIs(t, s.ClaimFinalization(ctx, "c1", epoch), storage.ErrClaimed)

	got, err = s.GetTransaction(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, got.SelectedAt)
	require.NotNil(t, got.FinalizedAt)
}

func sampleRecord(peer types.NodeID) *workflow.Record {
	return &workflow.Record{
		CorrelationID: "c1",
		ObjectID:      "obj-1",
		Action:        types.ActionReplicate,
		Peer:          peer,
		Step:          types.StepAvailableReply,
		State:         types.StateSuccess,
		ReplyKey:      string(peer),
		Protocol:      types.ProtocolHTTPS,
		Sequence:      1,
		CreatedAt:     epoch,
	}
}

func testRecords(t *testing.T, s Backend) {
	ctx := context.Background()

	r := sampleRecord("chron")
	require.NoError(t, s.CreateRecord(ctx, r))
	assert.ErrorIs(t, s.CreateRecord(ctx, sampleRecord("chron")), storage.ErrExists)
	require.NoError(t, s.CreateRecord(ctx, sampleRecord("hathi")))

	got, err := s.GetRecord(ctx, "c1", "chron")
	require.NoError(t, err)
	assert.Equal(t, types.StepAvailableReply, got.Step)
	assert.Equal(t, types.ProtocolHTTPS, got.Protocol)

	got.Step = types.StepLocationReply
	got.Location = "https://aptrust.example.org/bags/obj-1.tar"
	got.Sequence = 2
	version := got.Version
	require.NoError(t, s.UpdateRecord(ctx, got))
	assert.Equal(t, version+1, got.Version)

	stale := got.Clone()
	stale.Version = version
	assert.ErrorIs(t, s.UpdateRecord(ctx, stale), storage.ErrStale)

	reread, err := s.GetRecord(ctx, "c1", "chron")
	require.NoError(t, err)
	assert.Equal(t, types.StepLocationReply, reread.Step)
	assert.Equal(t, "https://aptrust.example.org/bags/obj-1.tar", reread.Location)
	assert.Equal(t, got.Version, reread.Version)

	missing := sampleRecord("sdr")
	assert.ErrorIs(t, s.UpdateRecord(ctx, missing), storage.ErrNotFound)
	_, err = s.GetRecord(ctx, "c1", "sdr")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	all, err := s.ListRecords(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, types.NodeID("chron"), all[0].Peer)
	assert.Equal(t, types.NodeID("hathi"), all[1].Peer)

	recent, err := s.RecentRecords(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func testConcurrentUpdate(t *testing.T, s Backend) {
	ctx := context.Background()
	require.NoError(t, s.CreateRecord(ctx, sampleRecord("chron")))

	base, err := s.GetRecord(ctx, "c1", "chron")
	require.NoError(t, err)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := base.Clone()
			r.Step = types.StepCancelled
			if s.UpdateRecord(ctx, r) == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func testEntries(t *testing.T, s Backend) {
	ctx := context.Background()

	_, err := s.GetEntry(ctx, "obj-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	e := SampleEntry("obj-1")
	require.NoError(t, s.PutEntry(ctx, e))

	got, err := s.GetEntry(ctx, "obj-1")
	require.NoError(t, err)
	assert.True(t, registry.SameProjection(e, got), "round trip changed the entry: %+v", got)

	e.FixityValue = "ab"
	e.AddReplicas("sdr")
	e.LastModifiedDate = epoch.Add(48 * time.Hour)
	require.NoError(t, s.PutEntry(ctx, e))
	got, err = s.GetEntry(ctx, "obj-1")
	require.NoError(t, err)
	assert.Equal(t, "ab", got.FixityValue)
	assert.Equal(t, []types.NodeID{"chron", "hathi", "sdr"}, got.ReplicatingNodes)

	require.NoError(t, s.PutEntry(ctx, SampleEntry("obj-2")))

	inRange, err := s.ListEntries(ctx, epoch.Add(-time.Hour), epoch.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, inRange, 1)
	assert.Equal(t, types.ObjectID("obj-2"), inRange[0].ObjectID)
}

func testSnapshots(t *testing.T, s Backend) {
	ctx := context.Background()

	require.NoError(t, s.PutSnapshot(ctx, registry.Snapshot{Peer: "aptrust", Entry: SampleEntry("obj-1")}))
	require.NoError(t, s.PutSnapshot(ctx, registry.Snapshot{Peer: "chron", Entry: SampleEntry("obj-1")}))
	require.NoError(t, s.PutSnapshot(ctx, registry.Snapshot{Peer: "chron", Entry: SampleEntry("obj-1")}))

	snaps, err := s.ListSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, types.NodeID("aptrust"), snaps[0].Peer)
	assert.True(t, registry.SameProjection(SampleEntry("obj-1"), snaps[1].Entry))

	require.NoError(t, s.ClearSnapshots(ctx))
	snaps, err = s.ListSnapshots(ctx)
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func testSequences(t *testing.T, s Backend) {
	ctx := context.Background()

	seen, err := s.LoadSequence(ctx, "c1", "chron")
	require.NoError(t, err)
	assert.Empty(t, seen)

	for _, n := range []int{0, 1, 3} {
		require.NoError(t, s.AppendSequence(ctx, "c1", "chron", n))
	}
	require.NoError(t, s.AppendSequence(ctx, "c1", "hathi", 9))

	seen, err = s.LoadSequence(ctx, "c1", "chron")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 3}, seen)

	require.NoError(t, s.RemoveSequence(ctx, "c1", "chron", 3))
	seen, err = s.LoadSequence(ctx, "c1", "chron")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, seen)
}
