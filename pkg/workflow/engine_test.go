package workflow_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"dpn/pkg/message"
	"dpn/pkg/storage"
	"dpn/pkg/transport"
	"dpn/pkg/types"
	"dpn/pkg/workflow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func threeNodes(t *testing.T) (*network, *testNode, *testNode, *testNode) {
	n := newNetwork(t)
	return n, n.add("aptrust", nil), n.add("chron", nil), n.add("hathi", nil)
}

func TestReplicationCompletes(t *testing.T) {
	ctx := context.Background()
	n, aptrust, chron, hathi := threeNodes(t)
	entry := ingest(t, aptrust, "obj-1")
	require.Equal(t, int64(4096), entry.BagSize)

	corr, err := aptrust.engine.StartReplication(ctx, "obj-1")
	require.NoError(t, err)
	n.pump()
	n.requireNoErrors()

	// initiator side
	rec := aptrust.record(t, corr, "chron")
	assert.Equal(t, types.StepComplete, rec.Step)
	assert.Equal(t, types.StateSuccess, rec.State)
	assert.Equal(t, types.ProtocolHTTPS, rec.Protocol)
	assert.Equal(t, entry.FixityValue, rec.FixityValue)
	assert.Equal(t, 4, rec.Sequence)

	late := aptrust.record(t, corr, "hathi")
	assert.Equal(t, types.StepCancelled, late.Step)
	assert.Equal(t, types.StateCancelled, late.State)

	updated, err := aptrust.registry.Get(ctx, "obj-1")
	require.NoError(t, err)
	assert.Equal(t, []types.NodeID{"chron"}, updated.ReplicatingNodes)

	// receiver side
	recv := chron.record(t, corr, "aptrust")
	assert.Equal(t, types.ActionReceive, recv.Action)
	assert.Equal(t, types.StepComplete, recv.Step)
	assert.Equal(t, types.StateSuccess, recv.State)
	assert.True(t, chron.local.Has("obj-1"))

	replica, err := chron.registry.Get(ctx, "obj-1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeID("aptrust"), replica.FirstNode)
	assert.Equal(t, entry.FixityValue, replica.FixityValue)
	assert.True(t, replica.HasReplica("chron"))

	cancelled := hathi.record(t, corr, "aptrust")
	assert.Equal(t, types.StepCancelled, cancelled.Step)
	assert.False(t, hathi.local.Has("obj-1"))

	tx, err := aptrust.store.GetTransaction(ctx, corr)
	require.NoError(t, err)
	assert.NotNil(t, tx.SelectedAt)
	assert.NotNil(t, tx.FinalizedAt)
	assert.Contains(t, n.sentNames(), message.RegistryItemCreate)
}

func TestReplicationFixityMismatch(t *testing.T) {
	ctx := context.Background()
	n, aptrust, chron, _ := threeNodes(t)
	ingest(t, aptrust, "obj-1")
	before, err := aptrust.registry.Get(ctx, "obj-1")
	require.NoError(t, err)

	chron.local.SetFetcher(types.ProtocolHTTPS, corruptFetcher{})
	corr, err := aptrust.engine.StartReplication(ctx, "obj-1")
	require.NoError(t, err)
	n.pump()
	n.requireNoErrors()

	rec := aptrust.record(t, corr, "chron")
	assert.Equal(t, types.StepTransferReply, rec.Step)
	assert.Equal(t, types.StateFailed, rec.State)
	assert.Contains(t, rec.Note, before.FixityValue)
	assert.Contains(t, rec.Note, rec.FixityValue)
	assert.NotEqual(t, before.FixityValue, rec.FixityValue)

	after, err := aptrust.registry.Get(ctx, "obj-1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.NotContains(t, n.sentNames(), message.RegistryItemCreate)

	recv := chron.record(t, corr, "aptrust")
	assert.Equal(t, types.StepVerifyReply, recv.Step)
	assert.Equal(t, types.StateFailed, recv.State)
	assert.False(t, chron.local.Has("obj-1"))
	_, err = chron.registry.Get(ctx, "obj-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// A retry after the fault clears completes the replication.
	chron.local.SetFetcher(types.ProtocolHTTPS, transport.FileFetcher{})
	require.NoError(t, aptrust.engine.Retry(ctx, corr, "chron"))
	n.pump()
	n.requireNoErrors()

	rec = aptrust.record(t, corr, "chron")
	assert.Equal(t, types.StepComplete, rec.Step)
	assert.Equal(t, 7, rec.Sequence)
	assert.Equal(t, types.StepComplete, chron.record(t, corr, "aptrust").Step)
	assert.True(t, chron.local.Has("obj-1"))
}

func TestInitQueryCreatesOneRecord(t *testing.T) {
	tests := []struct {
		name     string
		size     int64
		offered  []string
		state    types.State
		protocol types.Protocol
	}{
		{"first offered protocol", 4096, []string{"https", "rsync"}, types.StateSuccess, types.ProtocolHTTPS},
		{"only rsync offered", 4096, []string{"rsync"}, types.StateSuccess, types.ProtocolRsync},
		{"bag too large", 2 << 30, []string{"https"}, types.StateFailed, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			n := newNetwork(t)
			hathi := n.add("hathi", nil)
			corr := message.NewCorrelationID()

			err := hathi.engine.HandleInitQuery(ctx, envelope("aptrust", corr, 0), &message.ReplicationInitQueryBody{
				ReplicationSize: tt.size,
				Protocol:        tt.offered,
				DPNObjectID:     "obj-1",
			})
			require.NoError(t, err)

			recs, err := hathi.store.ListRecords(ctx, corr)
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, types.StepAvailableReply, recs[0].Step)
			assert.Equal(t, tt.state, recs[0].State)
			assert.Equal(t, tt.protocol, recs[0].Protocol)
			assert.Equal(t, types.ActionReceive, recs[0].Action)
			assert.Equal(t, 1, recs[0].Sequence)
			assert.Equal(t, []message.Name{message.ReplicationAvailableReply}, n.sentNames())
		})
	}
}

func TestInitQueryDeclinesHeldObject(t *testing.T) {
	ctx := context.Background()
	n := newNetwork(t)
	hathi := n.add("hathi", nil)
	ingest(t, hathi, "obj-1")
	corr := message.NewCorrelationID()

	require.NoError(t, hathi.engine.HandleInitQuery(ctx, envelope("aptrust", corr, 0), &message.ReplicationInitQueryBody{
		ReplicationSize: 4096,
		Protocol:        []string{"https"},
		DPNObjectID:     "obj-1",
	}))
	rec := hathi.record(t, corr, "aptrust")
	assert.Equal(t, types.StateFailed, rec.State)
	assert.Contains(t, rec.Note, "already held")
}

func TestCancelledRecordCannotRestart(t *testing.T) {
	ctx := context.Background()
	n := newNetwork(t)
	hathi := n.add("hathi", nil)
	corr := message.NewCorrelationID()
	query := &message.ReplicationInitQueryBody{ReplicationSize: 4096, Protocol: []string{"https"}, DPNObjectID: "obj-1"}

	require.NoError(t, hathi.engine.HandleInitQuery(ctx, envelope("aptrust", corr, 0), query))
	require.NoError(t, hathi.engine.HandleLocationCancel(ctx, envelope("aptrust", corr, 2), message.NewLocationCancel()))
	before := hathi.record(t, corr, "aptrust")
	require.Equal(t, types.StateCancelled, before.State)

	attempts := map[string]func() error{
		"init query": func() error {
			return hathi.engine.HandleInitQuery(ctx, envelope("aptrust", corr, 3), query)
		},
		"location reply": func() error {
			return hathi.engine.HandleLocationReply(ctx, envelope("aptrust", corr, 4), &message.LocationReplyBody{Protocol: "https", Location: "/tmp/bag"})
		},
		"location cancel": func() error {
			return hathi.engine.HandleLocationCancel(ctx, envelope("aptrust", corr, 5), message.NewLocationCancel())
		},
		"retry": func() error {
			return hathi.engine.Retry(ctx, corr, "aptrust")
		},
	}
	for name, attempt := range attempts {
		t.Run(name, func(t *testing.T) {
			err := attempt()
			require.Error(t, err)
			var werr *workflow.Error
			assert.True(t, errors.As(err, &werr))
			assert.True(t, message.IsPermanent(err))
			assert.Equal(t, before, hathi.record(t, corr, "aptrust"))
		})
	}
}

func TestLocationCancelAfterTransferDiscardsBag(t *testing.T) {
	ctx := context.Background()
	n := newNetwork(t)
	aptrust, chron := n.add("aptrust", nil), n.add("chron", nil)
	ingest(t, aptrust, "obj-1")
	n.hold = func(q queued) bool { return q.name() == message.ReplicationVerifyReply }

	corr, err := aptrust.engine.StartReplication(ctx, "obj-1")
	require.NoError(t, err)
	n.pump()

	rec := chron.record(t, corr, "aptrust")
	require.Equal(t, types.StepTransferReply, rec.Step)
	require.Equal(t, types.StateSuccess, rec.State)
	staged := chron.local.StagedPath("aptrust", rec.Location)
	require.FileExists(t, staged)

	require.NoError(t, chron.engine.HandleLocationCancel(ctx, envelope("aptrust", corr, 10), message.NewLocationCancel()))
	rec = chron.record(t, corr, "aptrust")
	assert.Equal(t, types.StepCancelled, rec.Step)
	assert.NoFileExists(t, staged)

	// The held verify reply now lands on a finished record.
	n.release()
	require.Len(t, n.errs, 1)
	assert.True(t, message.IsPermanent(n.errs[0]))
	assert.False(t, chron.local.Has("obj-1"))
}

func TestSweepSelectsAfterDelay(t *testing.T) {
	ctx := context.Background()
	n := newNetwork(t)
	aptrust := n.add("aptrust", func(c *workflow.Config) { c.ReplicationCount = 2 })
	chron := n.add("chron", nil)
	n.add("hathi", func(c *workflow.Config) { c.MaxBagSize = 10 })
	ingest(t, aptrust, "obj-1")

	corr, err := aptrust.engine.StartReplication(ctx, "obj-1")
	require.NoError(t, err)
	n.pump()
	n.requireNoErrors()

	rec := aptrust.record(t, corr, "chron")
	assert.Equal(t, types.StepAvailableReply, rec.Step)
	assert.Equal(t, types.StateFailed, aptrust.record(t, corr, "hathi").State)

	selected, err := aptrust.engine.SweepSelections(ctx)
	require.NoError(t, err)
	assert.Zero(t, selected)

	later := time.Now().Add(2 * time.Minute)
	aptrust.engine.SetClock(func() time.Time { return later })
	selected, err = aptrust.engine.SweepSelections(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, selected)
	n.pump()
	n.requireNoErrors()

	assert.Equal(t, types.StepComplete, aptrust.record(t, corr, "chron").Step)
	assert.True(t, chron.local.Has("obj-1"))

	selected, err = aptrust.engine.SweepSelections(ctx)
	require.NoError(t, err)
	assert.Zero(t, selected)
}

func TestPublishFailureIsRecorded(t *testing.T) {
	ctx := context.Background()
	n := newNetwork(t)
	hathi := n.add("hathi", nil)
	hathi.sender.Publisher = message.PublisherFunc(func(context.Context, message.Scope, string, *message.Message) error {
		return errors.New("broker down")
	})
	corr := message.NewCorrelationID()

	err := hathi.engine.HandleInitQuery(ctx, envelope("aptrust", corr, 0), &message.ReplicationInitQueryBody{
		ReplicationSize: 4096,
		Protocol:        []string{"https"},
		DPNObjectID:     "obj-1",
	})
	require.NoError(t, err)

	rec := hathi.record(t, corr, "aptrust")
	assert.Equal(t, types.StepAvailableReply, rec.Step)
	assert.Equal(t, types.StateFailed, rec.State)
	assert.Contains(t, rec.Note, "broker down")
}

func TestUnknownTransactionIsPermanent(t *testing.T) {
	ctx := context.Background()
	n := newNetwork(t)
	aptrust := n.add("aptrust", nil)

	err := aptrust.engine.HandleTransferReply(ctx, envelope("chron", "missing", 3), message.NewTransferReply(message.Ack{FixityAlgorithm: "sha256", FixityValue: "00"}))
	require.Error(t, err)
	assert.True(t, message.IsPermanent(err))

	err = aptrust.engine.HandleAvailableReply(ctx, envelope("chron", "missing", 1), message.NewAvailableReply(message.ReplicationAvailableReply, message.Ack{Protocol: types.ProtocolHTTPS}))
	require.Error(t, err)
	assert.True(t, message.IsPermanent(err))
}

func TestRecoveryRestoresObject(t *testing.T) {
	ctx := context.Background()
	n, aptrust, chron, _ := threeNodes(t)
	ingest(t, aptrust, "obj-1")
	_, err := chron.local.Ingest(ctx, "obj-1", writeBag(t, bagContent))
	require.NoError(t, err)

	lost, err := aptrust.local.Path("obj-1")
	require.NoError(t, err)
	require.NoError(t, os.Remove(lost))

	corr, err := aptrust.engine.StartRecovery(ctx, "obj-1")
	require.NoError(t, err)
	n.pump()
	n.requireNoErrors()

	rec := aptrust.record(t, corr, "chron")
	assert.Equal(t, types.ActionRecovery, rec.Action)
	assert.Equal(t, types.StepComplete, rec.Step)
	assert.Equal(t, types.StateSuccess, rec.State)
	assert.True(t, aptrust.local.Has("obj-1"))

	provider := chron.record(t, corr, "aptrust")
	assert.Equal(t, types.StepComplete, provider.Step)
	assert.Equal(t, types.StateSuccess, provider.State)

	assert.Equal(t, types.StepCancelled, aptrust.record(t, corr, "hathi").Step)
}

func TestRecoveryRejectsCorruptCopy(t *testing.T) {
	ctx := context.Background()
	n, aptrust, chron, _ := threeNodes(t)
	entry := ingest(t, aptrust, "obj-1")
	damaged := append([]byte(nil), bagContent...)
	damaged[100] = 'X'
	_, err := chron.local.Ingest(ctx, "obj-1", writeBag(t, damaged))
	require.NoError(t, err)

	lost, err := aptrust.local.Path("obj-1")
	require.NoError(t, err)
	require.NoError(t, os.Remove(lost))

	corr, err := aptrust.engine.StartRecovery(ctx, "obj-1")
	require.NoError(t, err)
	n.pump()
	n.requireNoErrors()

	rec := aptrust.record(t, corr, "chron")
	assert.Equal(t, types.StepTransferReply, rec.Step)
	assert.Equal(t, types.StateFailed, rec.State)
	assert.Contains(t, rec.Note, entry.FixityValue)
	assert.False(t, aptrust.local.Has("obj-1"))

	provider := chron.record(t, corr, "aptrust")
	assert.Equal(t, types.StepTransferStatus, provider.Step)
	assert.Equal(t, types.StateFailed, provider.State)
}

func TestStartReplicationNeedsRegisteredObject(t *testing.T) {
	n := newNetwork(t)
	aptrust := n.add("aptrust", nil)
	_, err := aptrust.engine.StartReplication(context.Background(), "obj-404")
	assert.Error(t, err)
	_, err = aptrust.engine.StartRecovery(context.Background(), "obj-404")
	assert.Error(t, err)
}
