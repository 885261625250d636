package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"dpn/pkg/fixity"
	"dpn/pkg/message"
	"dpn/pkg/registry"
	"dpn/pkg/storage"
	"dpn/pkg/types"

	"go.uber.org/zap"
)

// Ingest copies a bag into the repository and registers this node as its
// first node.
func (e *Engine) Ingest(ctx context.Context, id types.ObjectID, source string, objectType types.ObjectType) (*registry.Entry, error) {
	if e.repository.Has(id) {
		return nil, fmt.Errorf("object %s is already in the repository", id)
	}
	path, err := e.repository.Ingest(ctx, id, source)
	if err != nil {
		return nil, fmt.Errorf("failed to ingest %s: %w", id, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat ingested bag: %w", err)
	}
	digest, err := e.transport.Digest(ctx, path, e.cfg.FixityAlgorithm)
	if err != nil {
		return nil, fmt.Errorf("failed to compute fixity of %s: %w", id, err)
	}
	if objectType == "" {
		objectType = types.ObjectData
	}

	now := e.now().UTC()
	entry, err := e.registry.CreateOrUpdate(ctx, &registry.Entry{
		ObjectID:        id,
		FirstNode:       e.cfg.Node,
		FixityAlgorithm: e.cfg.FixityAlgorithm,
		FixityValue:     digest,
		LastFixityDate:  now,
		BagSize:         info.Size(),
		ObjectType:      objectType,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register %s: %w", id, err)
	}
	e.logger.Info("Object ingested",
		zap.String("object_id", string(id)),
		zap.Int64("bag_size", entry.BagSize),
		zap.String("fixity_value", digest))
	return entry, nil
}

// StartReplication offers a preserved object to every peer.
func (e *Engine) StartReplication(ctx context.Context, id types.ObjectID) (types.CorrelationID, error) {
	entry, err := e.registry.Get(ctx, id)
	if err != nil {
		return "", fmt.Errorf("failed to load registry entry %s: %w", id, err)
	}
	if !e.repository.Has(id) {
		return "", fmt.Errorf("object %s is not in the repository", id)
	}

	correlation := message.NewCorrelationID()
	tx := &Transaction{
		CorrelationID: correlation,
		ObjectID:      id,
		Action:        types.ActionReplicate,
		Role:          types.RoleInitiator,
		Initiator:     e.cfg.Node,
		BagSize:       entry.BagSize,
		Protocols:     e.cfg.Protocols,
		CreatedAt:     e.now().UTC(),
	}
	if err := e.store.CreateTransaction(ctx, tx); err != nil {
		return "", fmt.Errorf("failed to create transaction: %w", err)
	}

	body := &message.ReplicationInitQueryBody{
		ReplicationSize: entry.BagSize,
		Protocol:        protocolStrings(e.cfg.Protocols),
		DPNObjectID:     string(id),
	}
	if err := e.sender.Broadcast(ctx, correlation, 0, body); err != nil {
		return correlation, &PublishError{Err: err}
	}

	e.logger.Info("Replication started",
		zap.String("correlation_id", string(correlation)),
		zap.String("object_id", string(id)),
		zap.Int("replication_count", e.cfg.ReplicationCount))
	return correlation, nil
}

// initiated loads a transaction this node started.
func (e *Engine) initiated(ctx context.Context, op string, env message.Envelope) (*Transaction, error) {
	tx, err := e.store.GetTransaction(ctx, env.CorrelationID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, workflowError(op, env.CorrelationID, env.From, "", "unknown transaction")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}
	if tx.Role != types.RoleInitiator {
		return nil, workflowError(op, env.CorrelationID, env.From, "", "transaction was not started here")
	}
	return tx, nil
}

func offered(protocols []types.Protocol, p types.Protocol) bool {
	for _, o := range protocols {
		if o == p {
			return true
		}
	}
	return false
}

// HandleAvailableReply records a peer's answer to a replication or recovery
// init query and runs node selection once enough peers have agreed.
func (e *Engine) HandleAvailableReply(ctx context.Context, env message.Envelope, body *message.AvailableReplyBody) error {
	const op = "available-reply"

	tx, err := e.initiated(ctx, op, env)
	if err != nil {
		return err
	}
	want := types.ActionReplicate
	if body.MessageName() == message.RecoveryAvailableReply {
		want = types.ActionRecovery
	}
	if tx.Action != want {
		return workflowError(op, env.CorrelationID, env.From, "", fmt.Sprintf("reply does not belong to a %s transaction", tx.Action))
	}
	if _, err := e.store.GetRecord(ctx, env.CorrelationID, env.From); err == nil {
		return workflowError(op, env.CorrelationID, env.From, types.StepAvailableReply, "duplicate available reply")
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to load record: %w", err)
	}

	rec := &Record{
		CorrelationID: tx.CorrelationID,
		ObjectID:      tx.ObjectID,
		Action:        tx.Action,
		Peer:          env.From,
		Step:          types.StepAvailableReply,
		ReplyKey:      env.ReplyKey,
		Sequence:      env.Sequence,
	}
	switch v := body.Verdict.(type) {
	case message.Ack:
		if !offered(tx.Protocols, v.Protocol) {
			rec.State = types.StateFailed
			rec.Note = fmt.Sprintf("peer chose protocol %s which was not offered", v.Protocol)
		} else {
			rec.State = types.StateSuccess
			rec.Protocol = v.Protocol
		}
	case message.Nak:
		rec.State = types.StateFailed
		rec.Note = "declined: " + v.Error
	default:
		return workflowError(op, env.CorrelationID, env.From, types.StepAvailableReply, "reply carries no verdict")
	}

	if tx.SelectedAt != nil {
		return e.lateReply(ctx, op, rec)
	}
	if err := e.create(ctx, op, rec); err != nil {
		return err
	}
	e.recordLogger(rec).Info("Available reply", zap.String("state", string(rec.State)), zap.String("protocol", string(rec.Protocol)))
	if rec.State != types.StateSuccess {
		return nil
	}

	// Selection may have been claimed between the transaction read above
	// and the record insert.
	tx, err = e.store.GetTransaction(ctx, tx.CorrelationID)
	if err != nil {
		return fmt.Errorf("failed to reload transaction: %w", err)
	}
	if tx.SelectedAt != nil {
		fresh, err := e.store.GetRecord(ctx, rec.CorrelationID, rec.Peer)
		if err != nil {
			return fmt.Errorf("failed to reload record: %w", err)
		}
		if fresh.Step == types.StepAvailableReply && !fresh.Terminal() {
			return e.cancelUnselected(ctx, op, fresh, "reply after node selection")
		}
		return nil
	}
	return e.maybeSelect(ctx, tx)
}

// lateReply stores a reply that arrived after selection as Cancelled and
// releases the peer if it had agreed.
func (e *Engine) lateReply(ctx context.Context, op string, rec *Record) error {
	agreed := rec.State == types.StateSuccess
	rec.Step = types.StepCancelled
	rec.State = types.StateCancelled
	rec.Note = "reply after node selection"
	if agreed && rec.Action == types.ActionReplicate {
		rec.Sequence++
	}
	if err := e.create(ctx, op, rec); err != nil {
		return err
	}
	e.recordLogger(rec).Info("Late available reply cancelled")
	if agreed && rec.Action == types.ActionReplicate {
		return e.send(ctx, op, rec, message.NewLocationCancel())
	}
	return nil
}

func (e *Engine) wanted(tx *Transaction) int {
	if tx.Action == types.ActionRecovery {
		return 1
	}
	return e.cfg.ReplicationCount
}

// maybeSelect runs selection as soon as enough peers have agreed. Otherwise
// SweepSelections picks the transaction up once the selection delay passes.
func (e *Engine) maybeSelect(ctx context.Context, tx *Transaction) error {
	recs, err := e.store.ListRecords(ctx, tx.CorrelationID)
	if err != nil {
		return fmt.Errorf("failed to list records: %w", err)
	}
	agreed := 0
	for _, r := range recs {
		if r.Step == types.StepAvailableReply && r.State == types.StateSuccess {
			agreed++
		}
	}
	if agreed < e.wanted(tx) {
		return nil
	}
	_, err = e.selectPeers(ctx, tx)
	return err
}

// SelectNodes runs selection for a transaction now, whatever the number of
// replies so far. It reports false if selection already happened.
func (e *Engine) SelectNodes(ctx context.Context, correlation types.CorrelationID) (bool, error) {
	tx, err := e.store.GetTransaction(ctx, correlation)
	if err != nil {
		return false, err
	}
	if tx.Role != types.RoleInitiator {
		return false, workflowError("select", correlation, "", "", "transaction was not started here")
	}
	return e.selectPeers(ctx, tx)
}

// selectPeers claims selection for tx, advances the chosen peers and
// cancels the rest. It runs at most once per transaction.
func (e *Engine) selectPeers(ctx context.Context, tx *Transaction) (bool, error) {
	const op = "select"

	if err := e.store.ClaimSelection(ctx, tx.CorrelationID, e.now().UTC()); err != nil {
		if errors.Is(err, storage.ErrClaimed) {
			return false, nil
		}
		return false, fmt.Errorf("failed to claim selection: %w", err)
	}

	recs, err := e.store.ListRecords(ctx, tx.CorrelationID)
	if err != nil {
		return true, fmt.Errorf("failed to list records: %w", err)
	}
	var candidates []types.NodeID
	byPeer := make(map[types.NodeID]*Record)
	for _, r := range recs {
		if r.Step == types.StepAvailableReply && r.State == types.StateSuccess {
			candidates = append(candidates, r.Peer)
			byPeer[r.Peer] = r
		}
	}

	k := e.wanted(tx)
	if k > len(candidates) {
		k = len(candidates)
	}
	chosen, err := e.selector.Select(candidates, k)
	if err != nil {
		return true, fmt.Errorf("failed to select peers: %w", err)
	}

	logger := e.logger.With(
		zap.String("correlation_id", string(tx.CorrelationID)),
		zap.String("object_id", string(tx.ObjectID)))
	if len(chosen) < e.wanted(tx) {
		logger.Warn("Fewer peers available than requested",
			zap.Int("wanted", e.wanted(tx)),
			zap.Int("available", len(chosen)))
	}
	logger.Info("Peers selected",
		zap.String("policy", e.selector.Policy().Name()),
		zap.Int("candidates", len(candidates)),
		zap.Any("chosen", chosen))

	var errs []error
	for _, peer := range chosen {
		rec := byPeer[peer]
		delete(byPeer, peer)
		if err := e.advanceSelected(ctx, op, rec); err != nil {
			errs = append(errs, err)
		}
	}
	for _, rec := range byPeer {
		if err := e.cancelUnselected(ctx, op, rec, "not selected"); err != nil {
			errs = append(errs, err)
		}
	}
	return true, errors.Join(errs...)
}

// advanceSelected moves a chosen peer to the first transfer step.
func (e *Engine) advanceSelected(ctx context.Context, op string, rec *Record) error {
	if rec.Action == types.ActionRecovery {
		rec.Step = types.StepTransferRequest
		rec.State = types.StatePending
		return e.advance(ctx, op, rec, &message.RecoveryTransferRequestBody{Protocol: string(rec.Protocol)})
	}

	location, err := e.repository.Location(rec.ObjectID, rec.Protocol)
	if err != nil {
		rec.Step = types.StepLocationReply
		rec.State = types.StateFailed
		rec.Note = fmt.Sprintf("no location for %s: %v", rec.ObjectID, err)
		return e.save(ctx, op, rec)
	}
	rec.Step = types.StepLocationReply
	rec.State = types.StatePending
	rec.Location = location
	return e.advance(ctx, op, rec, &message.LocationReplyBody{
		Protocol: string(rec.Protocol),
		Location: location,
	})
}

func (e *Engine) cancelUnselected(ctx context.Context, op string, rec *Record, note string) error {
	rec.Step = types.StepCancelled
	rec.State = types.StateCancelled
	rec.Note = note
	if rec.Action != types.ActionReplicate {
		return e.save(ctx, op, rec)
	}
	return e.advance(ctx, op, rec, message.NewLocationCancel())
}

// HandleTransferReply checks the fixity a peer computed against the
// registry and tells the peer whether to keep the bag.
func (e *Engine) HandleTransferReply(ctx context.Context, env message.Envelope, body *message.TransferReplyBody) error {
	const op = "transfer-reply"

	rec, err := e.lookup(ctx, op, env)
	if err != nil {
		return err
	}
	if rec.Action != types.ActionReplicate {
		return recordError(op, rec, "not a replication")
	}
	if err := expect(op, rec, types.StepLocationReply, types.StatePending); err != nil {
		return err
	}
	rec.Sequence = env.Sequence
	logger := e.recordLogger(rec)

	switch v := body.Verdict.(type) {
	case message.Nak:
		rec.Step = types.StepTransferReply
		rec.State = types.StateFailed
		rec.Note = "transfer failed at peer: " + v.Error
		logger.Warn("Peer transfer failed", zap.String("error", v.Error))
		return e.save(ctx, op, rec)
	case message.Ack:
		entry, err := e.registry.Get(ctx, rec.ObjectID)
		if err != nil {
			return fmt.Errorf("failed to load registry entry %s: %w", rec.ObjectID, err)
		}
		rec.FixityValue = v.FixityValue
		rec.Step = types.StepTransferReply

		note := ""
		if !strings.EqualFold(v.FixityAlgorithm, entry.FixityAlgorithm) {
			note = fmt.Sprintf("fixity algorithm mismatch: expected %s, got %s", entry.FixityAlgorithm, v.FixityAlgorithm)
		} else if !fixity.Equal(v.FixityValue, entry.FixityValue) {
			note = FixityMismatchNote(entry.FixityValue, v.FixityValue)
		}
		if note != "" {
			e.metrics.FixityMismatch()
			logger.Warn("Fixity mismatch",
				zap.String("expected", entry.FixityValue),
				zap.String("actual", v.FixityValue))
			rec.State = types.StateFailed
			rec.Note = note
			return e.advance(ctx, op, rec, message.NewVerifyReply(message.Nak{}))
		}

		rec.Step = types.StepVerifyReply
		rec.State = types.StateSuccess
		if err := e.advance(ctx, op, rec, message.NewVerifyReply(message.Ack{})); err != nil {
			return err
		}
		logger.Info("Transfer verified", zap.String("fixity_value", v.FixityValue))
		if rec.State != types.StateSuccess {
			return nil
		}
		return e.finalizeReplication(ctx, rec.CorrelationID)
	default:
		return recordError(op, rec, "reply carries no verdict")
	}
}

// finalizeReplication completes the transaction once every selected peer
// has verified its copy, then records and announces the new replicas. The
// writes are idempotent and come before the finalization claim, so a
// failure leaves the transaction to be finished by a later attempt.
func (e *Engine) finalizeReplication(ctx context.Context, correlation types.CorrelationID) error {
	const op = "finalize"

	recs, err := e.store.ListRecords(ctx, correlation)
	if err != nil {
		return fmt.Errorf("failed to list records: %w", err)
	}
	var (
		peers    []types.NodeID
		verified []*Record
	)
	for _, r := range recs {
		switch {
		case r.Step == types.StepCancelled, r.Step == types.StepAvailableReply:
		case r.Step == types.StepComplete:
			peers = append(peers, r.Peer)
		case r.Step == types.StepVerifyReply && r.State == types.StateSuccess:
			peers = append(peers, r.Peer)
			verified = append(verified, r)
		default:
			return nil
		}
	}
	if len(peers) == 0 {
		return nil
	}

	objectID := recs[0].ObjectID
	entry, _, err := e.registry.AddReplicas(ctx, objectID, peers...)
	if err != nil {
		return fmt.Errorf("failed to record replicas of %s: %w", objectID, err)
	}
	for _, r := range verified {
		r.Step = types.StepComplete
		if err := e.save(ctx, op, r); err != nil {
			return err
		}
	}

	if err := e.store.ClaimFinalization(ctx, correlation, e.now().UTC()); err != nil {
		if errors.Is(err, storage.ErrClaimed) {
			return nil
		}
		return fmt.Errorf("failed to claim finalization: %w", err)
	}
	e.logger.Info("Replication complete",
		zap.String("correlation_id", string(correlation)),
		zap.String("object_id", string(objectID)),
		zap.Any("replicating_nodes", entry.ReplicatingNodes))

	announcement, err := e.registry.Announce(ctx, entry)
	if err != nil {
		e.logger.Warn("Failed to announce registry entry",
			zap.String("object_id", string(objectID)),
			zap.Error(err))
		return nil
	}
	e.logger.Debug("Registry entry announced",
		zap.String("object_id", string(objectID)),
		zap.String("announcement", string(announcement)))
	return nil
}

// Retry re-drives a failed record from this node's side of the conversation.
func (e *Engine) Retry(ctx context.Context, correlation types.CorrelationID, peer types.NodeID) error {
	const op = "retry"

	rec, err := e.store.GetRecord(ctx, correlation, peer)
	if errors.Is(err, storage.ErrNotFound) {
		return workflowError(op, correlation, peer, "", "no transaction with this peer")
	}
	if err != nil {
		return fmt.Errorf("failed to load record: %w", err)
	}
	if rec.Terminal() {
		return recordError(op, rec, "transaction already finished")
	}
	tx, err := e.store.GetTransaction(ctx, correlation)
	if err != nil {
		return fmt.Errorf("failed to load transaction: %w", err)
	}
	if tx.Role != types.RoleInitiator {
		return recordError(op, rec, "only the initiator can retry")
	}
	// A verified copy whose finalization did not finish.
	if rec.Action == types.ActionReplicate && rec.Step == types.StepVerifyReply && rec.State == types.StateSuccess {
		e.recordLogger(rec).Info("Retrying finalization")
		return e.finalizeReplication(ctx, correlation)
	}
	if rec.State != types.StateFailed {
		return recordError(op, rec, "record has not failed")
	}

	e.recordLogger(rec).Info("Retrying", zap.String("step", string(rec.Step)), zap.String("note", rec.Note))
	rec.Note = ""
	switch {
	case rec.Action == types.ActionReplicate && rec.Step == types.StepLocationReply:
		return e.advanceSelected(ctx, op, rec)
	case rec.Action == types.ActionReplicate && rec.Step == types.StepTransferReply:
		rec.Step = types.StepLocationReply
		rec.State = types.StatePending
		rec.FixityValue = ""
		return e.advance(ctx, op, rec, message.NewVerifyReply(message.Retry{}))
	case rec.Action == types.ActionReplicate && rec.Step == types.StepVerifyReply:
		rec.State = types.StateSuccess
		if err := e.advance(ctx, op, rec, message.NewVerifyReply(message.Ack{})); err != nil {
			return err
		}
		return e.finalizeReplication(ctx, correlation)
	case rec.Action == types.ActionRecovery &&
		(rec.Step == types.StepTransferRequest || rec.Step == types.StepTransferReply):
		return e.advanceSelected(ctx, op, rec)
	}
	return recordError(op, rec, "nothing to retry at this step")
}
