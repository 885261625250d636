package workflow

import (
	"context"
	"errors"
	"fmt"

	"dpn/pkg/message"
	"dpn/pkg/registry"
	"dpn/pkg/storage"
	"dpn/pkg/types"

	"go.uber.org/zap"
)

// respond opens the responder side of a conversation. A peer restarting a
// conversation that already has a record here is rejected, finished or not.
func (e *Engine) respond(ctx context.Context, op string, env message.Envelope, tx *Transaction) error {
	existing, err := e.store.GetRecord(ctx, env.CorrelationID, env.From)
	switch {
	case err == nil:
		if existing.Terminal() {
			return recordError(op, existing, "transaction already finished")
		}
		return recordError(op, existing, "duplicate init query")
	case !errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("failed to load record: %w", err)
	}

	if err := e.store.CreateTransaction(ctx, tx); err != nil {
		if errors.Is(err, storage.ErrExists) {
			return workflowError(op, env.CorrelationID, env.From, "", "transaction already known")
		}
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

func parseProtocols(in []string) []types.Protocol {
	out := make([]types.Protocol, 0, len(in))
	for _, s := range in {
		if p, err := types.ParseProtocol(s); err == nil {
			out = append(out, p)
		}
	}
	return out
}

// holds reports whether this node already preserves id.
func (e *Engine) holds(ctx context.Context, id types.ObjectID) (bool, error) {
	if e.repository.Has(id) {
		return true, nil
	}
	entry, err := e.registry.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load registry entry: %w", err)
	}
	return entry.FirstNode == e.cfg.Node || entry.HasReplica(e.cfg.Node), nil
}

// HandleInitQuery decides whether to take a replica of the offered bag.
func (e *Engine) HandleInitQuery(ctx context.Context, env message.Envelope, body *message.ReplicationInitQueryBody) error {
	const op = "init-query"

	objectID := types.ObjectID(body.DPNObjectID)
	tx := &Transaction{
		CorrelationID: env.CorrelationID,
		ObjectID:      objectID,
		Action:        types.ActionReceive,
		Role:          types.RoleResponder,
		Initiator:     env.From,
		BagSize:       body.ReplicationSize,
		Protocols:     parseProtocols(body.Protocol),
		CreatedAt:     e.now().UTC(),
	}
	var verdict message.Verdict
	protocol, ok := e.negotiate(body.Protocol)
	held, err := e.holds(ctx, objectID)
	if err != nil {
		return err
	}
	switch {
	case !ok:
		verdict = message.Nak{Error: "no common transfer protocol"}
	case e.cfg.MaxBagSize > 0 && body.ReplicationSize > e.cfg.MaxBagSize:
		verdict = message.Nak{Error: fmt.Sprintf("bag of %d bytes exceeds limit of %d", body.ReplicationSize, e.cfg.MaxBagSize)}
	case held:
		verdict = message.Nak{Error: "object already held"}
	default:
		verdict = message.Ack{Protocol: protocol}
	}
	if err := e.respond(ctx, op, env, tx); err != nil {
		return err
	}
	return e.answer(ctx, op, env, tx, message.ReplicationAvailableReply, verdict)
}

// answer stores the responder record at AvailableReply and sends verdict.
func (e *Engine) answer(ctx context.Context, op string, env message.Envelope, tx *Transaction, name message.Name, verdict message.Verdict) error {
	rec := &Record{
		CorrelationID: tx.CorrelationID,
		ObjectID:      tx.ObjectID,
		Action:        tx.Action,
		Peer:          env.From,
		Step:          types.StepAvailableReply,
		ReplyKey:      env.ReplyKey,
		Sequence:      env.Sequence + 1,
	}
	switch v := verdict.(type) {
	case message.Ack:
		rec.State = types.StateSuccess
		rec.Protocol = v.Protocol
	case message.Nak:
		rec.State = types.StateFailed
		rec.Note = "declined: " + v.Error
	}
	if err := e.create(ctx, op, rec); err != nil {
		return err
	}
	e.recordLogger(rec).Info("Answered init query",
		zap.String("verdict", message.Att(verdict)),
		zap.String("protocol", string(rec.Protocol)),
		zap.String("note", rec.Note))
	return e.send(ctx, op, rec, message.NewAvailableReply(name, verdict))
}

// HandleLocationReply starts downloading the bag from the initiator.
func (e *Engine) HandleLocationReply(ctx context.Context, env message.Envelope, body *message.LocationReplyBody) error {
	const op = "location-reply"

	rec, err := e.lookup(ctx, op, env)
	if err != nil {
		return err
	}
	if rec.Action != types.ActionReceive {
		return recordError(op, rec, "not a receive")
	}
	if err := expect(op, rec, types.StepAvailableReply, types.StateSuccess); err != nil {
		return err
	}
	protocol := types.Protocol(body.Protocol)
	if !e.supports(protocol) {
		return recordError(op, rec, fmt.Sprintf("unsupported protocol %s", protocol))
	}

	rec.Sequence = env.Sequence
	rec.Step = types.StepLocationReply
	rec.State = types.StateStarted
	rec.Location = body.Location
	rec.Protocol = protocol
	if err := e.save(ctx, op, rec); err != nil {
		return err
	}
	e.recordLogger(rec).Info("Transfer started", zap.String("location", rec.Location))
	e.startTransfer(rec, func(ctx context.Context) { e.receiveBag(ctx, rec.Clone()) })
	return nil
}

// receiveBag downloads and hashes the bag for rec and reports the digest.
func (e *Engine) receiveBag(ctx context.Context, rec *Record) {
	const op = "transfer"
	logger := e.recordLogger(rec)
	// Store writes use their own context so a cancelled transfer can still
	// be cleaned up.
	bg := context.Background()

	staged, err := e.transport.Download(ctx, rec.Peer, rec.Location, rec.Protocol)
	var digest string
	if err == nil {
		digest, err = e.transport.Digest(ctx, staged, e.cfg.FixityAlgorithm)
	}
	discard := func() {
		if staged == "" {
			return
		}
		if derr := e.repository.Discard(staged); derr != nil {
			logger.Warn("Failed to discard staged bag", zap.Error(derr))
		}
	}
	if ctx.Err() != nil {
		logger.Info("Transfer cancelled")
		discard()
		return
	}

	fresh, lerr := e.reload(bg, rec)
	if lerr != nil {
		logger.Error("Failed to reload record after transfer", zap.Error(lerr))
		discard()
		return
	}
	if fresh == nil || fresh.Step != types.StepLocationReply {
		discard()
		return
	}

	fresh.Step = types.StepTransferReply
	if err != nil {
		terr := &TransferError{Peer: rec.Peer, Location: rec.Location, Err: err}
		logger.Warn("Transfer failed", zap.Error(terr))
		discard()
		fresh.State = types.StateFailed
		fresh.Note = terr.Error()
		if err := e.advance(bg, op, fresh, message.NewTransferReply(message.Nak{Error: terr.Error()})); err != nil {
			logger.Error("Failed to record transfer failure", zap.Error(err))
		}
		return
	}

	fresh.State = types.StateSuccess
	fresh.FixityValue = digest
	body := message.NewTransferReply(message.Ack{FixityAlgorithm: e.cfg.FixityAlgorithm, FixityValue: digest})
	if err := e.advance(bg, op, fresh, body); err != nil {
		// Typically a cancel that landed after the reload.
		logger.Error("Failed to record transfer", zap.Error(err))
		discard()
		return
	}
	logger.Info("Transfer complete", zap.String("fixity_value", digest))
}

// HandleLocationCancel abandons a receive. A bag already staged is removed.
func (e *Engine) HandleLocationCancel(ctx context.Context, env message.Envelope, body *message.LocationCancelBody) error {
	const op = "location-cancel"

	rec, err := e.lookup(ctx, op, env)
	if err != nil {
		return err
	}
	if rec.Action != types.ActionReceive {
		return recordError(op, rec, "not a receive")
	}

	transferred := rec.Step == types.StepTransferReply && rec.State == types.StateSuccess
	inflight := e.cancelTransfer(rec.CorrelationID, rec.Peer)

	rec.Sequence = env.Sequence
	rec.Step = types.StepCancelled
	rec.State = types.StateCancelled
	rec.Note = "cancelled by " + string(env.From)
	if err := e.save(ctx, op, rec); err != nil {
		return err
	}
	if transferred {
		if err := e.repository.Discard(e.transport.StagedPath(rec.Peer, rec.Location)); err != nil {
			e.recordLogger(rec).Warn("Failed to discard staged bag", zap.Error(err))
		}
	}
	e.recordLogger(rec).Info("Receive cancelled", zap.Bool("transferred", transferred), zap.Bool("inflight", inflight))
	return nil
}

// HandleVerifyReply keeps, drops or re-fetches the staged bag according to
// the initiator's fixity check.
func (e *Engine) HandleVerifyReply(ctx context.Context, env message.Envelope, body *message.VerifyReplyBody) error {
	const op = "verify-reply"

	rec, err := e.lookup(ctx, op, env)
	if err != nil {
		return err
	}
	if rec.Action != types.ActionReceive {
		return recordError(op, rec, "not a receive")
	}
	logger := e.recordLogger(rec)
	staged := e.transport.StagedPath(rec.Peer, rec.Location)

	switch body.Verdict.(type) {
	case message.Ack:
		if err := expect(op, rec, types.StepTransferReply, types.StateSuccess); err != nil {
			return err
		}
		rec.Sequence = env.Sequence
		// A redelivered ack finds the bag already promoted.
		if !e.repository.Has(rec.ObjectID) {
			if err := e.repository.Promote(ctx, rec.ObjectID, staged); err != nil {
				rec.Step = types.StepVerifyReply
				rec.State = types.StateFailed
				rec.Note = fmt.Sprintf("failed to preserve bag: %v", err)
				return e.save(ctx, op, rec)
			}
		}
		if err := e.recordReplica(ctx, rec); err != nil {
			return err
		}
		rec.Step = types.StepComplete
		rec.State = types.StateSuccess
		if err := e.save(ctx, op, rec); err != nil {
			return err
		}
		logger.Info("Replica preserved")
		return nil

	case message.Nak:
		if err := expect(op, rec, types.StepTransferReply, types.StateSuccess); err != nil {
			return err
		}
		rec.Sequence = env.Sequence
		rec.Step = types.StepVerifyReply
		rec.State = types.StateFailed
		rec.Note = "initiator rejected the transferred bag"
		if err := e.save(ctx, op, rec); err != nil {
			return err
		}
		if err := e.repository.Discard(staged); err != nil {
			logger.Warn("Failed to discard staged bag", zap.Error(err))
		}
		logger.Warn("Transfer rejected by initiator")
		return nil

	case message.Retry:
		retryable := rec.Step == types.StepTransferReply ||
			(rec.Step == types.StepVerifyReply && rec.State == types.StateFailed)
		if !retryable {
			return recordError(op, rec, "nothing to retry at this step")
		}
		if err := e.repository.Discard(staged); err != nil {
			logger.Warn("Failed to discard staged bag", zap.Error(err))
		}
		rec.Sequence = env.Sequence
		rec.Step = types.StepLocationReply
		rec.State = types.StateStarted
		rec.Note = ""
		rec.FixityValue = ""
		if err := e.save(ctx, op, rec); err != nil {
			return err
		}
		logger.Info("Transfer restarted")
		e.startTransfer(rec, func(ctx context.Context) { e.receiveBag(ctx, rec.Clone()) })
		return nil
	}
	return recordError(op, rec, "reply carries no verdict")
}

// recordReplica adds this node to the registry entry of a preserved bag
// and then claims finalization. The registry write is idempotent, so an
// error leaves the record open for the redelivered ack to try again.
func (e *Engine) recordReplica(ctx context.Context, rec *Record) error {
	_, _, err := e.registry.AddReplicas(ctx, rec.ObjectID, e.cfg.Node)
	if errors.Is(err, storage.ErrNotFound) {
		tx, terr := e.store.GetTransaction(ctx, rec.CorrelationID)
		if terr != nil {
			return fmt.Errorf("failed to load transaction: %w", terr)
		}
		_, err = e.registry.CreateOrUpdate(ctx, &registry.Entry{
			ObjectID:         rec.ObjectID,
			FirstNode:        tx.Initiator,
			FixityAlgorithm:  e.cfg.FixityAlgorithm,
			FixityValue:      rec.FixityValue,
			BagSize:          tx.BagSize,
			ObjectType:       types.ObjectData,
			ReplicatingNodes: []types.NodeID{e.cfg.Node},
		})
	}
	if err != nil {
		return fmt.Errorf("failed to record replica of %s: %w", rec.ObjectID, err)
	}
	if err := e.store.ClaimFinalization(ctx, rec.CorrelationID, e.now().UTC()); err != nil && !errors.Is(err, storage.ErrClaimed) {
		return fmt.Errorf("failed to claim finalization: %w", err)
	}
	return nil
}
