package workflow

import (
	"context"
	"fmt"

	"dpn/pkg/fixity"
	"dpn/pkg/message"
	"dpn/pkg/types"

	"go.uber.org/zap"
)

// StartRecovery asks every peer for a copy of an object this node has lost
// or found damaged. The registry entry supplies the expected fixity.
func (e *Engine) StartRecovery(ctx context.Context, id types.ObjectID) (types.CorrelationID, error) {
	entry, err := e.registry.Get(ctx, id)
	if err != nil {
		return "", fmt.Errorf("failed to load registry entry %s: %w", id, err)
	}

	correlation := message.NewCorrelationID()
	tx := &Transaction{
		CorrelationID: correlation,
		ObjectID:      id,
		Action:        types.ActionRecovery,
		Role:          types.RoleInitiator,
		Initiator:     e.cfg.Node,
		BagSize:       entry.BagSize,
		Protocols:     e.cfg.Protocols,
		CreatedAt:     e.now().UTC(),
	}
	if err := e.store.CreateTransaction(ctx, tx); err != nil {
		return "", fmt.Errorf("failed to create transaction: %w", err)
	}

	body := &message.RecoveryInitQueryBody{
		Protocol:    protocolStrings(e.cfg.Protocols),
		DPNObjectID: string(id),
	}
	if err := e.sender.Broadcast(ctx, correlation, 0, body); err != nil {
		return correlation, &PublishError{Err: err}
	}
	e.logger.Info("Recovery started",
		zap.String("correlation_id", string(correlation)),
		zap.String("object_id", string(id)))
	return correlation, nil
}

// SelectRecoveryNode picks the peer to recover from among those that
// agreed. It reports false if selection already happened.
func (e *Engine) SelectRecoveryNode(ctx context.Context, correlation types.CorrelationID) (bool, error) {
	return e.SelectNodes(ctx, correlation)
}

// HandleRecoveryInitQuery offers a copy if this node holds the object.
func (e *Engine) HandleRecoveryInitQuery(ctx context.Context, env message.Envelope, body *message.RecoveryInitQueryBody) error {
	const op = "recovery-init-query"

	objectID := types.ObjectID(body.DPNObjectID)
	var verdict message.Verdict
	protocol, ok := e.negotiate(body.Protocol)
	switch {
	case !ok:
		verdict = message.Nak{Error: "no common transfer protocol"}
	case !e.repository.Has(objectID):
		verdict = message.Nak{Error: "object not held"}
	default:
		verdict = message.Ack{Protocol: protocol}
	}

	tx := &Transaction{
		CorrelationID: env.CorrelationID,
		ObjectID:      objectID,
		Action:        types.ActionRecovery,
		Role:          types.RoleResponder,
		Initiator:     env.From,
		Protocols:     parseProtocols(body.Protocol),
		CreatedAt:     e.now().UTC(),
	}
	if err := e.respond(ctx, op, env, tx); err != nil {
		return err
	}
	return e.answer(ctx, op, env, tx, message.RecoveryAvailableReply, verdict)
}

// HandleRecoveryTransferRequest hashes the local copy and tells the
// requester where to fetch it.
func (e *Engine) HandleRecoveryTransferRequest(ctx context.Context, env message.Envelope, body *message.RecoveryTransferRequestBody) error {
	const op = "recovery-transfer-request"

	rec, err := e.lookup(ctx, op, env)
	if err != nil {
		return err
	}
	if rec.Action != types.ActionRecovery {
		return recordError(op, rec, "not a recovery")
	}
	requestable := (rec.Step == types.StepAvailableReply && rec.State == types.StateSuccess) ||
		(rec.Step == types.StepTransferReply && rec.State == types.StateFailed) ||
		(rec.Step == types.StepTransferStatus && rec.State == types.StateFailed)
	if !requestable {
		return recordError(op, rec, "transfer not expected at this step")
	}
	protocol := types.Protocol(body.Protocol)
	if !e.supports(protocol) {
		return recordError(op, rec, fmt.Sprintf("unsupported protocol %s", protocol))
	}

	rec.Sequence = env.Sequence
	rec.Step = types.StepTransferRequest
	rec.State = types.StateStarted
	rec.Protocol = protocol
	rec.Note = ""
	if err := e.save(ctx, op, rec); err != nil {
		return err
	}
	e.startTransfer(rec, func(ctx context.Context) { e.offerBag(ctx, rec.Clone()) })
	return nil
}

// offerBag computes the digest of the local copy and sends the transfer
// reply.
func (e *Engine) offerBag(ctx context.Context, rec *Record) {
	const op = "recovery-offer"
	logger := e.recordLogger(rec)
	bg := context.Background()

	var digest, location string
	path, err := e.repository.Path(rec.ObjectID)
	if err == nil {
		digest, err = e.transport.Digest(ctx, path, e.cfg.FixityAlgorithm)
	}
	if err == nil {
		location, err = e.repository.Location(rec.ObjectID, rec.Protocol)
	}
	if ctx.Err() != nil {
		return
	}

	fresh, lerr := e.reload(bg, rec)
	if lerr != nil {
		logger.Error("Failed to reload record", zap.Error(lerr))
		return
	}
	if fresh == nil || fresh.Step != types.StepTransferRequest {
		return
	}

	fresh.Step = types.StepTransferReply
	var body *message.RecoveryTransferReplyBody
	if err != nil {
		logger.Warn("Cannot offer bag", zap.Error(err))
		fresh.State = types.StateFailed
		fresh.Note = err.Error()
		body = message.NewRecoveryTransferReply(message.Nak{Error: err.Error()}, "")
	} else {
		fresh.State = types.StateSuccess
		fresh.FixityValue = digest
		fresh.Location = location
		body = message.NewRecoveryTransferReply(message.Ack{
			Protocol:        fresh.Protocol,
			FixityAlgorithm: e.cfg.FixityAlgorithm,
			FixityValue:     digest,
		}, location)
	}
	if err := e.advance(bg, op, fresh, body); err != nil {
		logger.Error("Failed to record recovery offer", zap.Error(err))
	}
}

// HandleRecoveryTransferReply downloads the offered copy.
func (e *Engine) HandleRecoveryTransferReply(ctx context.Context, env message.Envelope, body *message.RecoveryTransferReplyBody) error {
	const op = "recovery-transfer-reply"

	rec, err := e.lookup(ctx, op, env)
	if err != nil {
		return err
	}
	if rec.Action != types.ActionRecovery {
		return recordError(op, rec, "not a recovery")
	}
	if err := expect(op, rec, types.StepTransferRequest, types.StatePending); err != nil {
		return err
	}
	rec.Sequence = env.Sequence
	rec.Step = types.StepTransferReply

	switch v := body.Verdict.(type) {
	case message.Nak:
		rec.State = types.StateFailed
		rec.Note = "provider cannot supply the bag: " + v.Error
		return e.save(ctx, op, rec)
	case message.Ack:
		rec.State = types.StateStarted
		rec.Location = body.Location
		rec.FixityValue = v.FixityValue
		if err := e.save(ctx, op, rec); err != nil {
			return err
		}
		e.startTransfer(rec, func(ctx context.Context) { e.restoreBag(ctx, rec.Clone(), v) })
		return nil
	}
	return recordError(op, rec, "reply carries no verdict")
}

// restoreBag downloads the provider's copy, checks it against the registry
// and the provider's digest, and reports the outcome.
func (e *Engine) restoreBag(ctx context.Context, rec *Record, offer message.Ack) {
	const op = "recovery-transfer"
	logger := e.recordLogger(rec)
	bg := context.Background()

	var staged, digest string
	entry, err := e.registry.Get(bg, rec.ObjectID)
	if err == nil {
		staged, err = e.transport.Download(ctx, rec.Peer, rec.Location, rec.Protocol)
	}
	if err == nil {
		digest, err = e.transport.Digest(ctx, staged, entry.FixityAlgorithm)
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
		discard()
		return
	}

	fresh, lerr := e.reload(bg, rec)
	if lerr != nil {
		logger.Error("Failed to reload record", zap.Error(lerr))
		discard()
		return
	}
	if fresh == nil || fresh.Step != types.StepTransferReply || fresh.State != types.StateStarted {
		discard()
		return
	}

	fail := func(note string) {
		discard()
		fresh.State = types.StateFailed
		fresh.Note = note
		if err := e.advance(bg, op, fresh, message.NewTransferStatus(message.Nak{Error: note})); err != nil {
			logger.Error("Failed to record recovery failure", zap.Error(err))
		}
	}

	if err != nil {
		terr := &TransferError{Peer: rec.Peer, Location: rec.Location, Err: err}
		logger.Warn("Recovery transfer failed", zap.Error(terr))
		fail(terr.Error())
		return
	}
	if !fixity.Equal(digest, entry.FixityValue) {
		e.metrics.FixityMismatch()
		logger.Warn("Recovered bag fails fixity",
			zap.String("expected", entry.FixityValue),
			zap.String("actual", digest))
		fail(FixityMismatchNote(entry.FixityValue, digest))
		return
	}
	if offer.FixityAlgorithm == entry.FixityAlgorithm && !fixity.Equal(offer.FixityValue, digest) {
		logger.Warn("Provider digest differs from downloaded bag",
			zap.String("offered", offer.FixityValue),
			zap.String("actual", digest))
		fail(FixityMismatchNote(offer.FixityValue, digest))
		return
	}
	if err := e.repository.Promote(bg, rec.ObjectID, staged); err != nil {
		fail(fmt.Sprintf("failed to restore bag: %v", err))
		return
	}

	fresh.Step = types.StepComplete
	fresh.State = types.StateSuccess
	fresh.FixityValue = digest
	if err := e.advance(bg, op, fresh, message.NewTransferStatus(message.Ack{})); err != nil {
		logger.Error("Failed to record recovery", zap.Error(err))
		return
	}
	logger.Info("Object recovered", zap.String("fixity_value", digest))
}

// HandleRecoveryTransferStatus closes the provider side of a recovery.
func (e *Engine) HandleRecoveryTransferStatus(ctx context.Context, env message.Envelope, body *message.TransferStatusBody) error {
	const op = "recovery-transfer-status"

	rec, err := e.lookup(ctx, op, env)
	if err != nil {
		return err
	}
	if rec.Action != types.ActionRecovery {
		return recordError(op, rec, "not a recovery")
	}
	if err := expect(op, rec, types.StepTransferReply, types.StateSuccess); err != nil {
		return err
	}
	rec.Sequence = env.Sequence

	switch v := body.Verdict.(type) {
	case message.Ack:
		rec.Step = types.StepComplete
		rec.State = types.StateSuccess
		e.recordLogger(rec).Info("Recovery delivered")
	case message.Nak:
		rec.Step = types.StepTransferStatus
		rec.State = types.StateFailed
		rec.Note = "requester rejected the bag: " + v.Error
		e.recordLogger(rec).Warn("Recovery rejected", zap.String("error", v.Error))
	default:
		return recordError(op, rec, "status carries no verdict")
	}
	return e.save(ctx, op, rec)
}
