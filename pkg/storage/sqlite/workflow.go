package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dpn/pkg/storage"
	"dpn/pkg/types"
	"dpn/pkg/workflow"
)

const transactionColumns = `correlation_id, object_id, action, role, initiator, bag_size, protocols, created_at, selected_at, finalized_at`

func (s *Store) CreateTransaction(ctx context.Context, tx *workflow.Transaction) error {
	protocols, err := marshalList(tx.Protocols)
	if err != nil {
		return fmt.Errorf("failed to encode protocols: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (correlation_id) DO NOTHING`,
		string(tx.CorrelationID), string(tx.ObjectID), string(tx.Action), string(tx.Role),
		string(tx.Initiator), tx.BagSize, protocols, toNanos(tx.CreatedAt),
		nullNanos(tx.SelectedAt), nullNanos(tx.FinalizedAt))
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrExists
	}
	return nil
}

func scanTransaction(row scanner) (*workflow.Transaction, error) {
	var (
		tx                      workflow.Transaction
		correlation, object     string
		action, role, initiator string
		protocols               string
		created                 int64
		selected, finalized     sql.NullInt64
	)
	if err := row.Scan(&correlation, &object, &action, &role, &initiator, &tx.BagSize, &protocols, &created, &selected, &finalized); err != nil {
		return nil, err
	}
	tx.CorrelationID = types.CorrelationID(correlation)
	tx.ObjectID = types.ObjectID(object)
	tx.Action = types.Action(action)
	tx.Role = types.Role(role)
	tx.Initiator = types.NodeID(initiator)
	tx.CreatedAt = fromNanos(created)
	tx.SelectedAt = fromNullNanos(selected)
	tx.FinalizedAt = fromNullNanos(finalized)
	if err := json.Unmarshal([]byte(protocols), &tx.Protocols); err != nil {
		return nil, fmt.Errorf("failed to decode protocols: %w", err)
	}
	return &tx, nil
}

func (s *Store) GetTransaction(ctx context.Context, correlation types.CorrelationID) (*workflow.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE correlation_id = ?`, string(correlation))
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read transaction: %w", err)
	}
	return tx, nil
}

func (s *Store) PendingSelections(ctx context.Context, before time.Time) ([]*workflow.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE role = ? AND selected_at IS NULL AND created_at <= ?
		ORDER BY created_at`,
		string(types.RoleInitiator), toNanos(before))
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []*workflow.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to read transaction: %w", err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (s *Store) ClaimSelection(ctx context.Context, correlation types.CorrelationID, at time.Time) error {
	return s.claim(ctx, "selected_at", correlation, at)
}

func (s *Store) ClaimFinalization(ctx context.Context, correlation types.CorrelationID, at time.Time) error {
	return s.claim(ctx, "finalized_at", correlation, at)
}

// column is one of two constants above, never caller input.
func (s *Store) claim(ctx context.Context, column string, correlation types.CorrelationID, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE transactions SET `+column+` = ? WHERE correlation_id = ? AND `+column+` IS NULL`,
		toNanos(at), string(correlation))
	if err != nil {
		return fmt.Errorf("failed to claim %s: %w", column, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.GetTransaction(ctx, correlation); err != nil {
		return err
	}
	return storage.ErrClaimed
}

const recordColumns = `correlation_id, peer, object_id, action, step, state, note, location, fixity_value, reply_key, protocol, sequence, version, created_at, updated_at`

func (s *Store) CreateRecord(ctx context.Context, r *workflow.Record) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	r.UpdatedAt = r.CreatedAt

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (correlation_id, peer) DO NOTHING`,
		string(r.CorrelationID), string(r.Peer), string(r.ObjectID), string(r.Action),
		string(r.Step), string(r.State), r.Note, r.Location, r.FixityValue, r.ReplyKey,
		string(r.Protocol), r.Sequence, r.Version, toNanos(r.CreatedAt), toNanos(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrExists
	}
	return nil
}

func scanRecord(row scanner) (*workflow.Record, error) {
	var (
		r                             workflow.Record
		correlation, peer, object     string
		action, step, state, protocol string
		created, updated              int64
	)
	if err := row.Scan(&correlation, &peer, &object, &action, &step, &state, &r.Note, &r.Location,
		&r.FixityValue, &r.ReplyKey, &protocol, &r.Sequence, &r.Version, &created, &updated); err != nil {
		return nil, err
	}
	r.CorrelationID = types.CorrelationID(correlation)
	r.Peer = types.NodeID(peer)
	r.ObjectID = types.ObjectID(object)
	r.Action = types.Action(action)
	r.Step = types.Step(step)
	r.State = types.State(state)
	r.Protocol = types.Protocol(protocol)
	r.CreatedAt = fromNanos(created)
	r.UpdatedAt = fromNanos(updated)
	return &r, nil
}

func (s *Store) GetRecord(ctx context.Context, correlation types.CorrelationID, peer types.NodeID) (*workflow.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM workflow_records WHERE correlation_id = ? AND peer = ?`,
		string(correlation), string(peer))
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	return r, nil
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...interface{}) ([]*workflow.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var out []*workflow.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to read record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) ListRecords(ctx context.Context, correlation types.CorrelationID) ([]*workflow.Record, error) {
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM workflow_records WHERE correlation_id = ? ORDER BY peer`,
		string(correlation))
}

func (s *Store) RecentRecords(ctx context.Context, limit int) ([]*workflow.Record, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM workflow_records ORDER BY updated_at DESC LIMIT ?`, limit)
}

func (s *Store) UpdateRecord(ctx context.Context, r *workflow.Record) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_records
		SET step = ?, state = ?, note = ?, location = ?, fixity_value = ?, reply_key = ?,
		    protocol = ?, sequence = ?, version = version + 1, updated_at = ?
		WHERE correlation_id = ? AND peer = ? AND version = ?`,
		string(r.Step), string(r.State), r.Note, r.Location, r.FixityValue, r.ReplyKey,
		string(r.Protocol), r.Sequence, toNanos(now),
		string(r.CorrelationID), string(r.Peer), r.Version)
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		r.Version++
		r.UpdatedAt = now
		return nil
	}
	if _, err := s.GetRecord(ctx, r.CorrelationID, r.Peer); err != nil {
		return err
	}
	return storage.ErrStale
}
