package sqlite

import (
	"context"
	"fmt"

	"dpn/pkg/types"
)

func (s *Store) LoadSequence(ctx context.Context, correlation types.CorrelationID, node types.NodeID) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq FROM sequences WHERE correlation_id = ? AND node = ? ORDER BY seq`,
		string(correlation), string(node))
	if err != nil {
		return nil, fmt.Errorf("failed to query sequences: %w", err)
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to read sequence: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) AppendSequence(ctx context.Context, correlation types.CorrelationID, node types.NodeID, seq int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sequences (correlation_id, node, seq) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
		string(correlation), string(node), seq)
	if err != nil {
		return fmt.Errorf("failed to append sequence: %w", err)
	}
	return nil
}

func (s *Store) RemoveSequence(ctx context.Context, correlation types.CorrelationID, node types.NodeID, seq int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sequences WHERE correlation_id = ? AND node = ? AND seq = ?`,
		string(correlation), string(node), seq)
	if err != nil {
		return fmt.Errorf("failed to remove sequence: %w", err)
	}
	return nil
}
