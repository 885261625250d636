package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dpn/pkg/registry"
	"dpn/pkg/storage"
	"dpn/pkg/types"
)

const entryColumns = `object_id, first_node, version_number, fixity_algorithm, fixity_value, last_fixity_date, creation_date, last_modified_date, bag_size, object_type, replicating_nodes, previous_version, forward_version, first_version, brightening_objects, rights_objects`

func (s *Store) GetEntry(ctx context.Context, id types.ObjectID) (*registry.Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM registry_entries WHERE object_id = ?`, string(id))
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read entry: %w", err)
	}
	return e, nil
}

func (s *Store) PutEntry(ctx context.Context, e *registry.Entry) error {
	e = e.Clone()
	e.Normalize()

	replicating, err := marshalList(e.ReplicatingNodes)
	if err != nil {
		return fmt.Errorf("failed to encode replicating nodes: %w", err)
	}
	brightening, err := marshalList(e.BrighteningObjects)
	if err != nil {
		return fmt.Errorf("failed to encode brightening objects: %w", err)
	}
	rights, err := marshalList(e.RightsObjects)
	if err != nil {
		return fmt.Errorf("failed to encode rights objects: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO registry_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (object_id) DO UPDATE SET
			first_node = excluded.first_node,
			version_number = excluded.version_number,
			fixity_algorithm = excluded.fixity_algorithm,
			fixity_value = excluded.fixity_value,
			last_fixity_date = excluded.last_fixity_date,
			creation_date = excluded.creation_date,
			last_modified_date = excluded.last_modified_date,
			bag_size = excluded.bag_size,
			object_type = excluded.object_type,
			replicating_nodes = excluded.replicating_nodes,
			previous_version = excluded.previous_version,
			forward_version = excluded.forward_version,
			first_version = excluded.first_version,
			brightening_objects = excluded.brightening_objects,
			rights_objects = excluded.rights_objects`,
		string(e.ObjectID), string(e.FirstNode), e.VersionNumber, e.FixityAlgorithm, e.FixityValue,
		toNanos(e.LastFixityDate), toNanos(e.CreationDate), toNanos(e.LastModifiedDate),
		e.BagSize, string(e.ObjectType), replicating, string(e.PreviousVersion),
		string(e.ForwardVersion), string(e.FirstVersion), brightening, rights)
	if err != nil {
		return fmt.Errorf("failed to upsert entry: %w", err)
	}
	return nil
}

func (s *Store) ListEntries(ctx context.Context, from, to time.Time) ([]*registry.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM registry_entries
		WHERE last_modified_date BETWEEN ? AND ?
		ORDER BY object_id`,
		toNanos(from), toNanos(to))
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var out []*registry.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to read entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(row scanner) (*registry.Entry, error) {
	var (
		e                                      registry.Entry
		id, firstNode, objectType              string
		previous, forward, first               string
		lastFixity, created, modified          int64
		replicating, brightening, rightsObject string
	)
	if err := row.Scan(&id, &firstNode, &e.VersionNumber, &e.FixityAlgorithm, &e.FixityValue,
		&lastFixity, &created, &modified, &e.BagSize, &objectType, &replicating,
		&previous, &forward, &first, &brightening, &rightsObject); err != nil {
		return nil, err
	}
	e.ObjectID = types.ObjectID(id)
	e.FirstNode = types.NodeID(firstNode)
	e.ObjectType = types.ObjectType(objectType)
	e.PreviousVersion = types.ObjectID(previous)
	e.ForwardVersion = types.ObjectID(forward)
	e.FirstVersion = types.ObjectID(first)
	e.LastFixityDate = fromNanos(lastFixity)
	e.CreationDate = fromNanos(created)
	e.LastModifiedDate = fromNanos(modified)

	if err := json.Unmarshal([]byte(replicating), &e.ReplicatingNodes); err != nil {
		return nil, fmt.Errorf("failed to decode replicating nodes: %w", err)
	}
	if err := json.Unmarshal([]byte(brightening), &e.BrighteningObjects); err != nil {
		return nil, fmt.Errorf("failed to decode brightening objects: %w", err)
	}
	if err := json.Unmarshal([]byte(rightsObject), &e.RightsObjects); err != nil {
		return nil, fmt.Errorf("failed to decode rights objects: %w", err)
	}
	return &e, nil
}

func (s *Store) PutSnapshot(ctx context.Context, snap registry.Snapshot) error {
	data, err := json.Marshal(snap.Entry)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO registry_snapshots (peer, object_id, entry) VALUES (?, ?, ?)
		ON CONFLICT (peer, object_id) DO UPDATE SET entry = excluded.entry`,
		string(snap.Peer), string(snap.Entry.ObjectID), string(data))
	if err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	return nil
}

func (s *Store) ListSnapshots(ctx context.Context) ([]registry.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT peer, entry FROM registry_snapshots ORDER BY object_id, peer`)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var out []registry.Snapshot
	for rows.Next() {
		var peer, data string
		if err := rows.Scan(&peer, &data); err != nil {
			return nil, fmt.Errorf("failed to read snapshot: %w", err)
		}
		var e registry.Entry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, fmt.Errorf("failed to decode snapshot: %w", err)
		}
		out = append(out, registry.Snapshot{Peer: types.NodeID(peer), Entry: &e})
	}
	return out, rows.Err()
}

func (s *Store) ClearSnapshots(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM registry_snapshots`); err != nil {
		return fmt.Errorf("failed to clear snapshots: %w", err)
	}
	return nil
}
