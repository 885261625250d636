package registry

import (
	"context"
	"errors"
	"fmt"

	"dpn/pkg/metrics"
	"dpn/pkg/storage"
	"dpn/pkg/types"

	"go.uber.org/zap"
)

// Resolver reconciles the local registry against peer snapshots. For each
// object the snapshot reported by the object's first node wins; snapshots
// are consumed by every run.
type Resolver struct {
	node    types.NodeID
	store   Store
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewResolver(node types.NodeID, store Store, m *metrics.Metrics, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{node: node, store: store, metrics: m, logger: logger}
}

// Resolve returns the number of local entries created or overwritten.
func (r *Resolver) Resolve(ctx context.Context) (int, error) {
	snapshots, err := r.store.ListSnapshots(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list snapshots: %w", err)
	}

	groups := make(map[types.ObjectID][]Snapshot)
	var order []types.ObjectID
	for _, snap := range snapshots {
		id := snap.Entry.ObjectID
		if _, ok := groups[id]; !ok {
			order = append(order, id)
		}
		groups[id] = append(groups[id], snap)
	}

	reconciled := 0
	for _, id := range order {
		changed, err := r.resolveGroup(ctx, id, groups[id])
		if err != nil {
			return reconciled, err
		}
		if changed {
			reconciled++
		}
	}

	if err := r.store.ClearSnapshots(ctx); err != nil {
		return reconciled, fmt.Errorf("failed to clear snapshots: %w", err)
	}

	r.metrics.Reconciled(reconciled)
	r.logger.Info("Registry resolved",
		zap.Int("objects", len(order)),
		zap.Int("reconciled", reconciled))
	return reconciled, nil
}

func (r *Resolver) resolveGroup(ctx context.Context, id types.ObjectID, group []Snapshot) (bool, error) {
	firstNode := group[0].Entry.FirstNode
	if firstNode == r.node {
		return false, nil
	}

	var authority *Entry
	for _, snap := range group {
		if snap.Peer == firstNode {
			authority = snap.Entry
			break
		}
	}
	if authority == nil {
		r.logger.Debug("No snapshot from first node",
			zap.String("object_id", string(id)),
			zap.String("first_node", string(firstNode)))
		return false, nil
	}

	local, err := r.store.GetEntry(ctx, id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return false, fmt.Errorf("failed to read entry %s: %w", id, err)
	}
	if local != nil && SameProjection(local, authority) {
		return false, nil
	}

	next := authority.Clone()
	next.Normalize()
	if err := r.store.PutEntry(ctx, next); err != nil {
		return false, fmt.Errorf("failed to write entry %s: %w", id, err)
	}
	r.logger.Info("Registry entry reconciled",
		zap.String("object_id", string(id)),
		zap.String("first_node", string(firstNode)),
		zap.Bool("created", local == nil))
	return true, nil
}
