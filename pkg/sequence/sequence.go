// Package sequence validates that messages within one transaction arrive
// with strictly increasing sequence numbers per peer.
package sequence

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"dpn/pkg/types"

	"go.uber.org/zap"
)

// Store persists the observed numbers for each (correlation, node) key in
// observation order.
type Store interface {
	LoadSequence(ctx context.Context, correlation types.CorrelationID, node types.NodeID) ([]int, error)
	AppendSequence(ctx context.Context, correlation types.CorrelationID, node types.NodeID, seq int) error
	RemoveSequence(ctx context.Context, correlation types.CorrelationID, node types.NodeID, seq int) error
}

// OrderingError is returned for replayed or out-of-order numbers.
type OrderingError struct {
	CorrelationID types.CorrelationID
	Node          types.NodeID
	Sequence      int
	Last          int
}

func (e *OrderingError) Error() string {
	kind := "out of order"
	if e.Sequence == e.Last {
		kind = "duplicate"
	}
	return fmt.Sprintf("%s sequence %d from %s for %s (last observed %d)", kind, e.Sequence, e.Node, e.CorrelationID, e.Last)
}

const lockStripes = 64

// Tracker serializes observations per key so that concurrent deliveries of
// the same number produce exactly one winner.
type Tracker struct {
	store  Store
	locks  [lockStripes]sync.Mutex
	logger *zap.Logger
}

func NewTracker(store Store, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{store: store, logger: logger}
}

func (t *Tracker) lock(correlation types.CorrelationID, node types.NodeID) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(correlation))
	h.Write([]byte{0})
	h.Write([]byte(node))
	return &t.locks[h.Sum32()%lockStripes]
}

// Observe records seq for the key, or returns an *OrderingError if seq is
// not greater than every number already observed.
func (t *Tracker) Observe(ctx context.Context, correlation types.CorrelationID, node types.NodeID, seq int) error {
	mu := t.lock(correlation, node)
	mu.Lock()
	defer mu.Unlock()

	seen, err := t.store.LoadSequence(ctx, correlation, node)
	if err != nil {
		return fmt.Errorf("failed to load sequence: %w", err)
	}
	if len(seen) > 0 {
		last := seen[len(seen)-1]
		if seq <= last {
			return &OrderingError{CorrelationID: correlation, Node: node, Sequence: seq, Last: last}
		}
	}

	if err := t.store.AppendSequence(ctx, correlation, node, seq); err != nil {
		return fmt.Errorf("failed to record sequence: %w", err)
	}
	return nil
}

// Retract forgets seq so a redelivery of the same message is accepted. It
// only succeeds for the most recent observation.
func (t *Tracker) Retract(ctx context.Context, correlation types.CorrelationID, node types.NodeID, seq int) error {
	mu := t.lock(correlation, node)
	mu.Lock()
	defer mu.Unlock()

	seen, err := t.store.LoadSequence(ctx, correlation, node)
	if err != nil {
		return fmt.Errorf("failed to load sequence: %w", err)
	}
	if len(seen) == 0 || seen[len(seen)-1] != seq {
		t.logger.Debug("Sequence not retracted",
			zap.String("correlation_id", string(correlation)),
			zap.String("node", string(node)),
			zap.Int("sequence", seq))
		return nil
	}
	return t.store.RemoveSequence(ctx, correlation, node, seq)
}

// Seen returns the numbers observed so far for the key.
func (t *Tracker) Seen(ctx context.Context, correlation types.CorrelationID, node types.NodeID) ([]int, error) {
	return t.store.LoadSequence(ctx, correlation, node)
}
