// Package memory is an in-process backend for the workflow, registry and
// sequence stores. It is used by tests and single-process federations.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"dpn/pkg/registry"
	"dpn/pkg/storage"
	"dpn/pkg/types"
	"dpn/pkg/workflow"
)

type recordKey struct {
	correlation types.CorrelationID
	peer        types.NodeID
}

type snapshotKey struct {
	peer   types.NodeID
	object types.ObjectID
}

type Store struct {
	mu           sync.RWMutex
	transactions map[types.CorrelationID]*workflow.Transaction
	records      map[recordKey]*workflow.Record
	entries      map[types.ObjectID]*registry.Entry
	snapshots    map[snapshotKey]*registry.Entry
	sequences    map[recordKey][]int
}

func New() *Store {
	return &Store{
		transactions: make(map[types.CorrelationID]*workflow.Transaction),
		records:      make(map[recordKey]*workflow.Record),
		entries:      make(map[types.ObjectID]*registry.Entry),
		snapshots:    make(map[snapshotKey]*registry.Entry),
		sequences:    make(map[recordKey][]int),
	}
}

func cloneTx(tx *workflow.Transaction) *workflow.Transaction {
	c := *tx
	c.Protocols = append([]types.Protocol(nil), tx.Protocols...)
	return &c
}

func (s *Store) CreateTransaction(_ context.Context, tx *workflow.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.transactions[tx.CorrelationID]; ok {
		return storage.ErrExists
	}
	s.transactions[tx.CorrelationID] = cloneTx(tx)
	return nil
}

func (s *Store) GetTransaction(_ context.Context, correlation types.CorrelationID) (*workflow.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactions[correlation]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneTx(tx), nil
}

func (s *Store) PendingSelections(_ context.Context, before time.Time) ([]*workflow.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*workflow.Transaction
	for _, tx := range s.transactions {
		if tx.Role == types.RoleInitiator && tx.SelectedAt == nil && !tx.CreatedAt.After(before) {
			out = append(out, cloneTx(tx))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ClaimSelection(_ context.Context, correlation types.CorrelationID, at time.Time) error {
	return s.claim(correlation, func(tx *workflow.Transaction) **time.Time { return &tx.SelectedAt }, at)
}

func (s *Store) ClaimFinalization(_ context.Context, correlation types.CorrelationID, at time.Time) error {
	return s.claim(correlation, func(tx *workflow.Transaction) **time.Time { return &tx.FinalizedAt }, at)
}

func (s *Store) claim(correlation types.CorrelationID, field func(*workflow.Transaction) **time.Time, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[correlation]
	if !ok {
		return storage.ErrNotFound
	}
	slot := field(tx)
	if *slot != nil {
		return storage.ErrClaimed
	}
	*slot = &at
	return nil
}

func (s *Store) CreateRecord(_ context.Context, r *workflow.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey{r.CorrelationID, r.Peer}
	if _, ok := s.records[key]; ok {
		return storage.ErrExists
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	r.UpdatedAt = r.CreatedAt
	s.records[key] = r.Clone()
	return nil
}

func (s *Store) GetRecord(_ context.Context, correlation types.CorrelationID, peer types.NodeID) (*workflow.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[recordKey{correlation, peer}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return r.Clone(), nil
}

func (s *Store) ListRecords(_ context.Context, correlation types.CorrelationID) ([]*workflow.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*workflow.Record
	for key, r := range s.records {
		if key.correlation == correlation {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out, nil
}

func (s *Store) UpdateRecord(_ context.Context, r *workflow.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey{r.CorrelationID, r.Peer}
	current, ok := s.records[key]
	if !ok {
		return storage.ErrNotFound
	}
	if current.Version != r.Version {
		return storage.ErrStale
	}
	r.Version++
	r.UpdatedAt = time.Now().UTC()
	s.records[key] = r.Clone()
	return nil
}

func (s *Store) RecentRecords(_ context.Context, limit int) ([]*workflow.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*workflow.Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetEntry(_ context.Context, id types.ObjectID) (*registry.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return e.Clone(), nil
}

func (s *Store) PutEntry(_ context.Context, e *registry.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[e.ObjectID] = e.Clone()
	return nil
}

func (s *Store) ListEntries(_ context.Context, from, to time.Time) ([]*registry.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*registry.Entry
	for _, e := range s.entries {
		if !e.LastModifiedDate.Before(from) && !e.LastModifiedDate.After(to) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObjectID < out[j].ObjectID })
	return out, nil
}

func (s *Store) PutSnapshot(_ context.Context, snap registry.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots[snapshotKey{snap.Peer, snap.Entry.ObjectID}] = snap.Entry.Clone()
	return nil
}

func (s *Store) ListSnapshots(_ context.Context) ([]registry.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]registry.Snapshot, 0, len(s.snapshots))
	for key, e := range s.snapshots {
		out = append(out, registry.Snapshot{Peer: key.peer, Entry: e.Clone()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Entry.ObjectID != out[j].Entry.ObjectID {
			return out[i].Entry.ObjectID < out[j].Entry.ObjectID
		}
		return out[i].Peer < out[j].Peer
	})
	return out, nil
}

func (s *Store) ClearSnapshots(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots = make(map[snapshotKey]*registry.Entry)
	return nil
}

func (s *Store) LoadSequence(_ context.Context, correlation types.CorrelationID, node types.NodeID) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]int(nil), s.sequences[recordKey{correlation, node}]...), nil
}

func (s *Store) AppendSequence(_ context.Context, correlation types.CorrelationID, node types.NodeID, seq int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey{correlation, node}
	s.sequences[key] = append(s.sequences[key], seq)
	return nil
}

func (s *Store) RemoveSequence(_ context.Context, correlation types.CorrelationID, node types.NodeID, seq int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey{correlation, node}
	seen := s.sequences[key]
	for i, v := range seen {
		if v == seq {
			s.sequences[key] = append(seen[:i:i], seen[i+1:]...)
			return nil
		}
	}
	return nil
}

// Close is a no-op so that Store satisfies the same lifecycle as the SQL
// backends.
func (s *Store) Close() error {
	return nil
}
