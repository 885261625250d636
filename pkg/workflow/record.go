// Package workflow drives the replicate, receive and recovery state
// machines. All state lives in a Store so transactions survive restarts.
package workflow

import (
	"context"
	"time"

	"dpn/pkg/types"
)

// Transaction anchors one correlation id on this node.
type Transaction struct {
	CorrelationID types.CorrelationID
	ObjectID      types.ObjectID
	Action        types.Action
	Role          types.Role
	Initiator     types.NodeID
	// BagSize and Protocols echo the init query.
	BagSize     int64
	Protocols   []types.Protocol
	CreatedAt   time.Time
	SelectedAt  *time.Time
	FinalizedAt *time.Time
}

// Record is the state of one transaction with one peer.
type Record struct {
	CorrelationID types.CorrelationID
	ObjectID      types.ObjectID
	Action        types.Action
	Peer          types.NodeID
	Step          types.Step
	State         types.State
	Note          string
	Location      string
	FixityValue   string
	ReplyKey      string
	Protocol      types.Protocol
	// Sequence is the last sequence number used in this conversation.
	Sequence int
	// Version is bumped by every successful UpdateRecord.
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Terminal reports whether the record can no longer transition.
func (r *Record) Terminal() bool {
	return r.Step.Terminal() || r.State == types.StateCancelled
}

func (r *Record) Clone() *Record {
	c := *r
	return &c
}

// Store persists transactions and records. Implementations return
// storage.ErrNotFound, storage.ErrExists, storage.ErrStale and
// storage.ErrClaimed.
type Store interface {
	CreateTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, correlation types.CorrelationID) (*Transaction, error)
	// PendingSelections lists initiated transactions created at or before
	// the given time whose selection has not been claimed.
	PendingSelections(ctx context.Context, before time.Time) ([]*Transaction, error)
	ClaimSelection(ctx context.Context, correlation types.CorrelationID, at time.Time) error
	ClaimFinalization(ctx context.Context, correlation types.CorrelationID, at time.Time) error

	CreateRecord(ctx context.Context, r *Record) error
	GetRecord(ctx context.Context, correlation types.CorrelationID, peer types.NodeID) (*Record, error)
	ListRecords(ctx context.Context, correlation types.CorrelationID) ([]*Record, error)
	// UpdateRecord writes r if its Version matches the stored one and then
	// increments r.Version.
	UpdateRecord(ctx context.Context, r *Record) error
	RecentRecords(ctx context.Context, limit int) ([]*Record, error)
}
