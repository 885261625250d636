// Package gormstore is the shared PostgreSQL backend, for nodes that keep
// their state in an existing database.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dpn/pkg/registry"
	"dpn/pkg/storage"
	"dpn/pkg/types"
	"dpn/pkg/workflow"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type Store struct {
	db *gorm.DB
}

// Open connects to dsn and migrates the schema.
func Open(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return New(gdb)
}

// New wraps an existing connection and migrates the schema.
func New(gdb *gorm.DB) (*Store, error) {
	if err := gdb.AutoMigrate(&TransactionModel{}, &RecordModel{}, &EntryModel{}, &SnapshotModel{}, &SequenceModel{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: gdb}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toTransactionModel(tx *workflow.Transaction) *TransactionModel {
	m := &TransactionModel{
		CorrelationID: string(tx.CorrelationID),
		ObjectID:      string(tx.ObjectID),
		Action:        string(tx.Action),
		Role:          string(tx.Role),
		Initiator:     string(tx.Initiator),
		BagSize:       tx.BagSize,
		CreatedAt:     tx.CreatedAt,
		SelectedAt:    tx.SelectedAt,
		FinalizedAt:   tx.FinalizedAt,
	}
	for _, p := range tx.Protocols {
		m.Protocols = append(m.Protocols, string(p))
	}
	return m
}

func fromTransactionModel(m *TransactionModel) *workflow.Transaction {
	tx := &workflow.Transaction{
		CorrelationID: types.CorrelationID(m.CorrelationID),
		ObjectID:      types.ObjectID(m.ObjectID),
		Action:        types.Action(m.Action),
		Role:          types.Role(m.Role),
		Initiator:     types.NodeID(m.Initiator),
		BagSize:       m.BagSize,
		CreatedAt:     m.CreatedAt.UTC(),
		SelectedAt:    m.SelectedAt,
		FinalizedAt:   m.FinalizedAt,
	}
	for _, p := range m.Protocols {
		tx.Protocols = append(tx.Protocols, types.Protocol(p))
	}
	return tx
}

func (s *Store) CreateTransaction(ctx context.Context, tx *workflow.Transaction) error {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(toTransactionModel(tx))
	if res.Error != nil {
		return fmt.Errorf("failed to insert transaction: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return storage.ErrExists
	}
	return nil
}

func (s *Store) GetTransaction(ctx context.Context, correlation types.CorrelationID) (*workflow.Transaction, error) {
	var m TransactionModel
	err := s.db.WithContext(ctx).Where("correlation_id = ?", string(correlation)).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read transaction: %w", err)
	}
	return fromTransactionModel(&m), nil
}

func (s *Store) PendingSelections(ctx context.Context, before time.Time) ([]*workflow.Transaction, error) {
	var models []TransactionModel
	err := s.db.WithContext(ctx).
		Where("role = ? AND selected_at IS NULL AND created_at <= ?", string(types.RoleInitiator), before).
		Order("created_at").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	out := make([]*workflow.Transaction, 0, len(models))
	for i := range models {
		out = append(out, fromTransactionModel(&models[i]))
	}
	return out, nil
}

func (s *Store) ClaimSelection(ctx context.Context, correlation types.CorrelationID, at time.Time) error {
	return s.claim(ctx, "selected_at", correlation, at)
}

func (s *Store) ClaimFinalization(ctx context.Context, correlation types.CorrelationID, at time.Time) error {
	return s.claim(ctx, "finalized_at", correlation, at)
}

func (s *Store) claim(ctx context.Context, column string, correlation types.CorrelationID, at time.Time) error {
	res := s.db.WithContext(ctx).
		Model(&TransactionModel{}).
		Where("correlation_id = ? AND "+column+" IS NULL", string(correlation)).
		Update(column, at)
	if res.Error != nil {
		return fmt.Errorf("failed to claim %s: %w", column, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	if _, err := s.GetTransaction(ctx, correlation); err != nil {
		return err
	}
	return storage.ErrClaimed
}

func toRecordModel(r *workflow.Record) *RecordModel {
	return &RecordModel{
		CorrelationID: string(r.CorrelationID),
		Peer:          string(r.Peer),
		ObjectID:      string(r.ObjectID),
		Action:        string(r.Action),
		Step:          string(r.Step),
		State:         string(r.State),
		Note:          r.Note,
		Location:      r.Location,
		FixityValue:   r.FixityValue,
		ReplyKey:      r.ReplyKey,
		Protocol:      string(r.Protocol),
		Sequence:      r.Sequence,
		Version:       r.Version,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

func fromRecordModel(m *RecordModel) *workflow.Record {
	return &workflow.Record{
		CorrelationID: types.CorrelationID(m.CorrelationID),
		Peer:          types.NodeID(m.Peer),
		ObjectID:      types.ObjectID(m.ObjectID),
		Action:        types.Action(m.Action),
		Step:          types.Step(m.Step),
		State:         types.State(m.State),
		Note:          m.Note,
		Location:      m.Location,
		FixityValue:   m.FixityValue,
		ReplyKey:      m.ReplyKey,
		Protocol:      types.Protocol(m.Protocol),
		Sequence:      m.Sequence,
		Version:       m.Version,
		CreatedAt:     m.CreatedAt.UTC(),
		UpdatedAt:     m.UpdatedAt.UTC(),
	}
}

func (s *Store) CreateRecord(ctx context.Context, r *workflow.Record) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	r.UpdatedAt = r.CreatedAt

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(toRecordModel(r))
	if res.Error != nil {
		return fmt.Errorf("failed to insert record: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return storage.ErrExists
	}
	return nil
}

func (s *Store) GetRecord(ctx context.Context, correlation types.CorrelationID, peer types.NodeID) (*workflow.Record, error) {
	var m RecordModel
	err := s.db.WithContext(ctx).
		Where("correlation_id = ? AND peer = ?", string(correlation), string(peer)).
		Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	return fromRecordModel(&m), nil
}

func (s *Store) findRecords(query *gorm.DB) ([]*workflow.Record, error) {
	var models []RecordModel
	if err := query.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	out := make([]*workflow.Record, 0, len(models))
	for i := range models {
		out = append(out, fromRecordModel(&models[i]))
	}
	return out, nil
}

func (s *Store) ListRecords(ctx context.Context, correlation types.CorrelationID) ([]*workflow.Record, error) {
	return s.findRecords(s.db.WithContext(ctx).
		Where("correlation_id = ?", string(correlation)).
		Order("peer"))
}

func (s *Store) RecentRecords(ctx context.Context, limit int) ([]*workflow.Record, error) {
	query := s.db.WithContext(ctx).Order("updated_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	return s.findRecords(query)
}

func (s *Store) UpdateRecord(ctx context.Context, r *workflow.Record) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).
		Model(&RecordModel{}).
		Where("correlation_id = ? AND peer = ? AND version = ?", string(r.CorrelationID), string(r.Peer), r.Version).
		Updates(map[string]interface{}{
			"step":         string(r.Step),
			"state":        string(r.State),
			"note":         r.Note,
			"location":     r.Location,
			"fixity_value": r.FixityValue,
			"reply_key":    r.ReplyKey,
			"protocol":     string(r.Protocol),
			"sequence":     r.Sequence,
			"version":      gorm.Expr("version + 1"),
			"updated_at":   now,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update record: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		r.Version++
		r.UpdatedAt = now
		return nil
	}
	if _, err := s.GetRecord(ctx, r.CorrelationID, r.Peer); err != nil {
		return err
	}
	return storage.ErrStale
}

func toEntryModel(e *registry.Entry) EntryModel {
	e = e.Clone()
	e.Normalize()
	item := registry.ToItem(e)
	return EntryModel{
		ObjectID:           item.DPNObjectID,
		FirstNode:          item.FirstNodeName,
		VersionNumber:      item.VersionNumber,
		FixityAlgorithm:    item.FixityAlgorithm,
		FixityValue:        item.FixityValue,
		LastFixityDate:     e.LastFixityDate,
		CreationDate:       e.CreationDate,
		LastModifiedDate:   e.LastModifiedDate,
		BagSize:            item.BagSize,
		ObjectType:         item.ObjectType,
		ReplicatingNodes:   item.ReplicatingNodes,
		PreviousVersion:    item.PreviousVersion,
		ForwardVersion:     item.ForwardVersion,
		FirstVersion:       item.FirstVersion,
		BrighteningObjects: item.BrighteningObjects,
		RightsObjects:      item.RightsObjects,
	}
}

func fromEntryModel(m *EntryModel) *registry.Entry {
	e := &registry.Entry{
		ObjectID:         types.ObjectID(m.ObjectID),
		FirstNode:        types.NodeID(m.FirstNode),
		VersionNumber:    m.VersionNumber,
		FixityAlgorithm:  m.FixityAlgorithm,
		FixityValue:      m.FixityValue,
		LastFixityDate:   m.LastFixityDate,
		CreationDate:     m.CreationDate,
		LastModifiedDate: m.LastModifiedDate,
		BagSize:          m.BagSize,
		ObjectType:       types.ObjectType(m.ObjectType),
		PreviousVersion:  types.ObjectID(m.PreviousVersion),
		ForwardVersion:   types.ObjectID(m.ForwardVersion),
		FirstVersion:     types.ObjectID(m.FirstVersion),
	}
	for _, n := range m.ReplicatingNodes {
		e.ReplicatingNodes = append(e.ReplicatingNodes, types.NodeID(n))
	}
	for _, o := range m.BrighteningObjects {
		e.BrighteningObjects = append(e.BrighteningObjects, types.ObjectID(o))
	}
	for _, o := range m.RightsObjects {
		e.RightsObjects = append(e.RightsObjects, types.ObjectID(o))
	}
	e.Normalize()
	return e
}

func (s *Store) GetEntry(ctx context.Context, id types.ObjectID) (*registry.Entry, error) {
	var m EntryModel
	err := s.db.WithContext(ctx).Where("object_id = ?", string(id)).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read entry: %w", err)
	}
	return fromEntryModel(&m), nil
}

func (s *Store) PutEntry(ctx context.Context, e *registry.Entry) error {
	m := toEntryModel(e)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&m).Error
	if err != nil {
		return fmt.Errorf("failed to upsert entry: %w", err)
	}
	return nil
}

func (s *Store) ListEntries(ctx context.Context, from, to time.Time) ([]*registry.Entry, error) {
	var models []EntryModel
	err := s.db.WithContext(ctx).
		Where("last_modified_date BETWEEN ? AND ?", from, to).
		Order("object_id").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	out := make([]*registry.Entry, 0, len(models))
	for i := range models {
		out = append(out, fromEntryModel(&models[i]))
	}
	return out, nil
}

func (s *Store) PutSnapshot(ctx context.Context, snap registry.Snapshot) error {
	m := SnapshotModel{
		Peer:     string(snap.Peer),
		ObjectID: string(snap.Entry.ObjectID),
		Entry:    toEntryModel(snap.Entry),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&m).Error
	if err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	return nil
}

func (s *Store) ListSnapshots(ctx context.Context) ([]registry.Snapshot, error) {
	var models []SnapshotModel
	if err := s.db.WithContext(ctx).Order("object_id, peer").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	out := make([]registry.Snapshot, 0, len(models))
	for i := range models {
		out = append(out, registry.Snapshot{
			Peer:  types.NodeID(models[i].Peer),
			Entry: fromEntryModel(&models[i].Entry),
		})
	}
	return out, nil
}

func (s *Store) ClearSnapshots(ctx context.Context) error {
	err := s.db.WithContext(ctx).
		Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&SnapshotModel{}).Error
	if err != nil {
		return fmt.Errorf("failed to clear snapshots: %w", err)
	}
	return nil
}

func (s *Store) LoadSequence(ctx context.Context, correlation types.CorrelationID, node types.NodeID) ([]int, error) {
	var seqs []int
	err := s.db.WithContext(ctx).
		Model(&SequenceModel{}).
		Where("correlation_id = ? AND node = ?", string(correlation), string(node)).
		Order("seq").
		Pluck("seq", &seqs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query sequences: %w", err)
	}
	return seqs, nil
}

func (s *Store) AppendSequence(ctx context.Context, correlation types.CorrelationID, node types.NodeID, seq int) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&SequenceModel{CorrelationID: string(correlation), Node: string(node), Seq: seq}).Error
	if err != nil {
		return fmt.Errorf("failed to append sequence: %w", err)
	}
	return nil
}

func (s *Store) RemoveSequence(ctx context.Context, correlation types.CorrelationID, node types.NodeID, seq int) error {
	err := s.db.WithContext(ctx).
		Where("correlation_id = ? AND node = ? AND seq = ?", string(correlation), string(node), seq).
		Delete(&SequenceModel{}).Error
	if err != nil {
		return fmt.Errorf("failed to remove sequence: %w", err)
	}
	return nil
}
