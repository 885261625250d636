package gormstore

import "time"

type TransactionModel struct {
	CorrelationID string     `gorm:"primaryKey"`
	ObjectID      string     `gorm:"index;not null"`
	Action        string     `gorm:"not null"`
	Role          string     `gorm:"index:idx_selection,priority:1;not null"`
	Initiator     string     `gorm:"not null"`
	BagSize       int64      `gorm:"not null"`
	Protocols     []string   `gorm:"serializer:json;type:text"`
	CreatedAt     time.Time  `gorm:"index:idx_selection,priority:3;not null"`
	SelectedAt    *time.Time `gorm:"index:idx_selection,priority:2"`
	FinalizedAt   *time.Time
}

func (TransactionModel) TableName() string { return "dpn_transactions" }

type RecordModel struct {
	CorrelationID string `gorm:"primaryKey"`
	Peer          string `gorm:"primaryKey"`
	ObjectID      string `gorm:"not null"`
	Action        string `gorm:"not null"`
	Step          string `gorm:"not null"`
	State         string `gorm:"not null"`
	Note          string
	Location      string
	FixityValue   string
	ReplyKey      string
	Protocol      string
	Sequence      int       `gorm:"not null"`
	Version       int       `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"index;not null"`
}

func (RecordModel) TableName() string { return "dpn_workflow_records" }

type EntryModel struct {
	ObjectID           string    `gorm:"primaryKey"`
	FirstNode          string    `gorm:"not null"`
	VersionNumber      int       `gorm:"not null"`
	FixityAlgorithm    string    `gorm:"not null"`
	FixityValue        string    `gorm:"not null"`
	LastFixityDate     time.Time `gorm:"not null"`
	CreationDate       time.Time `gorm:"not null"`
	LastModifiedDate   time.Time `gorm:"index;not null"`
	BagSize            int64     `gorm:"not null"`
	ObjectType         string    `gorm:"not null"`
	ReplicatingNodes   []string  `gorm:"serializer:json;type:text"`
	PreviousVersion    string
	ForwardVersion     string
	FirstVersion       string
	BrighteningObjects []string `gorm:"serializer:json;type:text"`
	RightsObjects      []string `gorm:"serializer:json;type:text"`
}

func (EntryModel) TableName() string { return "dpn_registry_entries" }

type SnapshotModel struct {
	Peer     string     `gorm:"primaryKey"`
	ObjectID string     `gorm:"primaryKey"`
	Entry    EntryModel `gorm:"serializer:json;type:text"`
}

func (SnapshotModel) TableName() string { return "dpn_registry_snapshots" }

type SequenceModel struct {
	CorrelationID string `gorm:"primaryKey"`
	Node          string `gorm:"primaryKey"`
	Seq           int    `gorm:"primaryKey;autoIncrement:false"`
}

func (SequenceModel) TableName() string { return "dpn_sequences" }
