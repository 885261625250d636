// Package registry maintains the local registry of preserved objects and
// reconciles it against the snapshots peers send back.
package registry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"dpn/pkg/message"
	"dpn/pkg/types"
)

// Entry is the canonical metadata for one preserved object. Links to other
// objects are ids resolved through the Store.
type Entry struct {
	ObjectID           types.ObjectID
	FirstNode          types.NodeID
	VersionNumber      int
	FixityAlgorithm    string
	FixityValue        string
	LastFixityDate     time.Time
	CreationDate       time.Time
	LastModifiedDate   time.Time
	BagSize            int64
	ObjectType         types.ObjectType
	ReplicatingNodes   []types.NodeID
	PreviousVersion    types.ObjectID
	ForwardVersion     types.ObjectID
	FirstVersion       types.ObjectID
	BrighteningObjects []types.ObjectID
	RightsObjects      []types.ObjectID
}

// Snapshot is one row of a peer's registry as reported by a sync reply.
type Snapshot struct {
	Peer  types.NodeID
	Entry *Entry
}

// Store persists entries and peer snapshots.
type Store interface {
	GetEntry(ctx context.Context, id types.ObjectID) (*Entry, error)
	PutEntry(ctx context.Context, e *Entry) error
	ListEntries(ctx context.Context, from, to time.Time) ([]*Entry, error)

	PutSnapshot(ctx context.Context, s Snapshot) error
	ListSnapshots(ctx context.Context) ([]Snapshot, error)
	ClearSnapshots(ctx context.Context) error
}

// Normalize sorts and dedups the set fields and truncates dates to the
// precision carried on the wire.
func (e *Entry) Normalize() {
	e.ReplicatingNodes = sortedNodes(e.ReplicatingNodes)
	e.BrighteningObjects = sortedObjects(e.BrighteningObjects)
	e.RightsObjects = sortedObjects(e.RightsObjects)
	e.LastFixityDate = e.LastFixityDate.UTC().Truncate(time.Second)
	e.CreationDate = e.CreationDate.UTC().Truncate(time.Second)
	e.LastModifiedDate = e.LastModifiedDate.UTC().Truncate(time.Second)
}

func (e *Entry) Clone() *Entry {
	c := *e
	c.ReplicatingNodes = append([]types.NodeID(nil), e.ReplicatingNodes...)
	c.BrighteningObjects = append([]types.ObjectID(nil), e.BrighteningObjects...)
	c.RightsObjects = append([]types.ObjectID(nil), e.RightsObjects...)
	return &c
}

// HasReplica reports whether node is listed as replicating the object.
func (e *Entry) HasReplica(node types.NodeID) bool {
	for _, n := range e.ReplicatingNodes {
		if n == node {
			return true
		}
	}
	return false
}

// AddReplicas merges nodes into the replicating set and reports whether it
// changed.
func (e *Entry) AddReplicas(nodes ...types.NodeID) bool {
	before := len(e.ReplicatingNodes)
	e.ReplicatingNodes = sortedNodes(append(e.ReplicatingNodes, nodes...))
	return len(e.ReplicatingNodes) != before
}

// SameProjection compares every replicated field of two entries.
func SameProjection(a, b *Entry) bool {
	if a == nil || b == nil {
		return a == b
	}
	x, y := a.Clone(), b.Clone()
	x.Normalize()
	y.Normalize()
	return x.ObjectID == y.ObjectID &&
		x.FirstNode == y.FirstNode &&
		x.VersionNumber == y.VersionNumber &&
		x.FixityAlgorithm == y.FixityAlgorithm &&
		x.FixityValue == y.FixityValue &&
		x.LastFixityDate.Equal(y.LastFixityDate) &&
		x.CreationDate.Equal(y.CreationDate) &&
		x.LastModifiedDate.Equal(y.LastModifiedDate) &&
		x.BagSize == y.BagSize &&
		x.ObjectType == y.ObjectType &&
		equalNodes(x.ReplicatingNodes, y.ReplicatingNodes) &&
		x.PreviousVersion == y.PreviousVersion &&
		x.ForwardVersion == y.ForwardVersion &&
		x.FirstVersion == y.FirstVersion &&
		equalObjects(x.BrighteningObjects, y.BrighteningObjects) &&
		equalObjects(x.RightsObjects, y.RightsObjects)
}

// ToItem projects e onto the wire.
func ToItem(e *Entry) message.RegistryItem {
	return message.RegistryItem{
		DPNObjectID:        string(e.ObjectID),
		FirstNodeName:      string(e.FirstNode),
		VersionNumber:      e.VersionNumber,
		FixityAlgorithm:    e.FixityAlgorithm,
		FixityValue:        e.FixityValue,
		LastFixityDate:     message.FormatTime(e.LastFixityDate),
		CreationDate:       message.FormatTime(e.CreationDate),
		LastModifiedDate:   message.FormatTime(e.LastModifiedDate),
		BagSize:            e.BagSize,
		ObjectType:         string(e.ObjectType),
		ReplicatingNodes:   nodeStrings(e.ReplicatingNodes),
		PreviousVersion:    string(e.PreviousVersion),
		ForwardVersion:     string(e.ForwardVersion),
		FirstVersion:       string(e.FirstVersion),
		BrighteningObjects: objectStrings(e.BrighteningObjects),
		RightsObjects:      objectStrings(e.RightsObjects),
	}
}

// FromItem parses a validated wire item.
func FromItem(item message.RegistryItem) (*Entry, error) {
	var dates [3]time.Time
	for i, s := range []string{item.LastFixityDate, item.CreationDate, item.LastModifiedDate} {
		t, err := message.ParseTime(s)
		if err != nil {
			return nil, fmt.Errorf("invalid date %q: %w", s, err)
		}
		dates[i] = t
	}
	objectType, err := types.ParseObjectType(item.ObjectType)
	if err != nil {
		return nil, err
	}

	e := &Entry{
		ObjectID:         types.ObjectID(item.DPNObjectID),
		FirstNode:        types.NodeID(item.FirstNodeName),
		VersionNumber:    item.VersionNumber,
		FixityAlgorithm:  item.FixityAlgorithm,
		FixityValue:      item.FixityValue,
		LastFixityDate:   dates[0],
		CreationDate:     dates[1],
		LastModifiedDate: dates[2],
		BagSize:          item.BagSize,
		ObjectType:       objectType,
		PreviousVersion:  types.ObjectID(item.PreviousVersion),
		ForwardVersion:   types.ObjectID(item.ForwardVersion),
		FirstVersion:     types.ObjectID(item.FirstVersion),
	}
	for _, n := range item.ReplicatingNodes {
		e.ReplicatingNodes = append(e.ReplicatingNodes, types.NodeID(n))
	}
	for _, o := range item.BrighteningObjects {
		e.BrighteningObjects = append(e.BrighteningObjects, types.ObjectID(o))
	}
	for _, o := range item.RightsObjects {
		e.RightsObjects = append(e.RightsObjects, types.ObjectID(o))
	}
	e.Normalize()
	return e, nil
}

func sortedNodes(in []types.NodeID) []types.NodeID {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[types.NodeID]bool, len(in))
	out := make([]types.NodeID, 0, len(in))
	for _, n := range in {
		if n != "" && !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedObjects(in []types.ObjectID) []types.ObjectID {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[types.ObjectID]bool, len(in))
	out := make([]types.ObjectID, 0, len(in))
	for _, o := range in {
		if o != "" && !seen[o] {
			seen[o] = true
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func equalNodes(a, b []types.NodeID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalObjects(a, b []types.ObjectID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func nodeStrings(in []types.NodeID) []string {
	out := make([]string, len(in))
	for i, n := range in {
		out[i] = string(n)
	}
	return out
}

func objectStrings(in []types.ObjectID) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	for i, o := range in {
		out[i] = string(o)
	}
	return out
}
