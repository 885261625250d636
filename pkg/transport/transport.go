// Package transport moves bags between nodes and keeps the local repository
// of preserved bags.
package transport

import (
	"context"
	"errors"

	"dpn/pkg/types"
)

// ErrNoBag is returned when the repository does not hold the object.
var ErrNoBag = errors.New("bag not in repository")

// BagTransport fetches bags offered by peers.
type BagTransport interface {
	// Download copies the bag at location into staging and returns the
	// staged path. It stops at the next I/O checkpoint once ctx is done
	// and leaves no partial file behind.
	Download(ctx context.Context, peer types.NodeID, location string, protocol types.Protocol) (string, error)
	// StagedPath is where Download places the bag at location.
	StagedPath(peer types.NodeID, location string) string
	// Digest hashes the file at path with algorithm.
	Digest(ctx context.Context, path, algorithm string) (string, error)
}

// Repository is the set of bags this node preserves.
type Repository interface {
	Has(id types.ObjectID) bool
	// Path returns the local file holding id.
	Path(id types.ObjectID) (string, error)
	// Location is what peers are told to fetch id from.
	Location(id types.ObjectID, protocol types.Protocol) (string, error)
	// Ingest copies a bag from outside the node into the repository.
	Ingest(ctx context.Context, id types.ObjectID, source string) (string, error)
	// Promote moves a staged bag into the repository as id.
	Promote(ctx context.Context, id types.ObjectID, staged string) error
	// Discard removes a staged bag. Missing files are not an error.
	Discard(staged string) error
}
