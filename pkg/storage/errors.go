// Package storage holds the errors shared by the persistence backends in its
// subpackages.
package storage

import "errors"

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrExists is returned when creating a row whose key is already taken.
	ErrExists = errors.New("already exists")
	// ErrStale is returned when an update was based on an outdated version.
	ErrStale = errors.New("stale version")
	// ErrClaimed is returned when a one-time claim was already taken.
	ErrClaimed = errors.New("already claimed")
)
