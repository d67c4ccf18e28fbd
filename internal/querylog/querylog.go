// Package querylog implements the durable query log: entries are anonymised
// when privacy mode is on, buffered, flushed to persistent storage in
// batches, fanned out to live subscribers, and folded into the running
// statistics.
package querylog

import (
	"context"
)

// Interface is the query log interface.  All methods must be safe for
// concurrent use.
type Interface interface {
	// Write writes the entry into the query log.  e must not be nil.
	Write(ctx context.Context, e *Entry) (err error)
}

// Empty is a query log that does nothing and returns nil values.
type Empty struct{}

// type check
var _ Interface = Empty{}

// Write implements the [Interface] interface for Empty.  It does nothing and
// returns nil.
func (Empty) Write(_ context.Context, _ *Entry) (err error) {
	return nil
}

// Storage is the interface for persisting query log batches.
type Storage interface {
	// SaveQueries persists the batch.  The entries have already been
	// anonymised; implementations must not be handed raw client addresses.
	SaveQueries(ctx context.Context, batch []*Entry) (err error)
}
