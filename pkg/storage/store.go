// Package storage defines the persistent store interface entries are
// written to and read from, and two implementations: a BoltDB-backed
// store for production use and an in-memory store for tests.
package storage

import (
	"github.com/arcuru/eidetica/pkg/entry"
)

// putOptions carries flags PutOption functions set.
type putOptions struct {
	deferValidation bool
}

// PutOption configures a single Put call.
type PutOption func(*putOptions)

// DeferValidation skips the parent-existence (I2) check at Put time,
// used during bulk sync ingest, which checks parents and verifies each
// entry itself before calling Put.
func DeferValidation() PutOption {
	return func(o *putOptions) { o.deferValidation = true }
}

// resolvePutOptions applies opts and returns the resulting putOptions.
// BoltStore and MemStore call it at the top of Put.
func resolvePutOptions(opts []PutOption) putOptions {
	var o putOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Store is the persistent storage interface backing a Database instance.
// Implementations own raw bytes; callers hold entry.ID identifiers and
// fetch entries on demand rather than keeping a live in-memory graph.
type Store interface {
	// Put persists e, recording it as a tip of every store it touches
	// (replacing any of its own direct parents from each store's tip set)
	// and as a child of its DAG parents. Put is idempotent: putting an
	// already-stored entry with the same ID is a no-op success.
	Put(e entry.Entry, opts ...PutOption) error

	// Get fetches a single entry by ID. Returns an eerr.KindEntryNotFound
	// error if absent.
	Get(id entry.ID) (entry.Entry, error)

	// ListDatabaseEntries returns every entry ID reachable from root,
	// including root itself.
	ListDatabaseEntries(root entry.ID) ([]entry.ID, error)

	// ListDatabases returns the root ID of every database with at least
	// one ingested entry.
	ListDatabases() ([]entry.ID, error)

	// Tips returns the current DAG-level tips (entries with no known
	// children) of the database rooted at root.
	Tips(root entry.ID) ([]entry.ID, error)

	// StoreTips returns the current tips of a single named store within
	// the database rooted at root.
	StoreTips(root entry.ID, store string) ([]entry.ID, error)

	// Close releases any resources held by the store.
	Close() error
}
