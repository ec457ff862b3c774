package database

import (
	"github.com/arcuru/eidetica/pkg/eerr"
	"github.com/arcuru/eidetica/pkg/entry"
	"github.com/arcuru/eidetica/pkg/transaction"
)

// Database is a handle on one DAG within an Instance.
type Database struct {
	inst *Instance
	root entry.ID
}

// Root returns the database's root entry identifier.
func (d *Database) Root() entry.ID { return d.root }

// Begin opens a transaction signed by the named local key (empty for an
// unsigned commit). Instance-level commit callbacks and the sync hook
// fire after the commit persists.
func (d *Database) Begin(signingKeyName string) (*transaction.Tx, error) {
	opts := []transaction.Option{
		transaction.WithCallbacks(func(id entry.ID, _ entry.Entry) {
			d.inst.dispatchCommit(id, d)
		}),
	}
	if signingKeyName != "" {
		sk, ok := d.inst.SigningKey(signingKeyName)
		if !ok {
			return nil, eerr.New(eerr.KindKeyNotFound, "no local signing key named "+signingKeyName)
		}
		opts = append(opts, transaction.WithSigningKey(signingKeyName, sk))
	}
	return transaction.Begin(d.inst.store, d.inst.validator, d.root, opts...)
}

// BeginWithPath opens a transaction signed through a delegation path.
func (d *Database) BeginWithPath(path entry.KeyPath) (*transaction.Tx, error) {
	if len(path) == 0 {
		return nil, eerr.New(eerr.KindKeyNotFound, "empty key path")
	}
	terminal := path[len(path)-1].Key
	sk, ok := d.inst.SigningKey(terminal)
	if !ok {
		return nil, eerr.New(eerr.KindKeyNotFound, "no local signing key named "+terminal)
	}
	return transaction.Begin(d.inst.store, d.inst.validator, d.root,
		transaction.WithKeyPath(path, sk),
		transaction.WithCallbacks(func(id entry.ID, _ entry.Entry) {
			d.inst.dispatchCommit(id, d)
		}))
}

// Viewer opens a read-only view of the database at its current tips.
func (d *Database) Viewer() *transaction.Viewer {
	return transaction.NewViewer(d.inst.store, d.root)
}

// Name reads the configured database name.
func (d *Database) Name() (string, error) {
	return d.Viewer().Settings().Name()
}

// Tips returns the database's current main-DAG tips.
func (d *Database) Tips() ([]entry.ID, error) {
	return d.inst.store.Tips(d.root)
}

// StoreTips returns the current tips of one named store.
func (d *Database) StoreTips(store string) ([]entry.ID, error) {
	return d.inst.store.StoreTips(d.root, store)
}
