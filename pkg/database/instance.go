// Package database ties the engine together: an Instance owns the
// persistent store, the auth validator, the local keyring, the commit
// callbacks, and (optionally) the sync engine; a Database is a handle
// on one DAG within the instance.
package database

import (
	"crypto/ed25519"
	stdsync "sync"

	"github.com/arcuru/eidetica/pkg/auth"
	"github.com/arcuru/eidetica/pkg/eerr"
	"github.com/arcuru/eidetica/pkg/entry"
	"github.com/arcuru/eidetica/pkg/events"
	"github.com/arcuru/eidetica/pkg/log"
	"github.com/arcuru/eidetica/pkg/security"
	"github.com/arcuru/eidetica/pkg/storage"
	esync "github.com/arcuru/eidetica/pkg/sync"
	"github.com/arcuru/eidetica/pkg/transaction"
)

// CommitCallback is invoked once per entry persisted through this
// instance. Errors and panics inside callbacks are isolated.
type CommitCallback func(e entry.Entry, db *Database, inst *Instance)

// Instance is the top-level handle a process holds on its eidetica
// node.
type Instance struct {
	store     storage.Store
	validator *auth.Validator
	signer    security.Signer
	broker    *events.Broker

	mu        stdsync.RWMutex
	keys      map[string]ed25519.PrivateKey
	callbacks []CommitCallback
	databases map[entry.ID]*Database

	syncEngine *esync.Engine
}

// New creates an Instance over an opened store.
func New(store storage.Store) *Instance {
	broker := events.NewBroker()
	broker.Start()
	return &Instance{
		store:     store,
		validator: auth.NewValidator(store),
		broker:    broker,
		keys:      make(map[string]ed25519.PrivateKey),
		databases: make(map[entry.ID]*Database),
	}
}

// Store exposes the underlying persistent store.
func (i *Instance) Store() storage.Store { return i.store }

// Validator exposes the shared auth validator.
func (i *Instance) Validator() *auth.Validator { return i.validator }

// Broker exposes the event broker for observers.
func (i *Instance) Broker() *events.Broker { return i.broker }

// AddSigningKey registers a named private key in the local keyring.
func (i *Instance) AddSigningKey(name string, sk ed25519.PrivateKey) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.keys[name] = sk
}

// GenerateSigningKey creates, registers, and returns a new keypair.
func (i *Instance) GenerateSigningKey(name string) (ed25519.PublicKey, error) {
	sk, pk, err := security.Generate()
	if err != nil {
		return nil, err
	}
	i.AddSigningKey(name, sk)
	return pk, nil
}

// SigningKey implements sync.Keyring.
func (i *Instance) SigningKey(name string) (ed25519.PrivateKey, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	sk, ok := i.keys[name]
	return sk, ok
}

// OnCommit registers a callback fired for every entry persisted through
// this instance.
func (i *Instance) OnCommit(cb CommitCallback) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.callbacks = append(i.callbacks, cb)
}

// AttachSync wires a sync engine so commits are queued for delivery.
func (i *Instance) AttachSync(engine *esync.Engine) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.syncEngine = engine
}

// Sync returns the attached sync engine, if any.
func (i *Instance) Sync() *esync.Engine {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.syncEngine
}

// NewDatabase commits a genesis entry carrying _settings{name} and
// returns a handle on the new database. Pass signingKeyName="" for an
// unsigned database.
func (i *Instance) NewDatabase(name, signingKeyName string) (*Database, error) {
	opts := []transaction.Option{}
	if signingKeyName != "" {
		sk, ok := i.SigningKey(signingKeyName)
		if !ok {
			return nil, eerr.New(eerr.KindKeyNotFound, "no local signing key named "+signingKeyName)
		}
		opts = append(opts, transaction.WithSigningKey(signingKeyName, sk))
	}

	tx, err := transaction.Begin(i.store, i.validator, "", opts...)
	if err != nil {
		return nil, err
	}
	if err := tx.Settings().SetName(name); err != nil {
		return nil, err
	}

	id, err := tx.Commit()
	if err != nil {
		return nil, err
	}

	// The genesis entry's identifier is the database root (I1).
	db := i.register(id)
	dbLogger := log.WithDatabase(string(id))
	dbLogger.Info().Str("name", name).Msg("database created")
	i.dispatchCommit(id, db)
	return db, nil
}

// OpenDatabase returns a handle on an existing database.
func (i *Instance) OpenDatabase(root entry.ID) (*Database, error) {
	if _, err := i.store.Get(root); err != nil {
		return nil, err
	}
	return i.register(root), nil
}

func (i *Instance) register(root entry.ID) *Database {
	i.mu.Lock()
	defer i.mu.Unlock()
	if db, ok := i.databases[root]; ok {
		return db
	}
	db := &Database{inst: i, root: root}
	i.databases[root] = db
	return db
}

// dispatchCommit runs instance-level callbacks and the sync hook for a
// persisted entry.
func (i *Instance) dispatchCommit(id entry.ID, db *Database) {
	e, err := i.store.Get(id)
	if err != nil {
		return
	}

	i.mu.RLock()
	cbs := append([]CommitCallback(nil), i.callbacks...)
	engine := i.syncEngine
	i.mu.RUnlock()

	logger := log.WithComponent("database")
	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error().Interface("panic", r).Str("entry", string(id)).Msg("commit callback panicked")
				}
			}()
			cb(e, db, i)
		}()
	}

	i.broker.Publish(&events.Event{
		Type:     events.EntryCommitted,
		Database: string(db.root),
		Message:  string(id),
	})

	if engine != nil {
		if err := engine.Queue(db.root, id, ""); err != nil {
			logger.Warn().Err(err).Msg("sync queue failed")
		}
	}
}

// DatabaseRoots implements metrics.DatabaseSource.
func (i *Instance) DatabaseRoots() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	roots := make([]string, 0, len(i.databases))
	for root := range i.databases {
		roots = append(roots, string(root))
	}
	return roots
}

// EntryCount implements metrics.DatabaseSource.
func (i *Instance) EntryCount(root string) (int, error) {
	ids, err := i.store.ListDatabaseEntries(entry.ID(root))
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// TipCount implements metrics.DatabaseSource.
func (i *Instance) TipCount(root string) (int, error) {
	tips, err := i.store.Tips(entry.ID(root))
	if err != nil {
		return 0, err
	}
	return len(tips), nil
}

// Close stops the broker and the store. An attached sync engine should
// be shut down by its owner first.
func (i *Instance) Close() error {
	i.broker.Stop()
	return i.store.Close()
}
