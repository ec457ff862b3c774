package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/arcuru/eidetica/pkg/eerr"
	"github.com/arcuru/eidetica/pkg/entry"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketEntries   = []byte("entries")
	bucketChildren  = []byte("children")
	bucketDBEntries = []byte("db_entries")
	bucketDBTips    = []byte("db_tips")
	bucketStoreTips = []byte("store_tips")

	// SyncBucket* are reserved for pkg/sync's node-local, never-synced
	// state, persisted in the same *bolt.DB via DB().
	SyncBucketPeers         = []byte("sync_peers")
	SyncBucketRelationships = []byte("sync_relationships")
	SyncBucketCursors       = []byte("sync_cursors")
	SyncBucketBootstrap     = []byte("sync_bootstrap")
)

// BoltStore implements Store using a single BoltDB file, one bucket per
// collection.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a BoltDB-backed store rooted at
// dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "eidetica.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketEntries,
			bucketChildren,
			bucketDBEntries,
			bucketDBTips,
			bucketStoreTips,
			SyncBucketPeers,
			SyncBucketRelationships,
			SyncBucketCursors,
			SyncBucketBootstrap,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// DB exposes the underlying *bolt.DB so pkg/sync can persist its
// node-local state (peers, relationships, cursors, bootstrap requests)
// into the reserved sync_* buckets of the same file.
func (s *BoltStore) DB() *bolt.DB {
	return s.db
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func storeTipsKey(root entry.ID, store string) []byte {
	return []byte(string(root) + "\x00" + store)
}

// Put persists e and incrementally maintains the children index, the
// database-level tip set, and each touched store's tip set. Unless
// DeferValidation is set, every parent referenced by e (main DAG and
// per-store) must already be stored (I2).
func (s *BoltStore) Put(e entry.Entry, opts ...PutOption) error {
	o := resolvePutOptions(opts)

	id, err := entry.Identifier(e)
	if err != nil {
		return fmt.Errorf("storage: compute identifier: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		entries := tx.Bucket(bucketEntries)

		if entries.Get([]byte(id)) != nil {
			// Idempotent: already stored.
			return nil
		}

		if !o.deferValidation {
			for _, p := range e.Parents {
				if entries.Get([]byte(p)) == nil {
					return eerr.New(eerr.KindParentMissing, fmt.Sprintf("parent not stored: %s", p))
				}
			}
			for _, sn := range e.Stores {
				for _, p := range sn.Parents {
					if entries.Get([]byte(p)) == nil {
						return eerr.New(eerr.KindParentMissing, fmt.Sprintf("store %s parent not stored: %s", sn.Name, p))
					}
				}
			}
		}

		data, err := json.Marshal(e)
		if err != nil {
			return eerr.Wrap(eerr.KindSerializationFailed, "marshal entry", err)
		}
		if err := entries.Put([]byte(id), data); err != nil {
			return eerr.Wrap(eerr.KindStorageIO, "put entry", err)
		}

		if err := s.recordChild(tx, id, e.Parents); err != nil {
			return err
		}
		if err := s.updateDBTips(tx, e.Root, id, e.Parents); err != nil {
			return err
		}
		if err := s.updateDBEntries(tx, e.Root, id); err != nil {
			return err
		}
		for _, sn := range e.Stores {
			if err := s.updateStoreTips(tx, e.Root, sn.Name, id, sn.Parents); err != nil {
				return err
			}
		}

		return nil
	})
}

func (s *BoltStore) recordChild(tx *bolt.Tx, id entry.ID, parents []entry.ID) error {
	b := tx.Bucket(bucketChildren)
	for _, p := range parents {
		var kids []entry.ID
		if raw := b.Get([]byte(p)); raw != nil {
			if err := json.Unmarshal(raw, &kids); err != nil {
				return eerr.Wrap(eerr.KindSerializationFailed, "unmarshal children", err)
			}
		}
		kids = append(kids, id)
		data, err := json.Marshal(kids)
		if err != nil {
			return eerr.Wrap(eerr.KindSerializationFailed, "marshal children", err)
		}
		if err := b.Put([]byte(p), data); err != nil {
			return eerr.Wrap(eerr.KindStorageIO, "put children", err)
		}
	}
	return nil
}

func (s *BoltStore) updateDBTips(tx *bolt.Tx, root entry.ID, id entry.ID, parents []entry.ID) error {
	b := tx.Bucket(bucketDBTips)

	var tips []entry.ID
	if raw := b.Get([]byte(root)); raw != nil {
		if err := json.Unmarshal(raw, &tips); err != nil {
			return eerr.Wrap(eerr.KindSerializationFailed, "unmarshal db tips", err)
		}
	}

	tips = removeAll(tips, parents)
	tips = appendUnique(tips, id)

	data, err := json.Marshal(tips)
	if err != nil {
		return eerr.Wrap(eerr.KindSerializationFailed, "marshal db tips", err)
	}
	if err := b.Put([]byte(root), data); err != nil {
		return eerr.Wrap(eerr.KindStorageIO, "put db tips", err)
	}
	return nil
}

func (s *BoltStore) updateDBEntries(tx *bolt.Tx, root entry.ID, id entry.ID) error {
	b := tx.Bucket(bucketDBEntries)

	var ids []entry.ID
	if raw := b.Get([]byte(root)); raw != nil {
		if err := json.Unmarshal(raw, &ids); err != nil {
			return eerr.Wrap(eerr.KindSerializationFailed, "unmarshal db entries", err)
		}
	}
	ids = appendUnique(ids, id)

	data, err := json.Marshal(ids)
	if err != nil {
		return eerr.Wrap(eerr.KindSerializationFailed, "marshal db entries", err)
	}
	return b.Put([]byte(root), data)
}

func (s *BoltStore) updateStoreTips(tx *bolt.Tx, root entry.ID, store string, id entry.ID, parents []entry.ID) error {
	b := tx.Bucket(bucketStoreTips)
	key := storeTipsKey(root, store)

	var tips []entry.ID
	if raw := b.Get(key); raw != nil {
		if err := json.Unmarshal(raw, &tips); err != nil {
			return eerr.Wrap(eerr.KindSerializationFailed, "unmarshal store tips", err)
		}
	}

	tips = removeAll(tips, parents)
	tips = appendUnique(tips, id)

	data, err := json.Marshal(tips)
	if err != nil {
		return eerr.Wrap(eerr.KindSerializationFailed, "marshal store tips", err)
	}
	return b.Put(key, data)
}

// Get fetches a single entry by ID.
func (s *BoltStore) Get(id entry.ID) (entry.Entry, error) {
	var e entry.Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		data := b.Get([]byte(id))
		if data == nil {
			return eerr.New(eerr.KindEntryNotFound, fmt.Sprintf("entry not found: %s", id))
		}
		return json.Unmarshal(data, &e)
	})
	return e, err
}

// ListDatabaseEntries returns every entry ID reachable from root.
func (s *BoltStore) ListDatabaseEntries(root entry.ID) ([]entry.ID, error) {
	var ids []entry.ID
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDBEntries)
		raw := b.Get([]byte(root))
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &ids)
	})
	return ids, err
}

// ListDatabases returns the root ID of every known database.
func (s *BoltStore) ListDatabases() ([]entry.ID, error) {
	var roots []entry.ID
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDBEntries).ForEach(func(k, _ []byte) error {
			roots = append(roots, entry.ID(k))
			return nil
		})
	})
	return roots, err
}

// Tips returns the current DAG-level tips of the database rooted at root.
func (s *BoltStore) Tips(root entry.ID) ([]entry.ID, error) {
	var tips []entry.ID
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDBTips)
		raw := b.Get([]byte(root))
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &tips)
	})
	return tips, err
}

// StoreTips returns the current tips of a single named store.
func (s *BoltStore) StoreTips(root entry.ID, store string) ([]entry.ID, error) {
	var tips []entry.ID
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStoreTips)
		raw := b.Get(storeTipsKey(root, store))
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &tips)
	})
	return tips, err
}

func removeAll(ids []entry.ID, remove []entry.ID) []entry.ID {
	if len(remove) == 0 {
		return ids
	}
	skip := make(map[entry.ID]struct{}, len(remove))
	for _, r := range remove {
		skip[r] = struct{}{}
	}
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := skip[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func appendUnique(ids []entry.ID, id entry.ID) []entry.ID {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
