/*
Package storage provides the persistent Store interface entries are
written to and read from, and two implementations.

BoltStore is the production implementation, backed by a single BoltDB
(go.etcd.io/bbolt) file at <dataDir>/eidetica.db. Buckets:

  - entries: entry.ID -> json(entry.Entry)
  - children: entry.ID -> json([]entry.ID), the reverse-parent index used
    to maintain tip sets incrementally as entries are put
  - db_entries: database root -> json([]entry.ID), every entry reachable
    from that root
  - db_tips: database root -> json([]entry.ID), current DAG-level tips
  - store_tips: "<root>\x00<store>" -> json([]entry.ID), current tips of
    one named store

BoltStore additionally reserves four buckets (sync_peers,
sync_relationships, sync_cursors, sync_bootstrap) for pkg/sync's
node-local, never-synced state, accessed through DB(). This keeps a
node's sync state and its database content in one file without exposing
sync internals through the Store interface itself.

MemStore is an in-memory, RWMutex-guarded implementation with the same
incremental-tip-maintenance behavior, used by unit tests and the
--backend inmemory CLI flag.

All Put calls are idempotent: putting an entry whose ID already exists is
a successful no-op, which is what makes replaying an already-ingested sync
batch safe (see spec property P8 in pkg/sync).
*/
package storage
