package sync

import (
	"encoding/json"
	"sort"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/arcuru/eidetica/pkg/eerr"
	"github.com/arcuru/eidetica/pkg/entry"
	"github.com/arcuru/eidetica/pkg/storage"
)

// PeerStatus is a peer's lifecycle state.
type PeerStatus string

const (
	PeerActive   PeerStatus = "active"
	PeerInactive PeerStatus = "inactive"
	PeerBanned   PeerStatus = "banned"
)

// PeerCounters tracks per-peer exchange statistics.
type PeerCounters struct {
	SyncsOK         int64 `json:"syncs_ok"`
	SyncsFailed     int64 `json:"syncs_failed"`
	EntriesSent     int64 `json:"entries_sent"`
	EntriesReceived int64 `json:"entries_received"`
}

// Peer is one known remote node, keyed by its pubkey.
type Peer struct {
	Pubkey      string       `json:"pubkey"`
	Addresses   []string     `json:"addresses"`
	Status      PeerStatus   `json:"status"`
	DisplayName string       `json:"display_name,omitempty"`
	LastSeenMS  int64        `json:"last_seen_ms"`
	Counters    PeerCounters `json:"counters"`
}

// Relationship configures ongoing sync between a peer and one database.
type Relationship struct {
	PeerPubkey   string   `json:"peer_pubkey"`
	DatabaseRoot entry.ID `json:"database_root"`
	SyncOnCommit bool     `json:"sync_on_commit"`
	IntervalSecs int      `json:"interval_secs,omitempty"`
}

// Cursor records sync progress per (peer, database).
type Cursor struct {
	PeerPubkey       string   `json:"peer_pubkey"`
	DatabaseRoot     entry.ID `json:"database_root"`
	LastSyncedEntry  entry.ID `json:"last_synced_entry,omitempty"`
	TotalSyncedCount int64    `json:"total_synced_count"`
	LastAttemptMS    int64    `json:"last_attempt_ms"`
	LastSuccessMS    int64    `json:"last_success_ms"`
}

// BootstrapStatus is the lifecycle of a pending bootstrap request.
type BootstrapStatus string

const (
	BootstrapPending  BootstrapStatus = "pending"
	BootstrapApproved BootstrapStatus = "approved"
	BootstrapRejected BootstrapStatus = "rejected"
)

// BootstrapRequest is a server-side record of a peer asking to be
// granted a key on a database it holds no state for.
type BootstrapRequest struct {
	RequestID           string          `json:"request_id"`
	DatabaseRoot        entry.ID        `json:"database_root"`
	RequestingPubkey    string          `json:"requesting_pubkey"`
	RequestingKeyName   string          `json:"requesting_key_name"`
	RequestedPermission string          `json:"requested_permission"`
	PeerAddress         string          `json:"peer_address"`
	TimestampMS         int64           `json:"timestamp_ms"`
	Status              BootstrapStatus `json:"status"`
	DecidedBy           string          `json:"decided_by,omitempty"`
	DecidedAtMS         int64           `json:"decided_at_ms,omitempty"`
}

// StateStore persists the engine's node-local state: peers,
// relationships, cursors, and bootstrap requests. This state is never
// synced to other nodes.
type StateStore interface {
	PutPeer(p Peer) error
	GetPeer(pubkey string) (Peer, error)
	ListPeers() ([]Peer, error)
	DeletePeer(pubkey string) error

	PutRelationship(r Relationship) error
	ListRelationships() ([]Relationship, error)

	PutCursor(c Cursor) error
	GetCursor(peerPubkey string, root entry.ID) (Cursor, bool, error)

	PutBootstrapRequest(r BootstrapRequest) error
	GetBootstrapRequest(requestID string) (BootstrapRequest, error)
	ListBootstrapRequests(status BootstrapStatus) ([]BootstrapRequest, error)
}

func relKey(peer string, root entry.ID) string { return peer + "\x00" + string(root) }

// BoltState persists engine state into the reserved sync_* buckets of
// the node's BoltDB file.
type BoltState struct {
	db *bolt.DB
}

// NewBoltState wraps the sync buckets of an opened BoltStore.
func NewBoltState(store *storage.BoltStore) *BoltState {
	return &BoltState{db: store.DB()}
}

func (s *BoltState) putJSON(bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return eerr.Wrap(eerr.KindSerializationFailed, "marshal sync state", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucket).Put([]byte(key), data); err != nil {
			return eerr.Wrap(eerr.KindStorageIO, "put sync state", err)
		}
		return nil
	})
}

func (s *BoltState) getJSON(bucket []byte, key string, v any) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, v)
	})
	if err != nil {
		return false, eerr.Wrap(eerr.KindStorageIO, "get sync state", err)
	}
	return found, nil
}

func (s *BoltState) PutPeer(p Peer) error {
	return s.putJSON(storage.SyncBucketPeers, p.Pubkey, p)
}

func (s *BoltState) GetPeer(pubkey string) (Peer, error) {
	var p Peer
	found, err := s.getJSON(storage.SyncBucketPeers, pubkey, &p)
	if err != nil {
		return Peer{}, err
	}
	if !found {
		return Peer{}, eerr.New(eerr.KindPeerNotFound, "peer not found: "+pubkey)
	}
	return p, nil
}

func (s *BoltState) ListPeers() ([]Peer, error) {
	var peers []Peer
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(storage.SyncBucketPeers).ForEach(func(_, v []byte) error {
			var p Peer
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			peers = append(peers, p)
			return nil
		})
	})
	if err != nil {
		return nil, eerr.Wrap(eerr.KindStorageIO, "list peers", err)
	}
	return peers, nil
}

func (s *BoltState) DeletePeer(pubkey string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(storage.SyncBucketPeers).Delete([]byte(pubkey))
	})
}

func (s *BoltState) PutRelationship(r Relationship) error {
	return s.putJSON(storage.SyncBucketRelationships, relKey(r.PeerPubkey, r.DatabaseRoot), r)
}

func (s *BoltState) ListRelationships() ([]Relationship, error) {
	var rels []Relationship
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(storage.SyncBucketRelationships).ForEach(func(_, v []byte) error {
			var r Relationship
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			rels = append(rels, r)
			return nil
		})
	})
	if err != nil {
		return nil, eerr.Wrap(eerr.KindStorageIO, "list relationships", err)
	}
	return rels, nil
}

func (s *BoltState) PutCursor(c Cursor) error {
	return s.putJSON(storage.SyncBucketCursors, relKey(c.PeerPubkey, c.DatabaseRoot), c)
}

func (s *BoltState) GetCursor(peerPubkey string, root entry.ID) (Cursor, bool, error) {
	var c Cursor
	found, err := s.getJSON(storage.SyncBucketCursors, relKey(peerPubkey, root), &c)
	return c, found, err
}

func (s *BoltState) PutBootstrapRequest(r BootstrapRequest) error {
	return s.putJSON(storage.SyncBucketBootstrap, r.RequestID, r)
}

func (s *BoltState) GetBootstrapRequest(requestID string) (BootstrapRequest, error) {
	var r BootstrapRequest
	found, err := s.getJSON(storage.SyncBucketBootstrap, requestID, &r)
	if err != nil {
		return BootstrapRequest{}, err
	}
	if !found {
		return BootstrapRequest{}, eerr.New(eerr.KindEntryNotFound, "bootstrap request not found: "+requestID)
	}
	return r, nil
}

func (s *BoltState) ListBootstrapRequests(status BootstrapStatus) ([]BootstrapRequest, error) {
	var reqs []BootstrapRequest
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(storage.SyncBucketBootstrap).ForEach(func(_, v []byte) error {
			var r BootstrapRequest
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if status == "" || r.Status == status {
				reqs = append(reqs, r)
			}
			return nil
		})
	})
	if err != nil {
		return nil, eerr.Wrap(eerr.KindStorageIO, "list bootstrap requests", err)
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].TimestampMS < reqs[j].TimestampMS })
	return reqs, nil
}

// MemState is the in-memory StateStore used with MemStore-backed nodes
// and in tests.
type MemState struct {
	mu        sync.RWMutex
	peers     map[string]Peer
	rels      map[string]Relationship
	cursors   map[string]Cursor
	bootstrap map[string]BootstrapRequest
}

// NewMemState creates an empty in-memory state store.
func NewMemState() *MemState {
	return &MemState{
		peers:     make(map[string]Peer),
		rels:      make(map[string]Relationship),
		cursors:   make(map[string]Cursor),
		bootstrap: make(map[string]BootstrapRequest),
	}
}

func (s *MemState) PutPeer(p Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[p.Pubkey] = p
	return nil
}

func (s *MemState) GetPeer(pubkey string) (Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[pubkey]
	if !ok {
		return Peer{}, eerr.New(eerr.KindPeerNotFound, "peer not found: "+pubkey)
	}
	return p, nil
}

func (s *MemState) ListPeers() ([]Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	peers := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	return peers, nil
}

func (s *MemState) DeletePeer(pubkey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, pubkey)
	return nil
}

func (s *MemState) PutRelationship(r Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rels[relKey(r.PeerPubkey, r.DatabaseRoot)] = r
	return nil
}

func (s *MemState) ListRelationships() ([]Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rels := make([]Relationship, 0, len(s.rels))
	for _, r := range s.rels {
		rels = append(rels, r)
	}
	return rels, nil
}

func (s *MemState) PutCursor(c Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[relKey(c.PeerPubkey, c.DatabaseRoot)] = c
	return nil
}

func (s *MemState) GetCursor(peerPubkey string, root entry.ID) (Cursor, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cursors[relKey(peerPubkey, root)]
	return c, ok, nil
}

func (s *MemState) PutBootstrapRequest(r BootstrapRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bootstrap[r.RequestID] = r
	return nil
}

func (s *MemState) GetBootstrapRequest(requestID string) (BootstrapRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.bootstrap[requestID]
	if !ok {
		return BootstrapRequest{}, eerr.New(eerr.KindEntryNotFound, "bootstrap request not found: "+requestID)
	}
	return r, nil
}

func (s *MemState) ListBootstrapRequests(status BootstrapStatus) ([]BootstrapRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var reqs []BootstrapRequest
	for _, r := range s.bootstrap {
		if status == "" || r.Status == status {
			reqs = append(reqs, r)
		}
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].TimestampMS < reqs[j].TimestampMS })
	return reqs, nil
}
