// Package stores implements the typed adapters (Settings, Document, Index,
// Table, and the optional Envelope shell) that sit on top of a store's
// materialized pkg/crdt.Node, staging deltas back into a transaction.
package stores

import (
	"encoding/json"
	"fmt"

	"github.com/arcuru/eidetica/pkg/crdt"
	"github.com/arcuru/eidetica/pkg/eerr"
)

// TypeID names the adapter that interprets a store, recorded in the
// reserved _index store so generic tooling can discover it.
type TypeID string

const (
	TypeSettings TypeID = "settings:v0"
	TypeDocument TypeID = "docstore:v0"
	TypeIndex    TypeID = "index:v0"
	TypeTable    TypeID = "table:v0"
	TypeYDoc     TypeID = "ydoc:v0"
	TypeEnvelope TypeID = "envelope:v0"
)

// IndexEntry is one record of the _index registry: store name -> adapter
// type, its config, and optional per-store overrides.
type IndexEntry struct {
	Type     TypeID         `json:"type"`
	Config   string         `json:"config"`
	Settings *IndexSettings `json:"settings,omitempty"`
}

// IndexSettings carries per-store overrides of database-level settings.
type IndexSettings struct {
	HeightStrategy string `json:"height_strategy,omitempty"`
}

// Stager is the subset of a transaction's behavior store adapters need:
// reading a store's current materialized state and staging a replacement.
// pkg/transaction.Tx implements this interface.
type Stager interface {
	// Get returns the store's current materialized CRDT state. A store
	// that has never been written returns an empty Map node.
	Get(store string) (crdt.Node, error)

	// Stage records node as the new state of store, to be serialized into
	// this transaction's delta at commit time.
	Stage(store string, node crdt.Node) error

	// EnsureRegistered records {type, defaultConfig} into the reserved
	// _index store the first time store is materialized, per the
	// auto-registration contract. A no-op if store is already registered
	// or is itself a system store ("_settings", "_root", "_index").
	EnsureRegistered(store string, typ TypeID, defaultConfig string) error
}

// marshalNode serializes v into a crdt text leaf representing JSON, the
// common shape every adapter built on a single scalar payload uses.
func marshalNode(v any) (crdt.Node, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return crdt.Node{}, eerr.Wrap(eerr.KindSerializationFailed, "marshal store value", err)
	}
	return crdt.Text(string(b)), nil
}

func unmarshalNode(n crdt.Node, v any) error {
	if n.Kind == crdt.KindTombstone {
		return eerr.New(eerr.KindEntryNotFound, "value has been deleted")
	}
	if n.Kind != crdt.KindText {
		return eerr.New(eerr.KindTypeMismatch, fmt.Sprintf("expected text-encoded JSON, got kind %d", n.Kind))
	}
	if err := json.Unmarshal([]byte(n.Text), v); err != nil {
		return eerr.Wrap(eerr.KindSerializationFailed, "unmarshal store value", err)
	}
	return nil
}
