package transaction

import (
	"github.com/arcuru/eidetica/pkg/crdt"
	"github.com/arcuru/eidetica/pkg/eerr"
	"github.com/arcuru/eidetica/pkg/entry"
	"github.com/arcuru/eidetica/pkg/merge"
	"github.com/arcuru/eidetica/pkg/stores"
	"github.com/arcuru/eidetica/pkg/storage"
)

// Viewer computes the current view of stores without staging or
// committing. It implements stores.Stager so the same adapters work over
// it, but any mutation fails.
type Viewer struct {
	store storage.Store
	root  entry.ID
	cache map[string]crdt.Node
}

// NewViewer opens a read-only view of the database rooted at root.
func NewViewer(store storage.Store, root entry.ID) *Viewer {
	return &Viewer{store: store, root: root, cache: make(map[string]crdt.Node)}
}

// Get materializes the store's current state at its live tips.
func (v *Viewer) Get(store string) (crdt.Node, error) {
	if node, ok := v.cache[store]; ok {
		return node, nil
	}
	tips, err := v.store.StoreTips(v.root, store)
	if err != nil {
		return crdt.Node{}, err
	}
	node, err := merge.View(v.store, v.root, store, tips)
	if err != nil {
		return crdt.Node{}, err
	}
	v.cache[store] = node
	return node, nil
}

// Stage always fails: viewers are read-only.
func (v *Viewer) Stage(string, crdt.Node) error {
	return eerr.New(eerr.KindStoreTypeMismatch, "cannot stage through a read-only viewer")
}

// EnsureRegistered is a no-op: reads never register stores.
func (v *Viewer) EnsureRegistered(string, stores.TypeID, string) error {
	return nil
}

// Document materializes a read-only Document adapter.
func (v *Viewer) Document(store string) (*stores.Document, error) {
	return stores.NewDocument(v, store)
}

// Table materializes a read-only Table adapter.
func (v *Viewer) Table(store string) (*stores.Table, error) {
	return stores.NewTable(v, store)
}

// Settings materializes a read-only _settings adapter.
func (v *Viewer) Settings() *stores.Settings {
	return stores.NewSettings(v)
}

// Index materializes a read-only _index adapter.
func (v *Viewer) Index() *stores.Index {
	return stores.NewIndex(v)
}
