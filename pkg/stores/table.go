package stores

import (
	"github.com/google/uuid"

	"github.com/arcuru/eidetica/pkg/crdt"
	"github.com/arcuru/eidetica/pkg/eerr"
)

// Table is a keyed collection adapter: records are opaque serialized
// values stored under generated unique identifiers in a document-CRDT
// map.
type Table struct {
	doc *Document
}

// NewTable wraps store as a Table adapter over tx, registering it in
// _index on first use.
func NewTable(tx Stager, store string) (*Table, error) {
	if err := tx.EnsureRegistered(store, TypeTable, "{}"); err != nil {
		return nil, err
	}
	return &Table{doc: &Document{stager: tx, name: store}}, nil
}

// Insert stores record under a freshly generated key and returns it.
func (t *Table) Insert(record any) (string, error) {
	key := uuid.New().String()
	if err := t.doc.SetJSON([]string{key}, record); err != nil {
		return "", err
	}
	return key, nil
}

// Set overwrites the record under an existing key.
func (t *Table) Set(key string, record any) error {
	if key == "" {
		return eerr.New(eerr.KindTypeMismatch, "table key must not be empty")
	}
	return t.doc.SetJSON([]string{key}, record)
}

// Get decodes the record under key into record. Returns an
// eerr.KindEntryNotFound error if the key is absent or deleted.
func (t *Table) Get(key string, record any) error {
	return t.doc.GetJSON([]string{key}, record)
}

// Delete tombstones the record under key.
func (t *Table) Delete(key string) error {
	return t.doc.Delete([]string{key})
}

// Keys returns every live (non-tombstoned) key in the table.
func (t *Table) Keys() ([]string, error) {
	root, err := t.doc.stager.Get(t.doc.name)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(root.Map))
	for k, node := range root.Map {
		if node.Kind == crdt.KindTombstone {
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}
