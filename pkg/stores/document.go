package stores

import (
	"github.com/arcuru/eidetica/pkg/crdt"
	"github.com/arcuru/eidetica/pkg/eerr"
)

// Document is a general-purpose document CRDT adapter with path
// operations, the default interpretation for a user store with no other
// registered type.
type Document struct {
	stager Stager
	name   string
}

// NewDocument wraps store as a Document adapter over tx, registering it
// in _index on first use.
func NewDocument(tx Stager, store string) (*Document, error) {
	if err := tx.EnsureRegistered(store, TypeDocument, "{}"); err != nil {
		return nil, err
	}
	return &Document{stager: tx, name: store}, nil
}

// Get returns the value at path, or ok=false if absent or tombstoned.
func (d *Document) Get(path []string) (crdt.Node, bool, error) {
	root, err := d.stager.Get(d.name)
	if err != nil {
		return crdt.Node{}, false, err
	}
	return crdt.GetPath(root, path)
}

// Set stages value at path.
func (d *Document) Set(path []string, value crdt.Node) error {
	root, err := d.stager.Get(d.name)
	if err != nil {
		return err
	}
	updated, err := crdt.SetPath(root, path, value)
	if err != nil {
		return err
	}
	return d.stager.Stage(d.name, updated)
}

// Delete tombstones path.
func (d *Document) Delete(path []string) error {
	root, err := d.stager.Get(d.name)
	if err != nil {
		return err
	}
	updated, err := crdt.DeletePath(root, path)
	if err != nil {
		return err
	}
	return d.stager.Stage(d.name, updated)
}

// ListAppend appends the JSON encodings of values to the ordered list
// at path, creating the list if absent. Lists are append-only: elements
// merge across replicas keyed by the entry that inserted them, so
// existing elements are never rewritten in place.
func (d *Document) ListAppend(path []string, values ...any) error {
	root, err := d.stager.Get(d.name)
	if err != nil {
		return err
	}

	cur, ok, err := crdt.GetPath(root, path)
	if err != nil {
		return err
	}
	list := crdt.List(nil)
	if ok {
		if cur.Kind != crdt.KindList {
			return eerr.New(eerr.KindTypeMismatch, "value at path is not a list")
		}
		list = cur
	}

	items := append([]crdt.Node(nil), list.List...)
	for _, v := range values {
		node, err := marshalNode(v)
		if err != nil {
			return err
		}
		items = append(items, node)
	}

	updated, err := crdt.SetPath(root, path, crdt.List(items))
	if err != nil {
		return err
	}
	return d.stager.Stage(d.name, updated)
}

// ListItems returns the elements of the ordered list at path, in merge
// order. An absent or tombstoned path yields an empty slice.
func (d *Document) ListItems(path []string) ([]crdt.Node, error) {
	node, ok, err := d.Get(path)
	if err != nil || !ok {
		return nil, err
	}
	if node.Kind != crdt.KindList {
		return nil, eerr.New(eerr.KindTypeMismatch, "value at path is not a list")
	}
	return node.List, nil
}

// SetJSON stages the JSON encoding of v at path, for callers that keep
// plain Go values rather than constructing crdt.Node by hand.
func (d *Document) SetJSON(path []string, v any) error {
	node, err := marshalNode(v)
	if err != nil {
		return err
	}
	return d.Set(path, node)
}

// GetJSON decodes the value at path into v.
func (d *Document) GetJSON(path []string, v any) error {
	node, ok, err := d.Get(path)
	if err != nil {
		return err
	}
	if !ok {
		return eerr.New(eerr.KindEntryNotFound, "path not set")
	}
	return unmarshalNode(node, v)
}
