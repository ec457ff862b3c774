package stores

const indexStoreName = "_index"

// Index wraps the reserved "_index" store: a registry mapping user store
// name to {type_id, config_json}. Index itself is excluded from
// self-registration.
type Index struct {
	doc *Document
}

// NewIndex wraps the _index store over tx.
func NewIndex(tx Stager) *Index {
	return &Index{doc: &Document{stager: tx, name: indexStoreName}}
}

// Lookup returns the registered adapter entry for store, if any.
func (ix *Index) Lookup(store string) (IndexEntry, bool, error) {
	var entry IndexEntry
	node, ok, err := ix.doc.Get([]string{store})
	if err != nil || !ok {
		return IndexEntry{}, false, err
	}
	if err := unmarshalNode(node, &entry); err != nil {
		return IndexEntry{}, false, err
	}
	return entry, true, nil
}

// Register records {type, config} for store. Called by EnsureRegistered
// implementations the first time a user store is materialized.
func (ix *Index) Register(store string, typ TypeID, config string) error {
	return ix.doc.SetJSON([]string{store}, IndexEntry{Type: typ, Config: config})
}

// All returns the full registry as a map, so generic tooling can discover
// every user store's type without hardcoding adapter names.
func (ix *Index) All() (map[string]IndexEntry, error) {
	root, err := ix.doc.stager.Get(indexStoreName)
	if err != nil {
		return nil, err
	}
	out := make(map[string]IndexEntry, len(root.Map))
	for name, node := range root.Map {
		var entry IndexEntry
		if err := unmarshalNode(node, &entry); err != nil {
			continue
		}
		out[name] = entry
	}
	return out, nil
}
