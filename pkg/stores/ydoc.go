package stores

import (
	"github.com/arcuru/eidetica/pkg/crdt"
	"github.com/arcuru/eidetica/pkg/eerr"
)

// YDoc is the collaborative-rich-text shim: the payload is an opaque
// binary update blob produced and merged by an external collaborative
// library. The core treats it as a single binary leaf; replicas feed
// every observed blob to the external library, which owns the merge.
type YDoc struct {
	stager Stager
	name   string
}

// NewYDoc wraps store as a YDoc adapter over tx, registering it in
// _index on first use.
func NewYDoc(tx Stager, store string) (*YDoc, error) {
	if err := tx.EnsureRegistered(store, TypeYDoc, "{}"); err != nil {
		return nil, err
	}
	return &YDoc{stager: tx, name: store}, nil
}

// Update stages a new opaque update blob as the store's state.
func (y *YDoc) Update(blob []byte) error {
	return y.stager.Stage(y.name, crdt.Binary(blob))
}

// State returns the current blob, or ok=false if nothing has been
// written yet.
func (y *YDoc) State() ([]byte, bool, error) {
	node, err := y.stager.Get(y.name)
	if err != nil {
		return nil, false, err
	}
	switch node.Kind {
	case crdt.KindBinary:
		return node.Bin, true, nil
	case crdt.KindMap:
		if len(node.Map) == 0 {
			return nil, false, nil
		}
		return nil, false, eerr.New(eerr.KindStoreTypeMismatch, "store holds document state, not an update blob")
	case crdt.KindTombstone:
		return nil, false, nil
	default:
		return nil, false, eerr.New(eerr.KindStoreTypeMismatch, "store does not hold an update blob")
	}
}
