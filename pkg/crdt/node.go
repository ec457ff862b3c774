// Package crdt implements the hierarchical last-writer-wins document CRDT
// used by Document, Index, and Table store adapters. A Node is a closed
// tagged variant (never a trait object) over the kinds below; Merge folds
// two nodes deterministically using a caller-supplied ordering function.
package crdt

import (
	"sort"

	"github.com/arcuru/eidetica/pkg/eerr"
)

// Kind tags the variant a Node holds.
type Kind int

const (
	KindText Kind = iota
	KindInt
	KindBool
	KindBinary
	KindMap
	KindList
	KindTombstone
)

// Node is one value in the document tree. Only the field matching Kind is
// meaningful; the others are zero. OriginHeight/OriginID are Merge Engine
// bookkeeping: the (store height, entry id) of the contribution that
// produced this node, stamped by Stamp when a payload is loaded for
// folding. They are excluded from persisted JSON since they are
// recomputed fresh on every fold, never stored on disk.
type Node struct {
	Kind         Kind
	Text         string
	Int          int64
	Bool         bool
	Bin          []byte
	Map          map[string]Node
	List         []Node
	OriginHeight int64  `json:"-"`
	OriginID     string `json:"-"`
}

// Text constructs a text leaf.
func Text(s string) Node { return Node{Kind: KindText, Text: s} }

// IntNode constructs an integer leaf.
func IntNode(n int64) Node { return Node{Kind: KindInt, Int: n} }

// BoolNode constructs a boolean leaf.
func BoolNode(b bool) Node { return Node{Kind: KindBool, Bool: b} }

// Binary constructs a binary leaf.
func Binary(b []byte) Node { return Node{Kind: KindBinary, Bin: b} }

// Map constructs a map node.
func Map(m map[string]Node) Node { return Node{Kind: KindMap, Map: m} }

// List constructs a list node.
func List(items []Node) Node { return Node{Kind: KindList, List: items} }

// Tombstone marks a path as deleted.
func Tombstone() Node { return Node{Kind: KindTombstone} }

// Stamp recursively annotates every node in the tree rooted at n with
// (height, id), the origin the Merge Engine uses to break ties between
// conflicting leaf writes. A full store payload is staged and signed as
// one unit, so every leaf it contains shares the same origin: the
// entry that produced it.
func Stamp(n Node, height int64, id string) Node {
	n.OriginHeight = height
	n.OriginID = id
	switch n.Kind {
	case KindMap:
		stamped := make(map[string]Node, len(n.Map))
		for k, v := range n.Map {
			stamped[k] = Stamp(v, height, id)
		}
		n.Map = stamped
	case KindList:
		stamped := make([]Node, len(n.List))
		for i, v := range n.List {
			stamped[i] = Stamp(v, height, id)
		}
		n.List = stamped
	}
	return n
}

// ByOrigin is the production OrderFunc: it reads the (height, id) that
// Stamp recorded directly off the node, rather than deriving it from
// content. Use this everywhere outside of tests.
func ByOrigin(n Node) (int64, string) {
	return n.OriginHeight, n.OriginID
}

// OrderFunc returns the (height, id) pair used to break ties between two
// conflicting leaf writes: the write with the greater height wins; equal
// heights break ties by the greater id, giving a total order consistent
// across every node that observes both writes.
type OrderFunc func(Node) (height int64, id string)

// wins reports whether candidate should replace current under order.
func wins(current, candidate Node, order OrderFunc) bool {
	ch, cid := order(current)
	nh, nid := order(candidate)
	if nh != ch {
		return nh > ch
	}
	return nid > cid
}

// Merge folds a and b into a single Node:
//   - Map vs Map: recursively merge the union of keys.
//   - List vs List: append-with-ordering union; concurrent inserts all
//     survive, ordered by the (height, id) of the contributing entry.
//   - Otherwise (scalar vs scalar, a tombstone vs anything, or a type
//     mismatch at a leaf), order picks the winner wholesale.
func Merge(a, b Node, order OrderFunc) Node {
	if a.Kind == KindMap && b.Kind == KindMap {
		return mergeMaps(a, b, order)
	}
	if a.Kind == KindList && b.Kind == KindList {
		return mergeLists(a, b, order)
	}
	if wins(a, b, order) {
		return b
	}
	return a
}

func mergeMaps(a, b Node, order OrderFunc) Node {
	out := make(map[string]Node, len(a.Map)+len(b.Map))
	for k, v := range a.Map {
		out[k] = v
	}
	for k, bv := range b.Map {
		if av, ok := out[k]; ok {
			out[k] = Merge(av, bv, order)
		} else {
			out[k] = bv
		}
	}
	return Map(out)
}

// listElemKey identifies one list element across replicas: the (height,
// id) of the entry that inserted it plus the element's ordinal among
// that entry's insertions. Same-origin relative order is preserved by
// every merge, so the ordinal is stable.
type listElemKey struct {
	height int64
	id     string
	ord    int
}

func listElems(l Node, order OrderFunc) ([]listElemKey, map[listElemKey]Node) {
	type origin struct {
		height int64
		id     string
	}
	ords := make(map[origin]int, len(l.List))
	keys := make([]listElemKey, 0, len(l.List))
	vals := make(map[listElemKey]Node, len(l.List))
	for _, n := range l.List {
		h, id := order(n)
		o := origin{height: h, id: id}
		k := listElemKey{height: h, id: id, ord: ords[o]}
		ords[o]++
		keys = append(keys, k)
		vals[k] = n
	}
	return keys, vals
}

// mergeLists is the append-with-ordering union: elements are keyed by
// the entry that inserted them, so concurrent inserts all survive and
// replaying a contribution is a no-op. The union is ordered by
// (height, id, insertion ordinal), the same total order the Merge
// Engine folds in, so every replica sees the same sequence.
func mergeLists(a, b Node, order OrderFunc) Node {
	keysA, valsA := listElems(a, order)
	keysB, valsB := listElems(b, order)

	merged := make(map[listElemKey]Node, len(keysA)+len(keysB))
	all := make([]listElemKey, 0, len(keysA)+len(keysB))
	for _, k := range keysA {
		merged[k] = valsA[k]
		all = append(all, k)
	}
	for _, k := range keysB {
		if existing, ok := merged[k]; ok {
			merged[k] = Merge(existing, valsB[k], order)
			continue
		}
		merged[k] = valsB[k]
		all = append(all, k)
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].height != all[j].height {
			return all[i].height < all[j].height
		}
		if all[i].id != all[j].id {
			return all[i].id < all[j].id
		}
		return all[i].ord < all[j].ord
	})

	out := make([]Node, len(all))
	for i, k := range all {
		out[i] = merged[k]
	}
	return List(out)
}

// GetPath walks segs into n, returning the Node at that path. Returns
// eerr.KindPathTraversalThroughLeaf if an intermediate segment names a
// non-map node, and a zero Node with ok=false if the path is absent or
// tombstoned.
func GetPath(n Node, segs []string) (Node, bool, error) {
	cur := n
	for i, seg := range segs {
		if cur.Kind == KindTombstone {
			return Node{}, false, nil
		}
		if cur.Kind != KindMap {
			return Node{}, false, eerr.New(eerr.KindPathTraversalThroughLeaf, "path traverses through a non-map node at segment "+joinUpTo(segs, i))
		}
		next, ok := cur.Map[seg]
		if !ok {
			return Node{}, false, nil
		}
		cur = next
	}
	if cur.Kind == KindTombstone {
		return Node{}, false, nil
	}
	return cur, true, nil
}

// SetPath returns a copy of n with segs set to value, creating
// intermediate maps as needed.
func SetPath(n Node, segs []string, value Node) (Node, error) {
	if len(segs) == 0 {
		return value, nil
	}
	if n.Kind == KindTombstone {
		n = Map(nil)
	}
	if n.Kind != KindMap {
		return Node{}, eerr.New(eerr.KindPathTraversalThroughLeaf, "set_path traverses through a non-map node")
	}

	out := make(map[string]Node, len(n.Map)+1)
	for k, v := range n.Map {
		out[k] = v
	}

	head, rest := segs[0], segs[1:]
	if len(rest) == 0 {
		out[head] = value
		return Map(out), nil
	}

	child, ok := out[head]
	if !ok {
		child = Map(nil)
	}
	updated, err := SetPath(child, rest, value)
	if err != nil {
		return Node{}, err
	}
	out[head] = updated
	return Map(out), nil
}

// DeletePath returns a copy of n with segs replaced by a Tombstone.
func DeletePath(n Node, segs []string) (Node, error) {
	return SetPath(n, segs, Tombstone())
}

func joinUpTo(segs []string, i int) string {
	out := ""
	for j := 0; j <= i && j < len(segs); j++ {
		if j > 0 {
			out += "."
		}
		out += segs[j]
	}
	return out
}
