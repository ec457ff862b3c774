// Package merge implements the Merge/Tips Engine: given a set of store
// tips it walks the store's sub-DAG back to its roots, orders the
// contributing entries deterministically by (store height, id), and
// folds their payloads into a single pkg/crdt.Node.
package merge

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/arcuru/eidetica/pkg/crdt"
	"github.com/arcuru/eidetica/pkg/eerr"
	"github.com/arcuru/eidetica/pkg/entry"
	"github.com/arcuru/eidetica/pkg/metrics"
	"github.com/arcuru/eidetica/pkg/storage"
)

// storeHeight returns sn.Height if set, otherwise the entry's own Height
// (spec.md §3: absent means "inherit the Entry height").
func storeHeight(e entry.Entry, sn entry.StoreNode) int64 {
	if sn.Height != nil {
		return *sn.Height
	}
	return e.Height
}

func findStoreNode(e entry.Entry, store string) (entry.StoreNode, bool) {
	for _, sn := range e.Stores {
		if sn.Name == store {
			return sn, true
		}
	}
	return entry.StoreNode{}, false
}

// MarshalPayload encodes a store's materialized Node as the bytes
// pkg/transaction stages into entry.StoreNode.Payload.
func MarshalPayload(n crdt.Node) (string, error) {
	b, err := json.Marshal(n)
	if err != nil {
		return "", eerr.Wrap(eerr.KindSerializationFailed, "merge: marshal payload", err)
	}
	return string(b), nil
}

// UnmarshalPayload decodes bytes previously produced by MarshalPayload.
func UnmarshalPayload(payload string) (crdt.Node, error) {
	var n crdt.Node
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return crdt.Node{}, eerr.Wrap(eerr.KindSerializationFailed, "merge: unmarshal payload", err)
	}
	return n, nil
}

// Ancestors performs a breadth-first walk across per-store parent edges
// starting from tips, returning every entry that contributes to store,
// keyed by ID. The walk never leaves the database rooted at root because
// store parent pointers only ever reference entries of the same DAG.
func Ancestors(s storage.Store, root entry.ID, store string, tips []entry.ID) (map[entry.ID]entry.Entry, error) {
	visited := make(map[entry.ID]entry.Entry)
	queue := append([]entry.ID(nil), tips...)

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		if _, ok := visited[id]; ok {
			continue
		}

		e, err := s.Get(id)
		if err != nil {
			return nil, eerr.Wrap(eerr.KindParentMissing, "merge: fetch ancestor "+string(id), err)
		}
		visited[id] = e

		sn, ok := findStoreNode(e, store)
		if !ok {
			continue
		}
		queue = append(queue, sn.Parents...)
	}

	return visited, nil
}

// Fold orders the given contributing entries by (store height ascending,
// id ascending) and folds their payloads into a single Node, starting
// from an empty map. Every payload tree is stamped with its
// contribution's (height, id) via crdt.Stamp before merging so
// crdt.ByOrigin can break leaf-level ties correctly even when folding
// more than two contributions. Entries with no payload for this store
// (StoreNode.Payload == nil) participate in the DAG but contribute
// nothing to the fold.
func Fold(entries map[entry.ID]entry.Entry, store string) (crdt.Node, error) {
	type contribution struct {
		id     entry.ID
		height int64
		node   crdt.Node
	}

	contribs := make([]contribution, 0, len(entries))
	for id, e := range entries {
		sn, ok := findStoreNode(e, store)
		if !ok || sn.Payload == nil {
			continue
		}

		height := storeHeight(e, sn)
		if *sn.Payload == "" {
			contribs = append(contribs, contribution{id: id, height: height, node: crdt.Tombstone()})
			continue
		}

		node, err := UnmarshalPayload(*sn.Payload)
		if err != nil {
			return crdt.Node{}, err
		}
		contribs = append(contribs, contribution{id: id, height: height, node: node})
	}

	sort.Slice(contribs, func(i, j int) bool {
		if contribs[i].height != contribs[j].height {
			return contribs[i].height < contribs[j].height
		}
		return contribs[i].id < contribs[j].id
	})

	state := crdt.Map(nil)
	for _, c := range contribs {
		stamped := crdt.Stamp(c.node, c.height, string(c.id))
		state = crdt.Merge(state, stamped, crdt.ByOrigin)
	}

	return state, nil
}

// View resolves the current CRDT state of a store by walking ancestors
// from tips and folding them in deterministic order (spec.md §4.9).
func View(s storage.Store, root entry.ID, store string, tips []entry.ID) (crdt.Node, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.MergeDuration)

	ancestors, err := Ancestors(s, root, store, tips)
	if err != nil {
		return crdt.Node{}, err
	}
	metrics.MergeAncestorsVisited.Observe(float64(len(ancestors)))

	return Fold(ancestors, store)
}

// ViewMany resolves several stores' current states concurrently, fanning
// the ancestor walk + fold out across goroutines and propagating the
// first error via errgroup — used when a Viewer or Transaction needs the
// materialized state of more than one store at once.
func ViewMany(ctx context.Context, s storage.Store, root entry.ID, tipsByStore map[string][]entry.ID) (map[string]crdt.Node, error) {
	results := make(map[string]crdt.Node, len(tipsByStore))
	var mu sync.Mutex
	g, _ := errgroup.WithContext(ctx)

	for store, tips := range tipsByStore {
		store, tips := store, tips
		g.Go(func() error {
			node, err := View(s, root, store, tips)
			if err != nil {
				return err
			}
			mu.Lock()
			results[store] = node
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// AncestorsOf reports whether candidate is reachable from tips by
// walking main-DAG parent edges —
// used by pkg/auth's tip-monotonicity check (spec.md §4.7 step 5) to
// decide whether cited tips are an ancestor of previously observed
// tips.
func AncestorsOf(s storage.Store, tips []entry.ID, candidate entry.ID) (bool, error) {
	visited := make(map[entry.ID]bool)
	queue := append([]entry.ID(nil), tips...)

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == candidate {
			return true, nil
		}
		if visited[id] {
			continue
		}
		visited[id] = true

		e, err := s.Get(id)
		if err != nil {
			if eerr.IsNotFound(err) {
				continue
			}
			return false, err
		}
		queue = append(queue, e.Parents...)
	}
	return false, nil
}
