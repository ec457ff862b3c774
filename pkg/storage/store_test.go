package storage

import (
	"testing"

	"github.com/arcuru/eidetica/pkg/eerr"
	"github.com/arcuru/eidetica/pkg/entry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStores(t *testing.T) map[string]Store {
	t.Helper()

	dir := t.TempDir()
	bolt, err := NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })

	return map[string]Store{
		"bolt": bolt,
		"mem":  NewMemStore(),
	}
}

func payload(s string) *string { return &s }

func TestStore_PutGetRoundTrip(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			b := entry.NewBuilder("")
			idx := payload(`{"type_id":"settings:v0"}`)
			settings := payload(`{"name":"notes"}`)
			b.AddStore("_settings", nil, settings)
			b.AddStore("_index", nil, idx)

			e, err := b.Finalize(0, nil, nil, nil)
			require.NoError(t, err)

			require.NoError(t, store.Put(e))

			id, err := entry.Identifier(e)
			require.NoError(t, err)

			got, err := store.Get(id)
			require.NoError(t, err)
			assert.Equal(t, e, got)
		})
	}
}

func TestStore_Put_Idempotent(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			b := entry.NewBuilder("")
			e, err := b.Finalize(0, nil, nil, nil)
			require.NoError(t, err)

			require.NoError(t, store.Put(e))
			require.NoError(t, store.Put(e))

			ids, err := store.ListDatabaseEntries(e.Root)
			require.NoError(t, err)
			assert.Len(t, ids, 1)
		})
	}
}

func TestStore_Get_NotFound(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get("deadbeef")
			require.Error(t, err)
		})
	}
}

func TestStore_TipsAdvance(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			root := entry.NewBuilder("")
			e0, err := root.Finalize(0, nil, nil, nil)
			require.NoError(t, err)
			require.NoError(t, store.Put(e0))

			b1 := entry.NewBuilder(e0.Root)
			b1.AddParent(e0.Root)
			e1, err := b1.Finalize(1, nil, nil, nil)
			require.NoError(t, err)
			require.NoError(t, store.Put(e1))

			id1, err := entry.Identifier(e1)
			require.NoError(t, err)

			tips, err := store.Tips(e0.Root)
			require.NoError(t, err)
			assert.ElementsMatch(t, []entry.ID{id1}, tips)
		})
	}
}

func TestStore_StoreTips(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			root := entry.NewBuilder("")
			idx := payload(`{"type_id":"docstore:v0"}`)
			doc := payload(`{"x":1}`)
			root.AddStore("notes", nil, doc)
			root.AddStore("_index", nil, idx)
			e0, err := root.Finalize(0, nil, nil, nil)
			require.NoError(t, err)
			require.NoError(t, store.Put(e0))

			id0, err := entry.Identifier(e0)
			require.NoError(t, err)

			tips, err := store.StoreTips(e0.Root, "notes")
			require.NoError(t, err)
			assert.Equal(t, []entry.ID{id0}, tips)
		})
	}
}

func TestStore_Put_ParentMissing(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			b := entry.NewBuilder("someroot")
			b.AddParent("not-stored-anywhere")
			e, err := b.Finalize(1, nil, nil, nil)
			require.NoError(t, err)

			err = store.Put(e)
			require.Error(t, err)
			kind, ok := eerr.KindOf(err)
			require.True(t, ok)
			assert.Equal(t, eerr.KindParentMissing, kind)

			// Batch ingest may defer the check and land entries out of
			// topological order.
			require.NoError(t, store.Put(e, DeferValidation()))
		})
	}
}

func TestStore_Put_StoreParentMissing(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			root := entry.NewBuilder("")
			e0, err := root.Finalize(0, nil, nil, nil)
			require.NoError(t, err)
			require.NoError(t, store.Put(e0))

			b := entry.NewBuilder(e0.Root)
			b.AddParent(e0.Root)
			doc := payload(`{"x":1}`)
			idx := payload(`{}`)
			b.AddStore("notes", []entry.ID{"missing-store-parent"}, doc)
			b.AddStore("_index", nil, idx)
			e1, err := b.Finalize(1, nil, nil, nil)
			require.NoError(t, err)

			err = store.Put(e1)
			require.Error(t, err)
			kind, ok := eerr.KindOf(err)
			require.True(t, ok)
			assert.Equal(t, eerr.KindParentMissing, kind)
		})
	}
}

func TestBoltStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	bolt1, err := NewBoltStore(dir)
	require.NoError(t, err)

	b := entry.NewBuilder("")
	e, err := b.Finalize(0, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, bolt1.Put(e))
	require.NoError(t, bolt1.Close())

	bolt2, err := NewBoltStore(dir)
	require.NoError(t, err)
	defer bolt2.Close()

	id, err := entry.Identifier(e)
	require.NoError(t, err)
	got, err := bolt2.Get(id)
	require.NoError(t, err)
	assert.Equal(t, e, got)
}
