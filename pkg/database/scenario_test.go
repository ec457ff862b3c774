package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcuru/eidetica/pkg/crdt"
	"github.com/arcuru/eidetica/pkg/eerr"
	"github.com/arcuru/eidetica/pkg/entry"
	"github.com/arcuru/eidetica/pkg/security"
	"github.com/arcuru/eidetica/pkg/storage"
)

type authRecord struct {
	PubKey      string `json:"pubkey"`
	Permissions string `json:"permissions"`
	Status      string `json:"status"`
}

// S1: initialize an unsigned database.
func TestS1_InitializeUnsignedDatabase(t *testing.T) {
	inst := New(storage.NewMemStore())

	db, err := inst.NewDatabase("notes", "")
	require.NoError(t, err)

	e, err := inst.Store().Get(db.Root())
	require.NoError(t, err)
	assert.Equal(t, db.Root(), e.Root)
	assert.Empty(t, e.Sig.Sig)

	name, err := db.Name()
	require.NoError(t, err)
	assert.Equal(t, "notes", name)
}

// S2: transition to signed mode; later unsigned commits fail closed.
func TestS2_TransitionToSignedMode(t *testing.T) {
	inst := New(storage.NewMemStore())
	db, err := inst.NewDatabase("notes", "")
	require.NoError(t, err)

	pk, err := inst.GenerateSigningKey("k1")
	require.NoError(t, err)

	tx, err := db.Begin("k1")
	require.NoError(t, err)
	require.NoError(t, tx.Settings().SetAuthEntry("k1", authRecord{
		PubKey:      security.EncodePublicKey(pk),
		Permissions: "write:10",
		Status:      "active",
	}))
	_, err = tx.Commit()
	require.NoError(t, err)

	tx2, err := db.Begin("")
	require.NoError(t, err)
	doc, err := tx2.Document("pages")
	require.NoError(t, err)
	require.NoError(t, doc.Set([]string{"k"}, crdt.Text("v")))
	_, err = tx2.Commit()
	require.Error(t, err)
	assert.True(t, eerr.IsPermissionDenied(err))
}

// copyEntries replicates every entry of a database into another store,
// in height order.
func copyEntries(t *testing.T, from, to storage.Store, root entry.ID) {
	t.Helper()
	ids, err := from.ListDatabaseEntries(root)
	require.NoError(t, err)

	entries := make([]entry.Entry, 0, len(ids))
	for _, id := range ids {
		e, err := from.Get(id)
		require.NoError(t, err)
		entries = append(entries, e)
	}
	for i := 0; i < len(entries); i++ {
		for j := i + 1; j < len(entries); j++ {
			if entries[j].Height < entries[i].Height {
				entries[i], entries[j] = entries[j], entries[i]
			}
		}
	}
	for _, e := range entries {
		require.NoError(t, to.Put(e))
	}
}

// S3: deterministic merge across divergent histories.
func TestS3_DeterministicMergeAcrossNodes(t *testing.T) {
	instA := New(storage.NewMemStore())
	instB := New(storage.NewMemStore())

	sk, pk, err := security.Generate()
	require.NoError(t, err)
	instA.AddSigningKey("k1", sk)
	instB.AddSigningKey("k1", sk)

	dbA, err := instA.NewDatabase("shared", "")
	require.NoError(t, err)

	tx, err := dbA.Begin("k1")
	require.NoError(t, err)
	require.NoError(t, tx.Settings().SetAuthEntry("k1", authRecord{
		PubKey:      security.EncodePublicKey(pk),
		Permissions: "admin:0",
		Status:      "active",
	}))
	_, err = tx.Commit()
	require.NoError(t, err)

	// Replicate the signed baseline onto node B.
	copyEntries(t, instA.Store(), instB.Store(), dbA.Root())
	dbB, err := instB.OpenDatabase(dbA.Root())
	require.NoError(t, err)

	// Divergent concurrent writes.
	txA, err := dbA.Begin("k1")
	require.NoError(t, err)
	docA, err := txA.Document("docs")
	require.NoError(t, err)
	require.NoError(t, docA.Set([]string{"x", "a"}, crdt.Text("1")))
	idA, err := txA.Commit()
	require.NoError(t, err)

	txB, err := dbB.Begin("k1")
	require.NoError(t, err)
	docB, err := txB.Document("docs")
	require.NoError(t, err)
	require.NoError(t, docB.Set([]string{"x", "b"}, crdt.Text("2")))
	idB, err := txB.Commit()
	require.NoError(t, err)

	// Cross-ingest in opposite orders.
	copyEntries(t, instA.Store(), instB.Store(), dbA.Root())
	copyEntries(t, instB.Store(), instA.Store(), dbA.Root())

	for _, db := range []*Database{dbA, dbB} {
		doc, err := db.Viewer().Document("docs")
		require.NoError(t, err)

		x, ok, err := doc.Get([]string{"x"})
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, crdt.KindMap, x.Kind)
		assert.Equal(t, "1", x.Map["a"].Text)
		assert.Equal(t, "2", x.Map["b"].Text)

		tips, err := db.StoreTips("docs")
		require.NoError(t, err)
		set := map[entry.ID]bool{}
		for _, id := range tips {
			set[id] = true
		}
		assert.Equal(t, map[entry.ID]bool{idA: true, idB: true}, set)
	}
}

// S7: corrupted-auth prevention through the facade.
func TestS7_CorruptedAuthPrevention(t *testing.T) {
	inst := New(storage.NewMemStore())
	db, err := inst.NewDatabase("notes", "")
	require.NoError(t, err)

	pk, err := inst.GenerateSigningKey("k1")
	require.NoError(t, err)
	tx, err := db.Begin("k1")
	require.NoError(t, err)
	require.NoError(t, tx.Settings().SetAuthEntry("k1", authRecord{
		PubKey:      security.EncodePublicKey(pk),
		Permissions: "admin:0",
		Status:      "active",
	}))
	_, err = tx.Commit()
	require.NoError(t, err)

	before, err := inst.EntryCount(string(db.Root()))
	require.NoError(t, err)

	tx2, err := db.Begin("k1")
	require.NoError(t, err)
	settings, err := tx2.Get("_settings")
	require.NoError(t, err)
	corrupted, err := crdt.SetPath(settings, []string{"auth"}, crdt.Text("garbage"))
	require.NoError(t, err)
	require.NoError(t, tx2.Stage("_settings", corrupted))

	_, err = tx2.Commit()
	require.Error(t, err)
	kind, _ := eerr.KindOf(err)
	assert.Equal(t, eerr.KindAuthCorrupted, kind)

	after, err := inst.EntryCount(string(db.Root()))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestOnCommit_CallbackFiresOncePerEntry(t *testing.T) {
	inst := New(storage.NewMemStore())

	var seen []entry.ID
	inst.OnCommit(func(e entry.Entry, db *Database, _ *Instance) {
		id, err := entry.Identifier(e)
		require.NoError(t, err)
		seen = append(seen, id)
	})

	db, err := inst.NewDatabase("notes", "")
	require.NoError(t, err)

	tx, err := db.Begin("")
	require.NoError(t, err)
	doc, err := tx.Document("pages")
	require.NoError(t, err)
	require.NoError(t, doc.Set([]string{"k"}, crdt.Text("v")))
	id, err := tx.Commit()
	require.NoError(t, err)

	require.Len(t, seen, 2) // genesis + the write
	assert.Equal(t, id, seen[1])
}

func TestInstance_MetricsSource(t *testing.T) {
	inst := New(storage.NewMemStore())
	db, err := inst.NewDatabase("notes", "")
	require.NoError(t, err)

	roots := inst.DatabaseRoots()
	require.Len(t, roots, 1)
	assert.Equal(t, string(db.Root()), roots[0])

	n, err := inst.EntryCount(roots[0])
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	tips, err := inst.TipCount(roots[0])
	require.NoError(t, err)
	assert.Equal(t, 1, tips)
}

func TestOpenDatabase_UnknownRootFails(t *testing.T) {
	inst := New(storage.NewMemStore())
	_, err := inst.OpenDatabase("does-not-exist")
	require.Error(t, err)
	assert.True(t, eerr.IsNotFound(err))
}
