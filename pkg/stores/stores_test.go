package stores

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcuru/eidetica/pkg/crdt"
	"github.com/arcuru/eidetica/pkg/eerr"
)

// fakeStager is an in-memory Stager tracking registrations, standing in
// for a transaction.
type fakeStager struct {
	states map[string]crdt.Node
	regged map[string]TypeID
}

func newFakeStager() *fakeStager {
	return &fakeStager{states: make(map[string]crdt.Node), regged: make(map[string]TypeID)}
}

func (f *fakeStager) Get(store string) (crdt.Node, error) {
	if n, ok := f.states[store]; ok {
		return n, nil
	}
	return crdt.Map(nil), nil
}

func (f *fakeStager) Stage(store string, node crdt.Node) error {
	f.states[store] = node
	return nil
}

func (f *fakeStager) EnsureRegistered(store string, typ TypeID, _ string) error {
	if store == "_settings" || store == "_root" || store == "_index" {
		return nil
	}
	if existing, ok := f.regged[store]; ok && existing != typ {
		return eerr.New(eerr.KindStoreTypeMismatch, "type conflict")
	}
	f.regged[store] = typ
	return nil
}

func TestDocument_SetGetRoundTrip(t *testing.T) {
	st := newFakeStager()
	doc, err := NewDocument(st, "notes")
	require.NoError(t, err)

	require.NoError(t, doc.Set([]string{"x", "a"}, crdt.Text("1")))

	got, ok, err := doc.Get([]string{"x", "a"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", got.Text)

	assert.Equal(t, TypeDocument, st.regged["notes"])
}

func TestDocument_ListAppendAndItems(t *testing.T) {
	st := newFakeStager()
	doc, err := NewDocument(st, "notes")
	require.NoError(t, err)

	items, err := doc.ListItems([]string{"todo"})
	require.NoError(t, err)
	assert.Empty(t, items)

	require.NoError(t, doc.ListAppend([]string{"todo"}, "first", "second"))
	require.NoError(t, doc.ListAppend([]string{"todo"}, "third"))

	items, err = doc.ListItems([]string{"todo"})
	require.NoError(t, err)
	require.Len(t, items, 3)

	var got string
	require.NoError(t, unmarshalNode(items[0], &got))
	assert.Equal(t, "first", got)
	require.NoError(t, unmarshalNode(items[2], &got))
	assert.Equal(t, "third", got)
}

func TestDocument_ListAppendRejectsNonList(t *testing.T) {
	st := newFakeStager()
	doc, err := NewDocument(st, "notes")
	require.NoError(t, err)

	require.NoError(t, doc.Set([]string{"todo"}, crdt.Text("scalar")))
	err = doc.ListAppend([]string{"todo"}, "x")
	require.Error(t, err)
	kind, ok := eerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, eerr.KindTypeMismatch, kind)
}

func TestDocument_DeleteTombstones(t *testing.T) {
	st := newFakeStager()
	doc, err := NewDocument(st, "notes")
	require.NoError(t, err)

	require.NoError(t, doc.Set([]string{"k"}, crdt.Text("v")))
	require.NoError(t, doc.Delete([]string{"k"}))

	_, ok, err := doc.Get([]string{"k"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSettings_RejectsScalarAuth(t *testing.T) {
	st := newFakeStager()
	s := NewSettings(st)

	err := s.SetAuth(crdt.Text("garbage"))
	require.Error(t, err)
	kind, ok := eerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, eerr.KindAuthCorrupted, kind)
}

func TestSettings_NameAndStrategy(t *testing.T) {
	st := newFakeStager()
	s := NewSettings(st)

	require.NoError(t, s.SetName("notes"))
	name, err := s.Name()
	require.NoError(t, err)
	assert.Equal(t, "notes", name)

	strategy, err := s.HeightStrategy()
	require.NoError(t, err)
	assert.Equal(t, "incremental", strategy)

	require.NoError(t, s.SetHeightStrategy("timestamp"))
	strategy, err = s.HeightStrategy()
	require.NoError(t, err)
	assert.Equal(t, "timestamp", strategy)
}

func TestSettings_PolicyDefaultsFalse(t *testing.T) {
	st := newFakeStager()
	s := NewSettings(st)

	enabled, err := s.Policy("bootstrap_auto_approve")
	require.NoError(t, err)
	assert.False(t, enabled)

	require.NoError(t, s.SetPolicy("bootstrap_auto_approve", true))
	enabled, err = s.Policy("bootstrap_auto_approve")
	require.NoError(t, err)
	assert.True(t, enabled)
}

func TestIndex_RegisterAndLookup(t *testing.T) {
	st := newFakeStager()
	ix := NewIndex(st)

	require.NoError(t, ix.Register("notes", TypeDocument, "{}"))

	got, ok, err := ix.Lookup("notes")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, TypeDocument, got.Type)

	_, ok, err = ix.Lookup("absent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTable_InsertGetDelete(t *testing.T) {
	st := newFakeStager()
	tbl, err := NewTable(st, "rows")
	require.NoError(t, err)

	type rec struct {
		Title string `json:"title"`
	}

	key, err := tbl.Insert(rec{Title: "hello"})
	require.NoError(t, err)
	require.NotEmpty(t, key)

	var got rec
	require.NoError(t, tbl.Get(key, &got))
	assert.Equal(t, "hello", got.Title)

	keys, err := tbl.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{key}, keys)

	require.NoError(t, tbl.Delete(key))
	err = tbl.Get(key, &got)
	require.Error(t, err)
	assert.True(t, eerr.IsNotFound(err))

	keys, err = tbl.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestTable_UniqueKeys(t *testing.T) {
	st := newFakeStager()
	tbl, err := NewTable(st, "rows")
	require.NoError(t, err)

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		key, err := tbl.Insert(map[string]int{"i": i})
		require.NoError(t, err)
		require.False(t, seen[key])
		seen[key] = true
	}
}

func TestEnvelope_SealOpenRoundTrip(t *testing.T) {
	st := newFakeStager()
	env, err := NewEnvelope(st, "secrets", "some-database-root")
	require.NoError(t, err)

	plaintext := []byte("the launch codes")
	require.NoError(t, env.Seal([]string{"codes"}, plaintext))

	got, ok, err := env.Open([]string{"codes"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, plaintext, got)

	// The staged value must not be the plaintext.
	raw, ok, err := crdt.GetPath(st.states["secrets"], []string{"codes"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, plaintext, raw.Bin)
}

func TestEnvelope_DifferentRootsCannotOpen(t *testing.T) {
	st := newFakeStager()
	env, err := NewEnvelope(st, "secrets", "root-a")
	require.NoError(t, err)
	require.NoError(t, env.Seal([]string{"k"}, []byte("v")))

	other, err := NewEnvelope(st, "secrets", "root-b")
	require.NoError(t, err)
	_, _, err = other.Open([]string{"k"})
	require.Error(t, err)
}

func TestYDoc_BlobRoundTrip(t *testing.T) {
	st := newFakeStager()
	y, err := NewYDoc(st, "rich")
	require.NoError(t, err)

	_, ok, err := y.State()
	require.NoError(t, err)
	assert.False(t, ok)

	blob := []byte{0x01, 0x02, 0x03}
	require.NoError(t, y.Update(blob))

	got, ok, err := y.State()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, blob, got)

	assert.Equal(t, TypeYDoc, st.regged["rich"])
}
