package auth

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcuru/eidetica/pkg/crdt"
	"github.com/arcuru/eidetica/pkg/eerr"
	"github.com/arcuru/eidetica/pkg/entry"
	"github.com/arcuru/eidetica/pkg/merge"
	"github.com/arcuru/eidetica/pkg/security"
	"github.com/arcuru/eidetica/pkg/storage"
)

func TestParsePermission(t *testing.T) {
	cases := []struct {
		in      string
		want    Permission
		wantErr bool
	}{
		{in: "read", want: Permission{Kind: Read}},
		{in: "write:10", want: Permission{Kind: Write, Priority: 10}},
		{in: "admin:0", want: Permission{Kind: Admin, Priority: 0}},
		{in: "admin", wantErr: true},
		{in: "write:abc", wantErr: true},
		{in: "root:1", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParsePermission(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.in, got.String())
		})
	}
}

func TestClampTo_NeverExceedsLimit(t *testing.T) {
	admin0 := Permission{Kind: Admin, Priority: 0}
	write10 := Permission{Kind: Write, Priority: 10}

	assert.Equal(t, write10, ClampTo(admin0, write10))
	assert.Equal(t, write10, ClampTo(write10, admin0))
	assert.Equal(t, Permission{Kind: Read}, ClampTo(Permission{Kind: Read}, write10))
}

func TestDecodeState_ScalarAuthIsCorrupted(t *testing.T) {
	_, err := DecodeState(crdt.Text("garbage"), true)
	require.Error(t, err)
	kind, ok := eerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, eerr.KindAuthCorrupted, kind)
}

func TestDecodeState_AbsentAuthIsUnsignedMode(t *testing.T) {
	state, err := DecodeState(crdt.Node{}, false)
	require.NoError(t, err)
	assert.Empty(t, state.Keys)
	assert.Empty(t, state.Delegations)
}

// ---- scenario helpers ----

func keyRecord(pubkey, permissions, status string) crdt.Node {
	b, _ := json.Marshal(map[string]string{
		"pubkey":      pubkey,
		"permissions": permissions,
		"status":      status,
	})
	return crdt.Text(string(b))
}

func delegationRecord(maxPerm string, root entry.ID, tips []entry.ID) crdt.Node {
	b, _ := json.Marshal(map[string]any{
		"permission-bounds": map[string]any{"max": maxPerm},
		"database":          map[string]any{"root": string(root), "tips": tips},
	})
	return crdt.Text(string(b))
}

func settingsPayload(t *testing.T, authEntries map[string]crdt.Node) *string {
	t.Helper()
	doc := crdt.Map(map[string]crdt.Node{"auth": crdt.Map(authEntries)})
	p, err := merge.MarshalPayload(doc)
	require.NoError(t, err)
	return &p
}

func emptyPayload(t *testing.T) *string {
	t.Helper()
	p, err := merge.MarshalPayload(crdt.Map(nil))
	require.NoError(t, err)
	return &p
}

// putAuthGenesis persists an unsigned genesis carrying the given auth
// entries in _settings.
func putAuthGenesis(t *testing.T, s storage.Store, authEntries map[string]crdt.Node) entry.ID {
	t.Helper()
	b := entry.NewBuilder("")
	b.AddStore("_settings", nil, settingsPayload(t, authEntries))
	b.AddStore("_index", nil, emptyPayload(t))
	e, err := b.Finalize(0, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Put(e))
	id, err := entry.Identifier(e)
	require.NoError(t, err)
	return id
}

// signedDataEntry builds and signs an entry writing to the "notes"
// store at the given settings tips.
func signedDataEntry(t *testing.T, root entry.ID, parents []entry.ID, keyPath entry.KeyPath, sk ed25519.PrivateKey, height int64) entry.Entry {
	t.Helper()
	payload, err := merge.MarshalPayload(crdt.Map(map[string]crdt.Node{"k": crdt.Text("v")}))
	require.NoError(t, err)

	b := entry.NewBuilder(root)
	for _, p := range parents {
		b.AddParent(p)
	}
	b.AddStore("notes", nil, &payload)
	b.AddStore("_index", parents, emptyPayload(t))
	tipsJSON, err := EncodeSettingsTips(parents)
	require.NoError(t, err)
	b.SetMeta("settings_tips", tipsJSON)

	e, err := b.Finalize(height, security.Signer{}, keyPath, sk)
	require.NoError(t, err)
	return e
}

func TestVerify_DirectKeyAccepted(t *testing.T) {
	s := storage.NewMemStore()
	sk, pk, err := security.Generate()
	require.NoError(t, err)

	root := putAuthGenesis(t, s, map[string]crdt.Node{
		"k1": keyRecord(security.EncodePublicKey(pk), "write:10", "active"),
	})

	v := NewValidator(s)
	e := signedDataEntry(t, root, []entry.ID{root}, entry.KeyPath{{Key: "k1"}}, sk, 1)
	require.NoError(t, v.Verify(root, e))
}

func TestVerify_WrongKeyRejected(t *testing.T) {
	s := storage.NewMemStore()
	_, pk, err := security.Generate()
	require.NoError(t, err)
	otherSK, _, err := security.Generate()
	require.NoError(t, err)

	root := putAuthGenesis(t, s, map[string]crdt.Node{
		"k1": keyRecord(security.EncodePublicKey(pk), "write:10", "active"),
	})

	v := NewValidator(s)
	e := signedDataEntry(t, root, []entry.ID{root}, entry.KeyPath{{Key: "k1"}}, otherSK, 1)
	err = v.Verify(root, e)
	require.Error(t, err)
	kind, _ := eerr.KindOf(err)
	assert.Equal(t, eerr.KindSignatureVerificationFailed, kind)
}

func TestVerify_RevokedKeyRejected(t *testing.T) {
	s := storage.NewMemStore()
	sk, pk, err := security.Generate()
	require.NoError(t, err)

	root := putAuthGenesis(t, s, map[string]crdt.Node{
		"k1": keyRecord(security.EncodePublicKey(pk), "write:10", "revoked"),
	})

	v := NewValidator(s)
	e := signedDataEntry(t, root, []entry.ID{root}, entry.KeyPath{{Key: "k1"}}, sk, 1)
	err = v.Verify(root, e)
	require.Error(t, err)
	kind, _ := eerr.KindOf(err)
	assert.Equal(t, eerr.KindKeyRevoked, kind)
}

func TestVerify_ReadKeyCannotWrite(t *testing.T) {
	s := storage.NewMemStore()
	sk, pk, err := security.Generate()
	require.NoError(t, err)

	root := putAuthGenesis(t, s, map[string]crdt.Node{
		"k1": keyRecord(security.EncodePublicKey(pk), "read", "active"),
	})

	v := NewValidator(s)
	e := signedDataEntry(t, root, []entry.ID{root}, entry.KeyPath{{Key: "k1"}}, sk, 1)
	err = v.Verify(root, e)
	require.Error(t, err)
	assert.True(t, eerr.IsPermissionDenied(err))
}

func TestVerify_WildcardMatchesAnySigner(t *testing.T) {
	s := storage.NewMemStore()
	sk, _, err := security.Generate()
	require.NoError(t, err)

	root := putAuthGenesis(t, s, map[string]crdt.Node{
		"*": keyRecord("*", "write:10", "active"),
	})

	v := NewValidator(s)
	e := signedDataEntry(t, root, []entry.ID{root}, entry.KeyPath{{Key: "fresh_device"}}, sk, 1)
	require.NoError(t, v.Verify(root, e))
}

func TestVerify_UnsignedEntryInSignedModeIsAuthCorrupted(t *testing.T) {
	s := storage.NewMemStore()
	_, pk, err := security.Generate()
	require.NoError(t, err)

	root := putAuthGenesis(t, s, map[string]crdt.Node{
		"k1": keyRecord(security.EncodePublicKey(pk), "write:10", "active"),
	})

	v := NewValidator(s)
	e := signedDataEntry(t, root, []entry.ID{root}, nil, nil, 1)
	err = v.Verify(root, e)
	require.Error(t, err)
	kind, _ := eerr.KindOf(err)
	assert.Equal(t, eerr.KindAuthCorrupted, kind)
}

// signedAuthEntry builds and signs an entry that writes the given auth
// records into _settings at the given settings tips.
func signedAuthEntry(t *testing.T, root entry.ID, parents []entry.ID, authEntries map[string]crdt.Node, keyPath entry.KeyPath, sk ed25519.PrivateKey) entry.Entry {
	t.Helper()
	b := entry.NewBuilder(root)
	for _, p := range parents {
		b.AddParent(p)
	}
	b.AddStore("_settings", parents, settingsPayload(t, authEntries))
	b.AddStore("_index", parents, emptyPayload(t))
	tipsJSON, err := EncodeSettingsTips(parents)
	require.NoError(t, err)
	b.SetMeta("settings_tips", tipsJSON)

	e, err := b.Finalize(1, security.Signer{}, keyPath, sk)
	require.NoError(t, err)
	return e
}

// A lower-priority admin (greater number) cannot revoke or downgrade a
// higher-priority admin's key; the reverse direction is allowed.
func TestVerify_AdminPriorityGuardsAuthTargets(t *testing.T) {
	s := storage.NewMemStore()
	rootSK, rootPK, err := security.Generate()
	require.NoError(t, err)
	lowSK, lowPK, err := security.Generate()
	require.NoError(t, err)

	root := putAuthGenesis(t, s, map[string]crdt.Node{
		"root_admin": keyRecord(security.EncodePublicKey(rootPK), "admin:1", "active"),
		"low_admin":  keyRecord(security.EncodePublicKey(lowPK), "admin:2", "active"),
	})

	v := NewValidator(s)

	revokeRoot := signedAuthEntry(t, root, []entry.ID{root}, map[string]crdt.Node{
		"root_admin": keyRecord(security.EncodePublicKey(rootPK), "admin:1", "revoked"),
	}, entry.KeyPath{{Key: "low_admin"}}, lowSK)
	err = v.Verify(root, revokeRoot)
	require.Error(t, err)
	kind, _ := eerr.KindOf(err)
	assert.Equal(t, eerr.KindInsufficientPermission, kind)

	revokeLow := signedAuthEntry(t, root, []entry.ID{root}, map[string]crdt.Node{
		"low_admin": keyRecord(security.EncodePublicKey(lowPK), "admin:2", "revoked"),
	}, entry.KeyPath{{Key: "root_admin"}}, rootSK)
	require.NoError(t, v.Verify(root, revokeLow))
}

// An admin cannot mint a key with more authority than its own.
func TestVerify_CannotGrantAboveOwnAuthority(t *testing.T) {
	s := storage.NewMemStore()
	lowSK, lowPK, err := security.Generate()
	require.NoError(t, err)
	_, newPK, err := security.Generate()
	require.NoError(t, err)

	root := putAuthGenesis(t, s, map[string]crdt.Node{
		"low_admin": keyRecord(security.EncodePublicKey(lowPK), "admin:5", "active"),
	})

	v := NewValidator(s)
	escalate := signedAuthEntry(t, root, []entry.ID{root}, map[string]crdt.Node{
		"super": keyRecord(security.EncodePublicKey(newPK), "admin:0", "active"),
	}, entry.KeyPath{{Key: "low_admin"}}, lowSK)

	err = v.Verify(root, escalate)
	require.Error(t, err)
	kind, _ := eerr.KindOf(err)
	assert.Equal(t, eerr.KindInsufficientPermission, kind)
}

func TestResolve_DepthExceeded(t *testing.T) {
	s := storage.NewMemStore()
	v := NewValidator(s)

	path := make(entry.KeyPath, MaxDelegationDepth+1)
	for i := range path {
		path[i] = entry.KeyPathElem{Key: fmt.Sprintf("hop%d", i), Tips: []entry.ID{"t"}, DB: "db"}
	}

	_, err := v.Resolve("root", nil, path)
	require.Error(t, err)
	kind, _ := eerr.KindOf(err)
	assert.Equal(t, eerr.KindDelegationDepthExceeded, kind)
}

func TestResolve_DelegationClampsPermission(t *testing.T) {
	s := storage.NewMemStore()
	_, pk, err := security.Generate()
	require.NoError(t, err)

	// Delegated database D holds an admin key.
	dRoot := putAuthGenesis(t, s, map[string]crdt.Node{
		"k_laptop": keyRecord(security.EncodePublicKey(pk), "admin:0", "active"),
	})

	// Main database delegates to D, bounded at write:15.
	mRoot := putAuthGenesis(t, s, map[string]crdt.Node{
		"alice@ex": delegationRecord("write:15", dRoot, []entry.ID{dRoot}),
	})

	v := NewValidator(s)
	res, err := v.Resolve(mRoot, []entry.ID{mRoot}, entry.KeyPath{
		{Key: "alice@ex", DB: dRoot, Tips: []entry.ID{dRoot}},
		{Key: "k_laptop"},
	})
	require.NoError(t, err)
	assert.Equal(t, Write, res.Permission.Kind)
	assert.Equal(t, uint32(15), res.Permission.Priority)
}

func TestResolve_DelegationMissingTips(t *testing.T) {
	s := storage.NewMemStore()
	_, pk, err := security.Generate()
	require.NoError(t, err)

	dRoot := putAuthGenesis(t, s, map[string]crdt.Node{
		"k": keyRecord(security.EncodePublicKey(pk), "write:5", "active"),
	})
	mRoot := putAuthGenesis(t, s, map[string]crdt.Node{
		"alice@ex": delegationRecord("write:15", dRoot, []entry.ID{dRoot}),
	})

	v := NewValidator(s)
	_, err = v.Resolve(mRoot, []entry.ID{mRoot}, entry.KeyPath{
		{Key: "alice@ex", DB: dRoot},
		{Key: "k"},
	})
	require.Error(t, err)
	kind, _ := eerr.KindOf(err)
	assert.Equal(t, eerr.KindDelegationTipsMissing, kind)
}

// S6: a write citing stale delegated tips after the node has observed a
// revocation at newer tips is rejected with RevokedAtLatestKnownTips.
func TestResolve_S6_RevocationRespectedAcrossDelegation(t *testing.T) {
	s := storage.NewMemStore()
	_, pk, err := security.Generate()
	require.NoError(t, err)

	d0 := putAuthGenesis(t, s, map[string]crdt.Node{
		"k_laptop": keyRecord(security.EncodePublicKey(pk), "write:5", "active"),
	})

	// D revokes k_laptop in a child entry d1.
	b := entry.NewBuilder(d0)
	b.AddParent(d0)
	b.AddStore("_settings", []entry.ID{d0}, settingsPayload(t, map[string]crdt.Node{
		"k_laptop": keyRecord(security.EncodePublicKey(pk), "write:5", "revoked"),
	}))
	b.AddStore("_index", []entry.ID{d0}, emptyPayload(t))
	rev, err := b.Finalize(1, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Put(rev))
	d1, err := entry.Identifier(rev)
	require.NoError(t, err)

	mRoot := putAuthGenesis(t, s, map[string]crdt.Node{
		"alice@ex": delegationRecord("write:15", d0, []entry.ID{d0}),
	})

	v := NewValidator(s)
	path := func(tips []entry.ID) entry.KeyPath {
		return entry.KeyPath{
			{Key: "alice@ex", DB: d0, Tips: tips},
			{Key: "k_laptop"},
		}
	}

	// First write citing d0 is accepted.
	_, err = v.Resolve(mRoot, []entry.ID{mRoot}, path([]entry.ID{d0}))
	require.NoError(t, err)

	// The node observes the revocation at d1.
	_, err = v.Resolve(mRoot, []entry.ID{mRoot}, path([]entry.ID{d1}))
	require.Error(t, err)

	// A later write still citing the stale d0 revalidates at the
	// observed d1 and is rejected.
	_, err = v.Resolve(mRoot, []entry.ID{mRoot}, path([]entry.ID{d0}))
	require.Error(t, err)
	kind, _ := eerr.KindOf(err)
	assert.Equal(t, eerr.KindRevokedAtLatestKnownTips, kind)
}
