package sync

import (
	"context"
	"crypto/ed25519"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcuru/eidetica/pkg/auth"
	"github.com/arcuru/eidetica/pkg/crdt"
	"github.com/arcuru/eidetica/pkg/eerr"
	"github.com/arcuru/eidetica/pkg/entry"
	"github.com/arcuru/eidetica/pkg/security"
	"github.com/arcuru/eidetica/pkg/storage"
	"github.com/arcuru/eidetica/pkg/transaction"
	"github.com/arcuru/eidetica/pkg/transport"
)

// memNetwork is an in-process wire: Send dispatches straight into the
// registered handler for the target address.
type memNetwork struct {
	mu       stdsync.Mutex
	handlers map[string]transport.Handler
}

func newMemNetwork() *memNetwork {
	return &memNetwork{handlers: make(map[string]transport.Handler)}
}

type memTransport struct {
	net *memNetwork
}

func (m *memTransport) Name() string          { return "mem" }
func (m *memTransport) Owns(addr string) bool { return len(addr) > 6 && addr[:6] == "mem://" }

func (m *memTransport) StartServer(_ context.Context, addr string, h transport.Handler) error {
	m.net.mu.Lock()
	defer m.net.mu.Unlock()
	m.net.handlers[addr] = h
	return nil
}

func (m *memTransport) StopServer() error { return nil }

func (m *memTransport) Send(ctx context.Context, addr string, req transport.Frame) (transport.Frame, error) {
	m.net.mu.Lock()
	h, ok := m.net.handlers[addr]
	m.net.mu.Unlock()
	if !ok {
		return transport.Frame{}, eerr.New(eerr.KindTransportSendFailed, "no listener at "+addr)
	}
	return h(ctx, "mem://caller", req)
}

// node bundles everything a simulated peer needs.
type node struct {
	store     *storage.MemStore
	validator *auth.Validator
	engine    *Engine
	pubkey    string
	addr      string
}

func newTestNode(t *testing.T, net *memNetwork, name string) *node {
	t.Helper()
	store := storage.NewMemStore()
	validator := auth.NewValidator(store)
	sk, pk, err := security.Generate()
	require.NoError(t, err)

	engine := NewEngine(Config{
		Store:      store,
		State:      NewMemState(),
		Validator:  validator,
		Registry:   transport.NewRegistry(&memTransport{net: net}),
		Keyring:    keyringFunc(func(string) (ed25519.PrivateKey, bool) { return sk, true }),
		DeviceID:   name,
		PrivateKey: sk,
		PublicKey:  pk,
	})
	engine.Start()
	t.Cleanup(func() { _ = engine.Shutdown() })

	addr := "mem://" + name
	require.NoError(t, engine.StartServer(addr))

	return &node{
		store:     store,
		validator: validator,
		engine:    engine,
		pubkey:    security.EncodePublicKey(pk),
		addr:      addr,
	}
}

// keyringFunc adapts a closure to the Keyring interface.
type keyringFunc func(name string) (ed25519.PrivateKey, bool)

func (f keyringFunc) SigningKey(name string) (ed25519.PrivateKey, bool) { return f(name) }

func newUnsignedDB(t *testing.T, n *node, name string) entry.ID {
	t.Helper()
	tx, err := transaction.Begin(n.store, n.validator, "")
	require.NoError(t, err)
	require.NoError(t, tx.Settings().SetName(name))
	id, err := tx.Commit()
	require.NoError(t, err)
	return id
}

func commitDoc(t *testing.T, n *node, root entry.ID, store, key, value string) entry.ID {
	t.Helper()
	tx, err := transaction.Begin(n.store, n.validator, root)
	require.NoError(t, err)
	doc, err := tx.Document(store)
	require.NoError(t, err)
	require.NoError(t, doc.Set([]string{key}, crdt.Text(value)))
	id, err := tx.Commit()
	require.NoError(t, err)
	return id
}

func tipsOf(t *testing.T, s storage.Store, root entry.ID) map[entry.ID]bool {
	t.Helper()
	tips, err := s.Tips(root)
	require.NoError(t, err)
	set := make(map[entry.ID]bool, len(tips))
	for _, id := range tips {
		set[id] = true
	}
	return set
}

func TestHandshake_RegistersPeerBothWays(t *testing.T) {
	net := newMemNetwork()
	a := newTestNode(t, net, "a")
	b := newTestNode(t, net, "b")

	require.NoError(t, a.engine.ConnectTo(b.addr))

	peer, err := a.engine.state.GetPeer(b.pubkey)
	require.NoError(t, err)
	assert.Equal(t, PeerActive, peer.Status)
	assert.Equal(t, "b", peer.DisplayName)

	// The server side registered the client as well.
	peer, err = b.engine.state.GetPeer(a.pubkey)
	require.NoError(t, err)
	assert.Equal(t, PeerActive, peer.Status)
	assert.Equal(t, "a", peer.DisplayName)
}

// S4 shape + P9: a stateless peer bootstraps an unsigned database and a
// bidirectional round leaves both tip sets equal.
func TestSync_BootstrapThenBidirectionalConvergence(t *testing.T) {
	net := newMemNetwork()
	a := newTestNode(t, net, "a")
	b := newTestNode(t, net, "b")

	root := newUnsignedDB(t, a, "shared")
	commitDoc(t, a, root, "notes", "from_a", "1")

	require.NoError(t, b.engine.AddPeer(a.pubkey, []string{a.addr}, "a"))
	require.NoError(t, b.engine.SyncWith(a.pubkey, root, ModeAuto))

	// Bootstrap delivered the full database.
	assert.Equal(t, tipsOf(t, a.store, root), tipsOf(t, b.store, root))

	// Divergent commits on both sides.
	commitDoc(t, a, root, "notes", "from_a", "2")
	commitDoc(t, b, root, "notes", "from_b", "1")

	// One incremental round reconciles both directions: B pulls A's
	// missing entries and reverse-pushes its own.
	require.NoError(t, b.engine.SyncWith(a.pubkey, root, ModeIncremental))

	assert.Equal(t, tipsOf(t, a.store, root), tipsOf(t, b.store, root))
	require.Len(t, tipsOf(t, a.store, root), 2)
}

// P8: replaying an already-synced database is a no-op.
func TestSync_ReplayIsIdempotent(t *testing.T) {
	net := newMemNetwork()
	a := newTestNode(t, net, "a")
	b := newTestNode(t, net, "b")

	root := newUnsignedDB(t, a, "shared")
	commitDoc(t, a, root, "notes", "k", "v")

	require.NoError(t, b.engine.AddPeer(a.pubkey, []string{a.addr}, "a"))
	require.NoError(t, b.engine.SyncWith(a.pubkey, root, ModeAuto))

	before, err := b.store.ListDatabaseEntries(root)
	require.NoError(t, err)

	require.NoError(t, b.engine.SyncWith(a.pubkey, root, ModeIncremental))

	after, err := b.store.ListDatabaseEntries(root)
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after))
}

type authRecord struct {
	PubKey      string `json:"pubkey"`
	Permissions string `json:"permissions"`
	Status      string `json:"status"`
}

// newSignedDB creates a database owned by an admin key named "admin"
// registered in the node's keyring.
func newSignedDB(t *testing.T, n *node, name string) entry.ID {
	t.Helper()
	sk, pk, err := security.Generate()
	require.NoError(t, err)

	// Rebind the engine keyring lookup to this admin key.
	n.engine.keyring = keyringFunc(func(keyName string) (ed25519.PrivateKey, bool) {
		if keyName == "admin" {
			return sk, true
		}
		return nil, false
	})

	tx, err := transaction.Begin(n.store, n.validator, "",
		transaction.WithSigningKey("admin", sk))
	require.NoError(t, err)
	require.NoError(t, tx.Settings().SetName(name))
	require.NoError(t, tx.Settings().SetAuthEntry("admin", authRecord{
		PubKey:      security.EncodePublicKey(pk),
		Permissions: "admin:0",
		Status:      "active",
	}))
	id, err := tx.Commit()
	require.NoError(t, err)
	return id
}

// S5: no wildcard, manual approval path.
func TestSync_S5_BootstrapApprovalFlow(t *testing.T) {
	net := newMemNetwork()
	a := newTestNode(t, net, "a")
	b := newTestNode(t, net, "b")

	root := newSignedDB(t, a, "private")

	require.NoError(t, b.engine.AddPeer(a.pubkey, []string{a.addr}, "a"))

	// First attempt parks a pending request.
	err := b.engine.SyncWith(a.pubkey, root, ModeAuto)
	require.Error(t, err)
	requestID, pending := eerr.IsBootstrapPending(err)
	require.True(t, pending)
	require.NotEmpty(t, requestID)

	reqs, err := a.engine.ListPending()
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, BootstrapPending, reqs[0].Status)

	// Admin approves; the grant commits a new auth entry.
	require.NoError(t, a.engine.Approve(requestID, "admin"))

	reqs, err = a.engine.ListPending()
	require.NoError(t, err)
	assert.Empty(t, reqs)

	// The requesting pubkey is now keyed, so the retry bootstraps.
	require.NoError(t, b.engine.SyncWith(a.pubkey, root, ModeAuto))
	assert.Equal(t, tipsOf(t, a.store, root), tipsOf(t, b.store, root))
}

func TestSync_RejectLeavesDatabaseUntouched(t *testing.T) {
	net := newMemNetwork()
	a := newTestNode(t, net, "a")
	b := newTestNode(t, net, "b")

	root := newSignedDB(t, a, "private")
	before, err := a.store.ListDatabaseEntries(root)
	require.NoError(t, err)

	require.NoError(t, b.engine.AddPeer(a.pubkey, []string{a.addr}, "a"))
	err = b.engine.SyncWith(a.pubkey, root, ModeAuto)
	requestID, pending := eerr.IsBootstrapPending(err)
	require.True(t, pending)

	require.NoError(t, a.engine.Reject(requestID, "admin"))

	after, err := a.store.ListDatabaseEntries(root)
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after))

	req, err := a.engine.state.GetBootstrapRequest(requestID)
	require.NoError(t, err)
	assert.Equal(t, BootstrapRejected, req.Status)
}

// S4: a wildcard key authorizes any stateless peer without mutating
// server state.
func TestSync_S4_WildcardBootstrap(t *testing.T) {
	net := newMemNetwork()
	a := newTestNode(t, net, "a")
	b := newTestNode(t, net, "b")

	sk, pk, err := security.Generate()
	require.NoError(t, err)
	tx, err := transaction.Begin(a.store, a.validator, "",
		transaction.WithSigningKey("owner", sk))
	require.NoError(t, err)
	require.NoError(t, tx.Settings().SetName("open"))
	require.NoError(t, tx.Settings().SetAuthEntry("owner", authRecord{
		PubKey:      security.EncodePublicKey(pk),
		Permissions: "admin:0",
		Status:      "active",
	}))
	require.NoError(t, tx.Settings().SetAuthEntry("*", authRecord{
		PubKey:      "*",
		Permissions: "write:10",
		Status:      "active",
	}))
	root, err := tx.Commit()
	require.NoError(t, err)

	before, err := a.store.ListDatabaseEntries(root)
	require.NoError(t, err)

	require.NoError(t, b.engine.AddPeer(a.pubkey, []string{a.addr}, "a"))
	require.NoError(t, b.engine.SyncWith(a.pubkey, root, ModeAuto))

	assert.Equal(t, tipsOf(t, a.store, root), tipsOf(t, b.store, root))

	// No new auth entry was committed on the server.
	after, err := a.store.ListDatabaseEntries(root)
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after))
}

func TestRetryQueue_BackoffAndDiscard(t *testing.T) {
	q := newRetryQueue(3)
	q.add("peer", "root", []entry.ID{"e1"}, eerr.New(eerr.KindTransportSendFailed, "down"))
	require.Equal(t, 1, q.depth())

	// Not due immediately.
	assert.Empty(t, q.due(time.Now()))
	require.Equal(t, 1, q.depth())

	// Due after the first backoff interval.
	ready := q.due(time.Now().Add(3 * time.Second))
	require.Len(t, ready, 1)
	assert.Equal(t, 0, q.depth())

	// Requeue until attempts are exhausted.
	item := ready[0]
	assert.True(t, q.requeue(item))  // attempt 2
	ready = q.due(time.Now().Add(10 * time.Second))
	require.Len(t, ready, 1)
	assert.True(t, q.requeue(ready[0])) // attempt 3
	ready = q.due(time.Now().Add(30 * time.Second))
	require.Len(t, ready, 1)
	assert.False(t, q.requeue(ready[0])) // attempt 4 > max, discarded
	assert.Equal(t, 0, q.depth())
}
