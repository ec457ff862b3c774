// Package transaction implements the write path: a Tx captures a
// snapshot of a database's tips, lets store adapters stage deltas, and
// on Commit canonicalizes, signs, validates, and persists exactly one
// new entry. A dropped Tx persists nothing.
package transaction

import (
	"crypto/ed25519"
	"math"
	"sort"
	"time"

	"github.com/arcuru/eidetica/pkg/auth"
	"github.com/arcuru/eidetica/pkg/canonical"
	"github.com/arcuru/eidetica/pkg/crdt"
	"github.com/arcuru/eidetica/pkg/eerr"
	"github.com/arcuru/eidetica/pkg/entry"
	"github.com/arcuru/eidetica/pkg/log"
	"github.com/arcuru/eidetica/pkg/merge"
	"github.com/arcuru/eidetica/pkg/metrics"
	"github.com/arcuru/eidetica/pkg/security"
	"github.com/arcuru/eidetica/pkg/stores"
	"github.com/arcuru/eidetica/pkg/storage"
)

const (
	settingsStore = "_settings"
	indexStore    = "_index"
	rootStore     = "_root"

	// StrategyIncremental assigns max(parent heights)+1.
	StrategyIncremental = "incremental"
	// StrategyTimestamp assigns max(now_ms, max(parent heights)+1).
	StrategyTimestamp = "timestamp"
)

func isSystemStore(name string) bool {
	return name == settingsStore || name == indexStore || name == rootStore
}

// Callback is invoked once per successfully persisted entry. Panics and
// errors inside a callback are isolated and logged, never propagated.
type Callback func(id entry.ID, e entry.Entry)

// Option configures a Tx at Begin time.
type Option func(*Tx)

// WithSigningKey names the local key the commit will be signed with. A
// Tx without a signing key commits unsigned, which is only valid while
// the database's auth settings are empty.
func WithSigningKey(name string, sk ed25519.PrivateKey) Option {
	return func(tx *Tx) {
		tx.keyName = name
		tx.signingKey = sk
		tx.keyPath = entry.KeyPath{{Key: name}}
	}
}

// WithKeyPath overrides the signature's key descriptor with a full
// delegation path, for commits authorized through a delegated database.
func WithKeyPath(path entry.KeyPath, sk ed25519.PrivateKey) Option {
	return func(tx *Tx) {
		tx.keyPath = path
		tx.signingKey = sk
		if len(path) > 0 {
			tx.keyName = path[len(path)-1].Key
		}
	}
}

// WithCallbacks registers callbacks invoked after the entry persists.
func WithCallbacks(cbs ...Callback) Option {
	return func(tx *Tx) { tx.callbacks = append(tx.callbacks, cbs...) }
}

// Tx stages changes against a snapshot of a database and emits one
// signed entry at Commit. Tx implements stores.Stager.
type Tx struct {
	store     storage.Store
	validator *auth.Validator
	signer    security.Signer

	root     entry.ID // "" until a genesis commit resolves it
	mainTips []entry.ID

	storeTips map[string][]entry.ID
	base      map[string]crdt.Node
	staged    map[string]crdt.Node
	regged    map[string]bool

	settingsTips []entry.ID
	authSnapshot []byte // canonical bytes of _settings.auth at Begin

	keyName    string
	keyPath    entry.KeyPath
	signingKey ed25519.PrivateKey
	callbacks  []Callback

	committed bool
}

// Begin opens a transaction against the database rooted at root,
// capturing its current main tips and settings snapshot. Pass root=""
// to stage the genesis entry of a new database.
func Begin(store storage.Store, validator *auth.Validator, root entry.ID, opts ...Option) (*Tx, error) {
	tx := &Tx{
		store:     store,
		validator: validator,
		root:      root,
		storeTips: make(map[string][]entry.ID),
		base:      make(map[string]crdt.Node),
		staged:    make(map[string]crdt.Node),
		regged:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(tx)
	}

	if root != "" {
		tips, err := store.Tips(root)
		if err != nil {
			return nil, err
		}
		tx.mainTips = tips

		settingsTips, err := store.StoreTips(root, settingsStore)
		if err != nil {
			return nil, err
		}
		tx.settingsTips = settingsTips

		snap, err := authSnapshotAt(store, root, settingsTips)
		if err != nil {
			return nil, err
		}
		tx.authSnapshot = snap
	}

	return tx, nil
}

// authSnapshotAt materializes _settings.auth at the given tips and
// returns its canonical bytes, used to detect semantically relevant
// settings movement at commit time.
func authSnapshotAt(store storage.Store, root entry.ID, tips []entry.ID) ([]byte, error) {
	node, err := merge.View(store, root, settingsStore, tips)
	if err != nil {
		return nil, err
	}
	authNode, ok, err := crdt.GetPath(node, []string{"auth"})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return canonical.Marshal(authNode)
}

// ensureBase materializes the snapshot state of store on first touch.
func (tx *Tx) ensureBase(store string) (crdt.Node, error) {
	if node, ok := tx.base[store]; ok {
		return node, nil
	}

	if tx.root == "" {
		node := crdt.Map(nil)
		tx.base[store] = node
		tx.storeTips[store] = nil
		return node, nil
	}

	tips, err := tx.store.StoreTips(tx.root, store)
	if err != nil {
		return crdt.Node{}, err
	}
	tx.storeTips[store] = tips

	node, err := merge.View(tx.store, tx.root, store, tips)
	if err != nil {
		return crdt.Node{}, err
	}
	tx.base[store] = node
	return node, nil
}

// Get returns the store's current state as seen by this transaction:
// the snapshot plus anything already staged.
func (tx *Tx) Get(store string) (crdt.Node, error) {
	if node, ok := tx.staged[store]; ok {
		return node, nil
	}
	return tx.ensureBase(store)
}

// Stage records node as the store's new state within this transaction.
func (tx *Tx) Stage(store string, node crdt.Node) error {
	if tx.committed {
		return eerr.New(eerr.KindStoreTypeMismatch, "transaction already committed")
	}
	if _, err := tx.ensureBase(store); err != nil {
		return err
	}
	tx.staged[store] = node
	return nil
}

// EnsureRegistered records {typ, defaultConfig} into _index the first
// time a user store is materialized in this transaction. Registering
// the same store under a different type fails with StoreTypeMismatch.
func (tx *Tx) EnsureRegistered(store string, typ stores.TypeID, defaultConfig string) error {
	if isSystemStore(store) || tx.regged[store] {
		return nil
	}

	ix := stores.NewIndex(tx)
	existing, ok, err := ix.Lookup(store)
	if err != nil {
		return err
	}
	if ok {
		if existing.Type != typ {
			return eerr.New(eerr.KindStoreTypeMismatch,
				"store "+store+" is registered as "+string(existing.Type)+", not "+string(typ))
		}
		tx.regged[store] = true
		return nil
	}

	if err := ix.Register(store, typ, defaultConfig); err != nil {
		return err
	}
	tx.regged[store] = true

	// I3: the entry that writes _index[store] must carry a node for the
	// store itself, so make sure it is at least touched.
	if _, err := tx.ensureBase(store); err != nil {
		return err
	}
	return nil
}

// Document materializes a Document adapter over this transaction.
func (tx *Tx) Document(store string) (*stores.Document, error) {
	return stores.NewDocument(tx, store)
}

// Table materializes a Table adapter over this transaction.
func (tx *Tx) Table(store string) (*stores.Table, error) {
	return stores.NewTable(tx, store)
}

// Settings materializes the _settings adapter over this transaction.
func (tx *Tx) Settings() *stores.Settings {
	return stores.NewSettings(tx)
}

// Index materializes the _index adapter over this transaction.
func (tx *Tx) Index() *stores.Index {
	return stores.NewIndex(tx)
}

// heightStrategy resolves the strategy for a store: per-store override
// from _index if present, otherwise the database-level setting.
func (tx *Tx) heightStrategy(store string) (string, error) {
	dbStrategy, err := tx.Settings().HeightStrategy()
	if err != nil {
		return "", err
	}
	if isSystemStore(store) {
		return dbStrategy, nil
	}

	ix := stores.NewIndex(tx)
	reg, ok, err := ix.Lookup(store)
	if err != nil || !ok {
		return dbStrategy, err
	}
	if reg.Settings != nil && reg.Settings.HeightStrategy != "" {
		return reg.Settings.HeightStrategy, nil
	}
	return dbStrategy, nil
}

// computeHeight applies a strategy over the heights of the given parents.
func computeHeight(strategy string, parentHeights []int64) (int64, error) {
	var maxParent int64 = -1
	for _, h := range parentHeights {
		if h > maxParent {
			maxParent = h
		}
	}
	if maxParent == math.MaxInt64 {
		return 0, eerr.New(eerr.KindHeightOverflow, "parent height at maximum")
	}

	h := maxParent + 1
	if strategy == StrategyTimestamp {
		if now := time.Now().UnixMilli(); now > h {
			h = now
		}
	}
	return h, nil
}

// checkAuthIntact enforces the fail-safe proactive rule: a staged
// _settings state whose auth key is a non-document value, or a
// tombstone while the database is in signed mode, aborts the commit
// before any entry is produced.
func (tx *Tx) checkAuthIntact() error {
	staged, ok := tx.staged[settingsStore]
	if !ok {
		return nil
	}
	if staged.Kind != crdt.KindMap {
		return eerr.New(eerr.KindAuthCorrupted, "_settings must be a document")
	}

	authNode, present := staged.Map["auth"]
	if !present {
		return nil
	}

	signedMode := len(tx.authSnapshot) > 0
	switch authNode.Kind {
	case crdt.KindMap:
		return nil
	case crdt.KindTombstone:
		if signedMode {
			return eerr.New(eerr.KindAuthCorrupted, "_settings.auth cannot be deleted in signed mode")
		}
		return nil
	default:
		return eerr.New(eerr.KindAuthCorrupted, "_settings.auth must be a document, not a scalar")
	}
}

// Commit serializes staged deltas, computes heights, builds and signs
// the entry, validates it, persists it, and runs callbacks. On any
// failure before persistence, storage and tip caches are untouched.
func (tx *Tx) Commit() (entry.ID, error) {
	timer := metrics.NewTimer()
	id, err := tx.commit()
	timer.ObserveDuration(metrics.CommitDuration)
	if err != nil {
		metrics.CommitsTotal.WithLabelValues("failure").Inc()
		return "", err
	}
	metrics.CommitsTotal.WithLabelValues("success").Inc()
	return id, nil
}

func (tx *Tx) commit() (entry.ID, error) {
	if tx.committed {
		return "", eerr.New(eerr.KindStoreTypeMismatch, "transaction already committed")
	}
	if len(tx.staged) == 0 {
		return "", eerr.New(eerr.KindSerializationFailed, "nothing staged")
	}

	if err := tx.checkAuthIntact(); err != nil {
		return "", err
	}

	if tx.keyName == "" && len(tx.authSnapshot) > 0 {
		return "", eerr.New(eerr.KindAuthCorrupted, "unsigned commit against a database in signed mode")
	}

	strategy, err := tx.heightStrategy(settingsStore)
	if err != nil {
		return "", err
	}

	parentHeights, err := tx.entryHeights(tx.mainTips, "")
	if err != nil {
		return "", err
	}
	treeHeight, err := computeHeight(strategy, parentHeights)
	if err != nil {
		return "", err
	}

	nodes, err := tx.buildStoreNodes(treeHeight)
	if err != nil {
		return "", err
	}

	builder := entry.NewBuilder(tx.root)
	for _, p := range tx.mainTips {
		builder.AddParent(p)
	}
	for _, sn := range nodes {
		builder.AddStoreNode(sn)
	}
	if tx.root != "" {
		tipsJSON, err := auth.EncodeSettingsTips(tx.settingsTips)
		if err != nil {
			return "", err
		}
		builder.SetMeta("settings_tips", tipsJSON)
	}

	e, err := builder.Finalize(treeHeight, tx.signer, tx.keyPath, tx.signingKey)
	if err != nil {
		return "", err
	}

	root := tx.root
	if root == "" {
		root = e.Root
	}

	if err := tx.validator.Verify(root, e); err != nil {
		return "", err
	}

	if err := tx.checkSettingsMoved(); err != nil {
		return "", err
	}

	if err := tx.store.Put(e); err != nil {
		return "", err
	}
	tx.committed = true

	id, err := entry.Identifier(e)
	if err != nil {
		return "", err
	}

	tx.runCallbacks(id, e)
	return id, nil
}

// buildStoreNodes serializes every staged store's delta, emits
// payload-absent nodes for stores touched without changes (I3), and
// computes per-store heights.
func (tx *Tx) buildStoreNodes(treeHeight int64) ([]entry.StoreNode, error) {
	touched := make([]string, 0, len(tx.base))
	for name := range tx.base {
		touched = append(touched, name)
	}
	sort.Strings(touched)

	hasIndex := false
	nodes := make([]entry.StoreNode, 0, len(touched)+1)

	for _, name := range touched {
		sn := entry.StoreNode{Name: name, Parents: tx.storeTips[name]}

		if staged, ok := tx.staged[name]; ok {
			delta, changed := crdt.Diff(tx.base[name], staged)
			if changed {
				var payload string
				if delta.Kind == crdt.KindTombstone {
					payload = "" // explicit whole-store tombstone
				} else {
					p, err := merge.MarshalPayload(delta)
					if err != nil {
						return nil, err
					}
					payload = p
				}
				sn.Payload = &payload
			}
		}

		strategy, err := tx.heightStrategy(name)
		if err != nil {
			return nil, err
		}
		parentHeights, err := tx.entryHeights(tx.storeTips[name], name)
		if err != nil {
			return nil, err
		}
		storeHeight, err := computeHeight(strategy, parentHeights)
		if err != nil {
			return nil, err
		}
		if storeHeight != treeHeight {
			h := storeHeight
			sn.Height = &h
		}

		if name == indexStore {
			hasIndex = true
		}
		nodes = append(nodes, sn)
	}

	if !hasIndex {
		tips, err := tx.indexTips()
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, entry.StoreNode{Name: indexStore, Parents: tips})
	}

	return nodes, nil
}

func (tx *Tx) indexTips() ([]entry.ID, error) {
	if tx.root == "" {
		return nil, nil
	}
	return tx.store.StoreTips(tx.root, indexStore)
}

// entryHeights fetches the heights contributed by the given parent
// entries: the store-node height for store-level parents, the entry
// height for main-DAG parents (store == "").
func (tx *Tx) entryHeights(parents []entry.ID, store string) ([]int64, error) {
	heights := make([]int64, 0, len(parents))
	for _, id := range parents {
		e, err := tx.store.Get(id)
		if err != nil {
			return nil, err
		}
		h := e.Height
		if store != "" {
			for _, sn := range e.Stores {
				if sn.Name == store && sn.Height != nil {
					h = *sn.Height
				}
			}
		}
		heights = append(heights, h)
	}
	return heights, nil
}

// checkSettingsMoved revalidates the settings snapshot against the
// store's live settings tips. Movement is only an error when it is
// semantically relevant: the materialized auth state changed.
func (tx *Tx) checkSettingsMoved() error {
	if tx.root == "" {
		return nil
	}
	current, err := tx.store.StoreTips(tx.root, settingsStore)
	if err != nil {
		return err
	}
	if sameTips(current, tx.settingsTips) {
		return nil
	}

	snap, err := authSnapshotAt(tx.store, tx.root, current)
	if err != nil {
		return err
	}
	if string(snap) != string(tx.authSnapshot) {
		return eerr.New(eerr.KindSettingsMoved, "settings advanced since the snapshot was taken")
	}
	return nil
}

func (tx *Tx) runCallbacks(id entry.ID, e entry.Entry) {
	logger := log.WithComponent("transaction")
	for _, cb := range tx.callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					metrics.CallbackErrorsTotal.Inc()
					logger.Error().Interface("panic", r).Str("entry", string(id)).Msg("commit callback panicked")
				}
			}()
			cb(id, e)
		}()
	}
}

func sameTips(a, b []entry.ID) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[entry.ID]bool, len(a))
	for _, id := range a {
		seen[id] = true
	}
	for _, id := range b {
		if !seen[id] {
			return false
		}
	}
	return true
}
