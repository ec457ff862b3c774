package sync

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/arcuru/eidetica/pkg/auth"
	"github.com/arcuru/eidetica/pkg/eerr"
	"github.com/arcuru/eidetica/pkg/entry"
	"github.com/arcuru/eidetica/pkg/events"
	"github.com/arcuru/eidetica/pkg/log"
	"github.com/arcuru/eidetica/pkg/metrics"
	"github.com/arcuru/eidetica/pkg/security"
	"github.com/arcuru/eidetica/pkg/storage"
	"github.com/arcuru/eidetica/pkg/transport"
)

// Timer cadence (spec'd) and channel sizing.
const (
	retryTickInterval   = 30 * time.Second
	resyncInterval      = 5 * time.Minute
	healthProbeInterval = 60 * time.Second
	commandBuffer       = 256
	shutdownDrainLimit  = 10 * time.Second
)

// SyncMode selects how SyncWith reconciles.
type SyncMode string

const (
	ModeAuto        SyncMode = "auto"
	ModeBootstrap   SyncMode = "bootstrap"
	ModeIncremental SyncMode = "incremental"
)

// Keyring resolves local signing keys by name; pkg/database.Instance
// implements it.
type Keyring interface {
	SigningKey(name string) (ed25519.PrivateKey, bool)
}

type cmdKind int

const (
	cmdQueue cmdKind = iota
	cmdAddPeer
	cmdRemovePeer
	cmdSyncWith
	cmdConnectTo
	cmdStartServer
	cmdStopServer
	cmdRegisterRelationship
	cmdShutdown
)

// command is one unit of work posted to the worker. reply, when non-nil,
// receives exactly one result.
type command struct {
	kind cmdKind

	root     entry.ID
	entryID  entry.ID
	peer     string
	address  string
	addrs    []string
	name     string
	mode     SyncMode
	rel      Relationship
	reply    chan error
}

// Engine is the background synchronization engine: one worker goroutine
// owns all network state; the exported methods only post commands.
type Engine struct {
	store     storage.Store
	state     StateStore
	validator *auth.Validator
	signer    security.Signer
	registry  *transport.Registry
	broker    *events.Broker
	keyring   Keyring

	deviceID string
	priv     ed25519.PrivateKey
	pub      ed25519.PublicKey

	approvalKeyName string

	cmdCh  chan command
	doneCh chan struct{}
	retry  *retryQueue

	logger zerolog.Logger
}

// Config assembles an Engine.
type Config struct {
	Store       storage.Store
	State       StateStore
	Validator   *auth.Validator
	Registry    *transport.Registry
	Broker      *events.Broker
	Keyring     Keyring
	DeviceID    string
	PrivateKey  ed25519.PrivateKey
	PublicKey   ed25519.PublicKey
	MaxAttempts int

	// ApprovalKeyName names the local admin key used to grant keys when
	// a database's bootstrap_auto_approve policy is enabled. Empty
	// disables automatic key grants.
	ApprovalKeyName string
}

// NewEngine creates an engine; call Start to launch the worker.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		store:     cfg.Store,
		state:     cfg.State,
		validator: cfg.Validator,
		registry:  cfg.Registry,
		broker:    cfg.Broker,
		keyring:   cfg.Keyring,
		deviceID:  cfg.DeviceID,
		priv:      cfg.PrivateKey,
		pub:       cfg.PublicKey,

		approvalKeyName: cfg.ApprovalKeyName,
		cmdCh:     make(chan command, commandBuffer),
		doneCh:    make(chan struct{}),
		retry:     newRetryQueue(cfg.MaxAttempts),
		logger:    log.WithComponent("sync"),
	}
}

// Start launches the background worker.
func (e *Engine) Start() {
	go e.run()
}

func (e *Engine) run() {
	defer close(e.doneCh)

	retryTick := time.NewTicker(retryTickInterval)
	resyncTick := time.NewTicker(resyncInterval)
	healthTick := time.NewTicker(healthProbeInterval)
	defer retryTick.Stop()
	defer resyncTick.Stop()
	defer healthTick.Stop()

	for {
		select {
		case cmd := <-e.cmdCh:
			if cmd.kind == cmdShutdown {
				e.drain(cmd)
				return
			}
			e.dispatch(cmd)
		case <-retryTick.C:
			e.processRetries()
		case <-resyncTick.C:
			e.periodicResync()
		case <-healthTick.C:
			e.probePeers()
		}
	}
}

// drain finishes queued commands up to a deadline, then replies to the
// shutdown and terminates. Pending replies left after the deadline get
// a cancellation error.
func (e *Engine) drain(shutdown command) {
	deadline := time.After(shutdownDrainLimit)
	for {
		select {
		case cmd := <-e.cmdCh:
			select {
			case <-deadline:
				e.replyTo(cmd, eerr.New(eerr.KindRequestTimeout, "sync engine shutting down"))
			default:
				e.dispatch(cmd)
			}
		default:
			e.replyTo(shutdown, nil)
			return
		}
	}
}

func (e *Engine) replyTo(cmd command, err error) {
	if cmd.reply != nil {
		cmd.reply <- err
	}
}

func (e *Engine) dispatch(cmd command) {
	var err error
	switch cmd.kind {
	case cmdQueue:
		err = e.doQueue(cmd.root, cmd.entryID, cmd.peer)
	case cmdAddPeer:
		err = e.doAddPeer(cmd.peer, cmd.addrs, cmd.name)
	case cmdRemovePeer:
		err = e.state.DeletePeer(cmd.peer)
	case cmdSyncWith:
		err = e.doSyncWith(cmd.peer, cmd.root, cmd.mode)
	case cmdConnectTo:
		err = e.doConnectTo(cmd.address)
	case cmdStartServer:
		err = e.doStartServer(cmd.address)
	case cmdStopServer:
		err = e.doStopServer()
	case cmdRegisterRelationship:
		err = e.state.PutRelationship(cmd.rel)
	}
	if err != nil {
		e.logger.Warn().Err(err).Int("kind", int(cmd.kind)).Msg("command failed")
	}
	e.replyTo(cmd, err)
}

// post submits a command without waiting for a result.
func (e *Engine) post(cmd command) error {
	select {
	case e.cmdCh <- cmd:
		return nil
	case <-e.doneCh:
		return eerr.New(eerr.KindNoTransportEnabled, "sync engine stopped")
	}
}

// postWait submits a command and waits for the worker's reply.
func (e *Engine) postWait(cmd command) error {
	cmd.reply = make(chan error, 1)
	if err := e.post(cmd); err != nil {
		return err
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-e.doneCh:
		// The worker may have replied just before terminating.
		select {
		case err := <-cmd.reply:
			return err
		default:
			return eerr.New(eerr.KindRequestTimeout, "sync engine stopped before replying")
		}
	}
}

// Queue schedules a freshly committed entry for delivery to a peer (or
// every sync-on-commit peer when peerPubkey is empty). Never blocks on
// the network.
func (e *Engine) Queue(root entry.ID, entryID entry.ID, peerPubkey string) error {
	return e.post(command{kind: cmdQueue, root: root, entryID: entryID, peer: peerPubkey})
}

// AddPeer registers a peer by pubkey and addresses.
func (e *Engine) AddPeer(pubkey string, addresses []string, displayName string) error {
	return e.postWait(command{kind: cmdAddPeer, peer: pubkey, addrs: addresses, name: displayName})
}

// RemovePeer forgets a peer.
func (e *Engine) RemovePeer(pubkey string) error {
	return e.postWait(command{kind: cmdRemovePeer, peer: pubkey})
}

// SyncWith reconciles one database with one peer.
func (e *Engine) SyncWith(peerPubkey string, root entry.ID, mode SyncMode) error {
	return e.postWait(command{kind: cmdSyncWith, peer: peerPubkey, root: root, mode: mode})
}

// ConnectTo performs a handshake with the node at address and registers
// it as a peer.
func (e *Engine) ConnectTo(address string) error {
	return e.postWait(command{kind: cmdConnectTo, address: address})
}

// StartServer begins accepting sync requests on address.
func (e *Engine) StartServer(address string) error {
	return e.postWait(command{kind: cmdStartServer, address: address})
}

// StopServer stops the transport server.
func (e *Engine) StopServer() error {
	return e.postWait(command{kind: cmdStopServer})
}

// RegisterRelationship configures ongoing sync between a peer and a
// database.
func (e *Engine) RegisterRelationship(peerPubkey string, root entry.ID, rel Relationship) error {
	rel.PeerPubkey = peerPubkey
	rel.DatabaseRoot = root
	return e.postWait(command{kind: cmdRegisterRelationship, rel: rel})
}

// Shutdown stops the worker after draining queued commands.
func (e *Engine) Shutdown() error {
	return e.postWait(command{kind: cmdShutdown})
}

// PeerCounts implements metrics.SyncSource.
func (e *Engine) PeerCounts() map[string]int {
	counts := make(map[string]int)
	peers, err := e.state.ListPeers()
	if err != nil {
		return counts
	}
	for _, p := range peers {
		counts[string(p.Status)]++
	}
	return counts
}

// RetryQueueDepth implements metrics.SyncSource. Approximate when read
// off-worker.
func (e *Engine) RetryQueueDepth() int {
	return e.retry.depth()
}

// PendingBootstrapRequests implements metrics.SyncSource.
func (e *Engine) PendingBootstrapRequests() int {
	reqs, err := e.state.ListBootstrapRequests(BootstrapPending)
	if err != nil {
		return 0
	}
	return len(reqs)
}

// ---- worker internals ----

func (e *Engine) doAddPeer(pubkey string, addresses []string, displayName string) error {
	peer, err := e.state.GetPeer(pubkey)
	if err != nil {
		peer = Peer{Pubkey: pubkey, Status: PeerActive}
	}
	for _, a := range addresses {
		peer.Addresses = appendUniqueAddr(peer.Addresses, a)
	}
	if displayName != "" {
		peer.DisplayName = displayName
	}
	peer.LastSeenMS = time.Now().UnixMilli()
	return e.state.PutPeer(peer)
}

func appendUniqueAddr(addrs []string, addr string) []string {
	for _, a := range addrs {
		if a == addr {
			return addrs
		}
	}
	return append(addrs, addr)
}

// doQueue delivers one committed entry. With an empty peer, it fans out
// to every relationship with sync_on_commit for the entry's database.
func (e *Engine) doQueue(root entry.ID, entryID entry.ID, peerPubkey string) error {
	if peerPubkey != "" {
		return e.pushTo(peerPubkey, root, []entry.ID{entryID})
	}

	rels, err := e.state.ListRelationships()
	if err != nil {
		return err
	}
	for _, rel := range rels {
		if rel.DatabaseRoot != root || !rel.SyncOnCommit {
			continue
		}
		// One peer's failure lands in the retry queue; others proceed.
		if err := e.pushTo(rel.PeerPubkey, root, []entry.ID{entryID}); err != nil {
			e.logger.Warn().Err(err).Str("peer", rel.PeerPubkey).Msg("queue push failed")
		}
	}
	return nil
}

// pushTo sends the given entries to a peer, falling back to the retry
// queue on failure.
func (e *Engine) pushTo(peerPubkey string, root entry.ID, ids []entry.ID) error {
	err := e.sendEntries(peerPubkey, root, ids)
	if err == nil {
		return nil
	}
	if isPermanent(err) {
		e.markInactive(peerPubkey)
		return err
	}
	e.retry.add(peerPubkey, root, ids, err)
	return nil
}

func isPermanent(err error) bool {
	kind, ok := eerr.KindOf(err)
	if !ok {
		return false
	}
	return kind == eerr.KindSignatureVerificationFailed || kind == eerr.KindProtocolVersionMismatch
}

func (e *Engine) markInactive(peerPubkey string) {
	peer, err := e.state.GetPeer(peerPubkey)
	if err != nil {
		return
	}
	peer.Status = PeerInactive
	_ = e.state.PutPeer(peer)
	e.publish(events.PeerDisconnected, "", peerPubkey, "peer marked inactive")
}

func (e *Engine) sendEntries(peerPubkey string, root entry.ID, ids []entry.ID) error {
	t, addr, err := e.routeFor(peerPubkey)
	if err != nil {
		return err
	}

	entriesByID := make(map[entry.ID]entry.Entry, len(ids))
	for _, id := range ids {
		ent, err := e.store.Get(id)
		if err != nil {
			return err
		}
		entriesByID[id] = ent
	}

	req := SendEntriesReq{DatabaseRoot: root, Entries: sortByHeight(entriesByID)}
	frame, err := transport.NewFrame(FrameSendEntries, req)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := t.Send(ctx, addr, frame)
	if err != nil {
		return err
	}
	if resp.Type != FrameSendEntriesResp {
		return respError(resp)
	}

	e.bumpCounters(peerPubkey, func(c *PeerCounters) { c.EntriesSent += int64(len(ids)) })
	metrics.EntriesSyncedTotal.WithLabelValues("sent").Add(float64(len(ids)))
	e.updateCursor(peerPubkey, root, lastOf(ids), len(ids))
	return nil
}

func lastOf(ids []entry.ID) entry.ID {
	if len(ids) == 0 {
		return ""
	}
	return ids[len(ids)-1]
}

// routeFor resolves the transport and address used to reach a peer.
func (e *Engine) routeFor(peerPubkey string) (transport.Transport, string, error) {
	peer, err := e.state.GetPeer(peerPubkey)
	if err != nil {
		return nil, "", err
	}
	if peer.Status == PeerBanned {
		return nil, "", eerr.New(eerr.KindPeerNotFound, "peer is banned: "+peerPubkey)
	}
	for _, addr := range peer.Addresses {
		t, err := e.registry.For(addr)
		if err == nil {
			return t, addr, nil
		}
	}
	return nil, "", eerr.New(eerr.KindNoTransportEnabled, "no usable address for peer "+peerPubkey)
}

// doSyncWith runs a full client-side reconciliation round with a peer.
func (e *Engine) doSyncWith(peerPubkey string, root entry.ID, mode SyncMode) error {
	timer := metrics.NewTimer()
	err := e.syncWith(peerPubkey, root, mode)
	timer.ObserveDurationVec(metrics.SyncRequestDuration, "sync_database")
	outcome := "success"
	if err != nil {
		outcome = "failure"
		e.bumpCounters(peerPubkey, func(c *PeerCounters) { c.SyncsFailed++ })
		e.publish(events.SyncFailed, string(root), peerPubkey, err.Error())
	} else {
		e.bumpCounters(peerPubkey, func(c *PeerCounters) { c.SyncsOK++ })
		e.publish(events.SyncCompleted, string(root), peerPubkey, "")
	}
	metrics.SyncRequestsTotal.WithLabelValues("sync_database", outcome).Inc()
	return err
}

func (e *Engine) syncWith(peerPubkey string, root entry.ID, mode SyncMode) error {
	t, addr, err := e.routeFor(peerPubkey)
	if err != nil {
		return err
	}

	ourTips, err := e.store.Tips(root)
	if err != nil && !eerr.IsNotFound(err) {
		return err
	}
	if mode == ModeBootstrap {
		ourTips = nil
	}

	req := SyncDatabaseReq{
		DatabaseRoot: root,
		OurTips:      ourTips,
		PeerPubkey:   security.EncodePublicKey(e.pub),
	}
	if len(ourTips) == 0 {
		// A stateless client always rides a bootstrap request along, so
		// the server can park it for approval when nothing else covers us.
		req.Bootstrap = &BootstrapRequestInfo{
			KeyName:             e.deviceID,
			Pubkey:              security.EncodePublicKey(e.pub),
			RequestedPermission: "write:10",
		}
	}
	frame, err := transport.NewFrame(FrameSyncDatabase, req)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := t.Send(ctx, addr, frame)
	if err != nil {
		return err
	}

	e.touchCursorAttempt(peerPubkey, root)

	switch resp.Type {
	case FrameBootstrapResp:
		var boot BootstrapResp
		if err := resp.Decode(&boot); err != nil {
			return err
		}
		ingested, err := e.Ingest(root, boot.Entries)
		if err != nil {
			return err
		}
		e.bumpCounters(peerPubkey, func(c *PeerCounters) { c.EntriesReceived += int64(ingested) })
		metrics.EntriesSyncedTotal.WithLabelValues("received").Add(float64(ingested))
		e.markCursorSuccess(peerPubkey, root, ingested)
		return nil

	case FrameIncrementalResp:
		var inc IncrementalResp
		if err := resp.Decode(&inc); err != nil {
			return err
		}
		ingested, err := e.Ingest(root, inc.Missing)
		if err != nil {
			return err
		}
		e.bumpCounters(peerPubkey, func(c *PeerCounters) { c.EntriesReceived += int64(ingested) })
		metrics.EntriesSyncedTotal.WithLabelValues("received").Add(float64(ingested))

		// Reverse push: whatever we hold that the peer's tips don't reach.
		theirs, err := e.reachableFrom(inc.TheirTips)
		if err != nil {
			return err
		}
		localTips, err := e.store.Tips(root)
		if err != nil {
			return err
		}
		ours, err := e.reachableFrom(localTips)
		if err != nil {
			return err
		}
		var missing []entry.ID
		for id := range ours {
			if !theirs[id] {
				missing = append(missing, id)
			}
		}
		if len(missing) > 0 {
			if err := e.sendEntries(peerPubkey, root, missing); err != nil {
				return err
			}
		}
		e.markCursorSuccess(peerPubkey, root, ingested+len(missing))
		return nil

	case FrameBootstrapPending:
		var pending BootstrapPendingResp
		if err := resp.Decode(&pending); err != nil {
			return err
		}
		return &eerr.BootstrapPendingError{RequestID: pending.RequestID}

	default:
		return respError(resp)
	}
}

// reachableFrom walks the main DAG from tips, returning every reachable
// entry id present in local storage.
func (e *Engine) reachableFrom(tips []entry.ID) (map[entry.ID]bool, error) {
	reachable := make(map[entry.ID]bool)
	queue := append([]entry.ID(nil), tips...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if reachable[id] {
			continue
		}
		ent, err := e.store.Get(id)
		if err != nil {
			if eerr.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		reachable[id] = true
		queue = append(queue, ent.Parents...)
	}
	return reachable, nil
}

// Ingest validates and persists entries received from a peer, in
// topologically sorted order (height ascending). Invalid entries are
// dropped; entries whose parents are absent are skipped and reported in
// the log (the caller back-requests by re-syncing). Replaying
// already-ingested entries is a no-op. Safe to call from transport
// goroutines: storage and validator handle their own locking.
func (e *Engine) Ingest(root entry.ID, batch []entry.Entry) (int, error) {
	sorted := make([]entry.Entry, len(batch))
	copy(sorted, batch)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Height < sorted[j].Height })

	byID := make(map[entry.ID]bool, len(sorted))
	for _, ent := range sorted {
		id, err := entry.Identifier(ent)
		if err == nil {
			byID[id] = true
		}
	}

	ingested := 0
	for _, ent := range sorted {
		id, err := entry.Identifier(ent)
		if err != nil {
			continue
		}

		if _, err := e.store.Get(id); err == nil {
			continue // idempotent replay
		}

		missingParent := false
		for _, p := range ent.Parents {
			if byID[p] {
				continue
			}
			if _, err := e.store.Get(p); err != nil {
				missingParent = true
				break
			}
		}
		if missingParent {
			e.logger.Debug().Str("entry", string(id)).Msg("parent missing, deferring to next sync round")
			continue
		}

		if err := e.validator.Verify(root, ent); err != nil {
			e.logger.Warn().Err(err).Str("entry", string(id)).Msg("dropping invalid entry")
			continue
		}

		if err := e.store.Put(ent, storage.DeferValidation()); err != nil {
			return ingested, err
		}
		ingested++
		e.publish(events.EntryIngested, string(root), "", string(id))
	}
	return ingested, nil
}

func sortByHeight(m map[entry.ID]entry.Entry) []entry.Entry {
	out := make([]entry.Entry, 0, len(m))
	for _, ent := range m {
		out = append(out, ent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Height < out[j].Height })
	return out
}

// doConnectTo handshakes with the node at address and registers it.
func (e *Engine) doConnectTo(address string) error {
	t, err := e.registry.For(address)
	if err != nil {
		return err
	}

	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return eerr.Wrap(eerr.KindHandshakeFailed, "generate challenge", err)
	}
	challenge := base64.StdEncoding.EncodeToString(nonce)

	sig, err := e.signer.Sign([]byte(challenge), e.priv)
	if err != nil {
		return eerr.Wrap(eerr.KindHandshakeFailed, "sign challenge", err)
	}

	req := HandshakeReq{
		ProtocolVersion: ProtocolVersion,
		DeviceID:        e.deviceID,
		Pubkey:          security.EncodePublicKey(e.pub),
		Challenge:       challenge,
		Signature:       sig,
		ListenAddresses: e.listenAddresses(),
	}
	frame, err := transport.NewFrame(FrameHandshake, req)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := t.Send(ctx, address, frame)
	if err != nil {
		return eerr.Wrap(eerr.KindHandshakeFailed, "handshake with "+address, err)
	}
	if resp.Type != FrameHandshakeResp {
		return respError(resp)
	}

	var hs HandshakeResp
	if err := resp.Decode(&hs); err != nil {
		return err
	}
	if hs.ProtocolVersion != ProtocolVersion {
		return eerr.New(eerr.KindProtocolVersionMismatch, "peer speaks a different protocol version")
	}

	peerPK, err := security.DecodePublicKey(hs.Pubkey)
	if err != nil {
		return eerr.Wrap(eerr.KindHandshakeFailed, "peer pubkey", err)
	}
	ok, err := e.signer.Verify([]byte(challenge), hs.CounterSignature, peerPK)
	if err != nil || !ok {
		return eerr.New(eerr.KindSignatureVerificationFailed, "peer counter-signature does not verify")
	}

	if err := e.doAddPeer(hs.Pubkey, []string{address}, hs.DeviceID); err != nil {
		return err
	}
	e.publish(events.PeerConnected, "", hs.Pubkey, address)
	return nil
}

func (e *Engine) listenAddresses() []string {
	var addrs []string
	for _, t := range e.registry.All() {
		if q, ok := t.(*transport.QUICTransport); ok {
			addrs = append(addrs, q.Identity().Addresses...)
		}
	}
	return addrs
}

func (e *Engine) doStartServer(address string) error {
	t, err := e.registry.For(address)
	if err != nil {
		// A bare host:port defaults to the HTTP transport.
		t, err = e.registry.ByName("http")
		if err != nil {
			return err
		}
	}
	return t.StartServer(context.Background(), address, e.Handle)
}

func (e *Engine) doStopServer() error {
	var firstErr error
	for _, t := range e.registry.All() {
		if err := t.StopServer(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// processRetries re-attempts every due batch.
func (e *Engine) processRetries() {
	for _, item := range e.retry.due(time.Now()) {
		err := e.sendEntries(item.peerPubkey, item.databaseRoot, item.entryIDs)
		if err == nil {
			continue
		}
		if isPermanent(err) {
			e.markInactive(item.peerPubkey)
			continue
		}
		if !e.retry.requeue(item) {
			e.bumpCounters(item.peerPubkey, func(c *PeerCounters) { c.SyncsFailed++ })
			e.logger.Warn().
				Err(item.firstError).
				Str("peer", item.peerPubkey).
				Int("attempts", item.attempts).
				Msg("retry batch discarded")
		}
	}
}

// periodicResync re-runs SyncWith for every relationship whose interval
// has elapsed.
func (e *Engine) periodicResync() {
	rels, err := e.state.ListRelationships()
	if err != nil {
		return
	}
	now := time.Now().UnixMilli()
	for _, rel := range rels {
		interval := int64(rel.IntervalSecs) * 1000
		if interval == 0 {
			interval = resyncInterval.Milliseconds()
		}
		cursor, ok, err := e.state.GetCursor(rel.PeerPubkey, rel.DatabaseRoot)
		if err == nil && ok && now-cursor.LastAttemptMS < interval {
			continue
		}
		if err := e.doSyncWith(rel.PeerPubkey, rel.DatabaseRoot, ModeAuto); err != nil {
			e.logger.Debug().Err(err).Str("peer", rel.PeerPubkey).Msg("periodic resync failed")
		}
	}
}

// probePeers checks connection health for active peers.
func (e *Engine) probePeers() {
	peers, err := e.state.ListPeers()
	if err != nil {
		return
	}
	for _, peer := range peers {
		if peer.Status != PeerActive {
			continue
		}
		if _, _, err := e.routeFor(peer.Pubkey); err != nil {
			e.markInactive(peer.Pubkey)
		}
	}
}

func (e *Engine) bumpCounters(peerPubkey string, f func(*PeerCounters)) {
	peer, err := e.state.GetPeer(peerPubkey)
	if err != nil {
		return
	}
	f(&peer.Counters)
	peer.LastSeenMS = time.Now().UnixMilli()
	_ = e.state.PutPeer(peer)
}

func (e *Engine) touchCursorAttempt(peerPubkey string, root entry.ID) {
	cursor, _, _ := e.state.GetCursor(peerPubkey, root)
	cursor.PeerPubkey = peerPubkey
	cursor.DatabaseRoot = root
	cursor.LastAttemptMS = time.Now().UnixMilli()
	_ = e.state.PutCursor(cursor)
}

func (e *Engine) markCursorSuccess(peerPubkey string, root entry.ID, count int) {
	cursor, _, _ := e.state.GetCursor(peerPubkey, root)
	cursor.PeerPubkey = peerPubkey
	cursor.DatabaseRoot = root
	cursor.TotalSyncedCount += int64(count)
	cursor.LastSuccessMS = time.Now().UnixMilli()
	_ = e.state.PutCursor(cursor)
}

func (e *Engine) updateCursor(peerPubkey string, root entry.ID, last entry.ID, count int) {
	cursor, _, _ := e.state.GetCursor(peerPubkey, root)
	cursor.PeerPubkey = peerPubkey
	cursor.DatabaseRoot = root
	if last != "" {
		cursor.LastSyncedEntry = last
	}
	cursor.TotalSyncedCount += int64(count)
	cursor.LastSuccessMS = time.Now().UnixMilli()
	_ = e.state.PutCursor(cursor)
}

func (e *Engine) publish(typ events.Type, root, peer, msg string) {
	if e.broker == nil {
		return
	}
	e.broker.Publish(&events.Event{Type: typ, Database: root, Peer: peer, Message: msg})
}

func respError(resp transport.Frame) error {
	if resp.Type == FrameError {
		var er ErrorResp
		if err := resp.Decode(&er); err == nil {
			return eerr.New(eerr.Kind(er.Kind), "peer error: "+er.Message)
		}
	}
	return eerr.New(eerr.KindTransportSendFailed, "unexpected response frame "+resp.Type)
}
