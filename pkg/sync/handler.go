package sync

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/google/uuid"

	"github.com/arcuru/eidetica/pkg/auth"
	"github.com/arcuru/eidetica/pkg/crdt"
	"github.com/arcuru/eidetica/pkg/eerr"
	"github.com/arcuru/eidetica/pkg/entry"
	"github.com/arcuru/eidetica/pkg/events"
	"github.com/arcuru/eidetica/pkg/merge"
	"github.com/arcuru/eidetica/pkg/metrics"
	"github.com/arcuru/eidetica/pkg/security"
	"github.com/arcuru/eidetica/pkg/transport"
)

// Handle is the server side of the sync protocol, dispatched by every
// transport this engine serves on. It runs on transport goroutines, not
// the worker: it only touches storage, the validator, and the state
// store, all of which handle their own locking.
func (e *Engine) Handle(ctx context.Context, remoteAddr string, req transport.Frame) (transport.Frame, error) {
	timer := metrics.NewTimer()
	resp, err := e.handle(ctx, remoteAddr, req)
	timer.ObserveDurationVec(metrics.SyncRequestDuration, req.Type)

	if err != nil {
		metrics.SyncRequestsTotal.WithLabelValues(req.Type, "failure").Inc()
		kind, _ := eerr.KindOf(err)
		return transport.NewFrame(FrameError, ErrorResp{Kind: string(kind), Message: err.Error()})
	}
	metrics.SyncRequestsTotal.WithLabelValues(req.Type, "success").Inc()
	return resp, nil
}

func (e *Engine) handle(ctx context.Context, remoteAddr string, req transport.Frame) (transport.Frame, error) {
	switch req.Type {
	case FrameHandshake:
		return e.handleHandshake(remoteAddr, req)
	case FrameSyncDatabase:
		return e.handleSyncDatabase(remoteAddr, req)
	case FrameSendEntries:
		return e.handleSendEntries(req)
	default:
		return transport.Frame{}, eerr.New(eerr.KindProtocolVersionMismatch, "unknown frame type "+req.Type)
	}
}

func (e *Engine) handleHandshake(remoteAddr string, req transport.Frame) (transport.Frame, error) {
	var hs HandshakeReq
	if err := req.Decode(&hs); err != nil {
		return transport.Frame{}, err
	}
	if hs.ProtocolVersion != ProtocolVersion {
		return transport.Frame{}, eerr.New(eerr.KindProtocolVersionMismatch, "client speaks a different protocol version")
	}

	clientPK, err := security.DecodePublicKey(hs.Pubkey)
	if err != nil {
		return transport.Frame{}, eerr.Wrap(eerr.KindHandshakeFailed, "client pubkey", err)
	}
	ok, err := e.signer.Verify([]byte(hs.Challenge), hs.Signature, clientPK)
	if err != nil || !ok {
		return transport.Frame{}, eerr.New(eerr.KindSignatureVerificationFailed, "client challenge signature does not verify")
	}

	// Register the client using its advertised addresses plus the
	// address the transport actually saw it on.
	addrs := append([]string(nil), hs.ListenAddresses...)
	if remoteAddr != "" {
		addrs = append(addrs, remoteAddr)
	}
	if err := e.doAddPeer(hs.Pubkey, addrs, hs.DeviceID); err != nil {
		return transport.Frame{}, err
	}
	e.publish(events.PeerConnected, "", hs.Pubkey, remoteAddr)

	counterSig, err := e.signer.Sign([]byte(hs.Challenge), e.priv)
	if err != nil {
		return transport.Frame{}, eerr.Wrap(eerr.KindHandshakeFailed, "counter-sign challenge", err)
	}

	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return transport.Frame{}, eerr.Wrap(eerr.KindHandshakeFailed, "generate counter challenge", err)
	}

	return transport.NewFrame(FrameHandshakeResp, HandshakeResp{
		ProtocolVersion:  ProtocolVersion,
		DeviceID:         e.deviceID,
		Pubkey:           security.EncodePublicKey(e.pub),
		CounterSignature: counterSig,
		CounterChallenge: base64.StdEncoding.EncodeToString(nonce),
	})
}

func (e *Engine) handleSyncDatabase(remoteAddr string, req transport.Frame) (transport.Frame, error) {
	var sync SyncDatabaseReq
	if err := req.Decode(&sync); err != nil {
		return transport.Frame{}, err
	}

	if len(sync.OurTips) == 0 {
		return e.handleBootstrap(remoteAddr, sync)
	}
	return e.handleIncremental(sync)
}

// handleBootstrap decides whether a stateless client may receive the
// full database, and parks the request for admin approval when not.
func (e *Engine) handleBootstrap(remoteAddr string, sync SyncDatabaseReq) (transport.Frame, error) {
	authorized, err := e.bootstrapAuthorized(sync)
	if err != nil {
		return transport.Frame{}, err
	}

	if !authorized {
		request := BootstrapRequest{
			RequestID:        uuid.New().String(),
			DatabaseRoot:     sync.DatabaseRoot,
			RequestingPubkey: sync.PeerPubkey,
			PeerAddress:      remoteAddr,
			TimestampMS:      time.Now().UnixMilli(),
			Status:           BootstrapPending,
		}
		if sync.Bootstrap != nil {
			request.RequestingPubkey = sync.Bootstrap.Pubkey
			request.RequestingKeyName = sync.Bootstrap.KeyName
			request.RequestedPermission = sync.Bootstrap.RequestedPermission
		}
		if err := e.state.PutBootstrapRequest(request); err != nil {
			return transport.Frame{}, err
		}
		e.publish(events.BootstrapRequested, string(sync.DatabaseRoot), request.RequestingPubkey, request.RequestID)
		return transport.NewFrame(FrameBootstrapPending, BootstrapPendingResp{RequestID: request.RequestID})
	}

	all, err := e.allEntries(sync.DatabaseRoot)
	if err != nil {
		return transport.Frame{}, err
	}
	return transport.NewFrame(FrameBootstrapResp, BootstrapResp{
		DatabaseRoot: sync.DatabaseRoot,
		Entries:      all,
	})
}

// bootstrapAuthorized checks, in order: an unsigned-mode database (no
// auth at all), a wildcard key covering any signer, the requesting key
// already present in auth, and the auto-approve policy.
func (e *Engine) bootstrapAuthorized(sync SyncDatabaseReq) (bool, error) {
	tips, err := e.store.StoreTips(sync.DatabaseRoot, "_settings")
	if err != nil {
		return false, err
	}
	settings, err := merge.View(e.store, sync.DatabaseRoot, "_settings", tips)
	if err != nil {
		return false, err
	}

	authNode, ok, err := crdt.GetPath(settings, []string{"auth"})
	if err != nil {
		return false, err
	}
	state, err := auth.DecodeState(authNode, ok)
	if err != nil {
		return false, err
	}

	// Unsigned-mode databases have nothing to protect with keys.
	if len(state.Keys) == 0 && len(state.Delegations) == 0 {
		return true, nil
	}

	if wild, ok := state.Keys["*"]; ok && wild.PubKey == "*" && wild.Status == auth.StatusActive {
		return true, nil
	}

	requesting := sync.PeerPubkey
	if sync.Bootstrap != nil {
		requesting = sync.Bootstrap.Pubkey
	}
	for _, key := range state.Keys {
		if key.PubKey == requesting && key.Status == auth.StatusActive {
			return true, nil
		}
	}

	if sync.Bootstrap != nil {
		autoApprove, _, err := e.policyAutoApprove(sync.DatabaseRoot, settings)
		if err != nil {
			return false, err
		}
		if autoApprove {
			e.autoGrant(sync.DatabaseRoot, *sync.Bootstrap)
			return true, nil
		}
	}

	return false, nil
}

func (e *Engine) policyAutoApprove(root entry.ID, settings crdt.Node) (bool, crdt.Node, error) {
	node, ok, err := crdt.GetPath(settings, []string{"policy", "bootstrap_auto_approve"})
	if err != nil || !ok {
		return false, settings, err
	}
	switch node.Kind {
	case crdt.KindBool:
		return node.Bool, settings, nil
	case crdt.KindText:
		return node.Text == "true", settings, nil
	default:
		return false, settings, nil
	}
}

// autoGrant writes the requesting key into auth under the configured
// approval key. Best effort: a failure leaves the database readable via
// the bootstrap response but the peer unkeyed.
func (e *Engine) autoGrant(root entry.ID, info BootstrapRequestInfo) {
	if e.approvalKeyName == "" {
		return
	}
	if err := e.grantKey(root, e.approvalKeyName, info.KeyName, info.Pubkey, info.RequestedPermission); err != nil {
		e.logger.Warn().Err(err).Str("key", info.KeyName).Msg("auto-approve key grant failed")
	}
}

func (e *Engine) handleIncremental(sync SyncDatabaseReq) (transport.Frame, error) {
	serverTips, err := e.store.Tips(sync.DatabaseRoot)
	if err != nil {
		return transport.Frame{}, err
	}

	ours, err := e.reachableFrom(serverTips)
	if err != nil {
		return transport.Frame{}, err
	}
	theirs, err := e.reachableFrom(sync.OurTips)
	if err != nil {
		return transport.Frame{}, err
	}

	missing := make(map[entry.ID]entry.Entry)
	for id := range ours {
		if theirs[id] {
			continue
		}
		ent, err := e.store.Get(id)
		if err != nil {
			return transport.Frame{}, err
		}
		missing[id] = ent
	}

	return transport.NewFrame(FrameIncrementalResp, IncrementalResp{
		Missing:   sortByHeight(missing),
		TheirTips: serverTips,
	})
}

func (e *Engine) handleSendEntries(req transport.Frame) (transport.Frame, error) {
	var push SendEntriesReq
	if err := req.Decode(&push); err != nil {
		return transport.Frame{}, err
	}

	ingested, err := e.Ingest(push.DatabaseRoot, push.Entries)
	if err != nil {
		return transport.Frame{}, err
	}
	metrics.EntriesSyncedTotal.WithLabelValues("received").Add(float64(ingested))

	return transport.NewFrame(FrameSendEntriesResp, SendEntriesResp{Success: true})
}

// allEntries returns every entry of a database reachable from its
// current tips, sorted by height for ingestion order.
func (e *Engine) allEntries(root entry.ID) ([]entry.Entry, error) {
	tips, err := e.store.Tips(root)
	if err != nil {
		return nil, err
	}
	reachable, err := e.reachableFrom(tips)
	if err != nil {
		return nil, err
	}
	byID := make(map[entry.ID]entry.Entry, len(reachable))
	for id := range reachable {
		ent, err := e.store.Get(id)
		if err != nil {
			return nil, err
		}
		byID[id] = ent
	}
	return sortByHeight(byID), nil
}
