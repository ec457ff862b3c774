// Package sync implements the background synchronization engine: a
// single worker task reconciling database DAGs with peers over the
// pluggable transport layer, plus the wire protocol it speaks.
package sync

import (
	"github.com/arcuru/eidetica/pkg/entry"
)

// ProtocolVersion is bumped on incompatible wire changes. A mismatch is
// a permanent error: the peer is marked Inactive without retry.
const ProtocolVersion = 1

// Frame type tags.
const (
	FrameHandshake        = "handshake"
	FrameHandshakeResp    = "handshake_resp"
	FrameSyncDatabase     = "sync_database"
	FrameBootstrapPending = "bootstrap_pending"
	FrameBootstrapResp    = "bootstrap_resp"
	FrameIncrementalResp  = "incremental_resp"
	FrameSendEntries      = "send_entries"
	FrameSendEntriesResp  = "send_entries_resp"
	FrameError            = "error"
)

// HandshakeReq opens a peer relationship: the client proves possession
// of its keypair by signing the challenge nonce it generated.
type HandshakeReq struct {
	ProtocolVersion int      `json:"protocol_version"`
	DeviceID        string   `json:"device_id"`
	Pubkey          string   `json:"pubkey"`
	Challenge       string   `json:"challenge"`
	Signature       string   `json:"signature"`
	ListenAddresses []string `json:"listen_addresses,omitempty"`
}

// HandshakeResp counter-signs the client's challenge and issues one of
// its own for mutual verification.
type HandshakeResp struct {
	ProtocolVersion  int    `json:"protocol_version"`
	DeviceID         string `json:"device_id"`
	Pubkey           string `json:"pubkey"`
	CounterSignature string `json:"counter_signature"`
	CounterChallenge string `json:"counter_challenge"`
}

// BootstrapRequestInfo rides along a sync request from a peer holding no
// local state, asking to be granted a key on the target database.
type BootstrapRequestInfo struct {
	KeyName             string `json:"key_name"`
	Pubkey              string `json:"pubkey"`
	RequestedPermission string `json:"requested_permission"`
}

// SyncDatabaseReq asks a peer for the entries of one database the
// requester lacks. Empty OurTips signals a full bootstrap.
type SyncDatabaseReq struct {
	DatabaseRoot entry.ID              `json:"database_root"`
	OurTips      []entry.ID            `json:"our_tips"`
	PeerPubkey   string                `json:"peer_pubkey,omitempty"`
	Bootstrap    *BootstrapRequestInfo `json:"bootstrap_request,omitempty"`
}

// BootstrapPendingResp parks an unauthorized bootstrap for admin
// approval.
type BootstrapPendingResp struct {
	RequestID string `json:"request_id"`
}

// BootstrapResp transfers the full database to a freshly bootstrapping
// peer.
type BootstrapResp struct {
	DatabaseRoot entry.ID      `json:"database_root"`
	Entries      []entry.Entry `json:"all_entries"`
}

// IncrementalResp transfers the entries the requester is missing plus
// the responder's tips so the requester can compute the reverse push.
type IncrementalResp struct {
	Missing   []entry.Entry `json:"missing_entries"`
	TheirTips []entry.ID    `json:"their_tips"`
}

// SendEntriesReq pushes locally-held entries the peer lacks.
type SendEntriesReq struct {
	DatabaseRoot entry.ID      `json:"database_root"`
	Entries      []entry.Entry `json:"entries"`
}

// SendEntriesResp acknowledges a push.
type SendEntriesResp struct {
	Success bool `json:"success"`
}

// ErrorResp reports an application-level failure as a 200-status frame.
type ErrorResp struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
