// Package eerr defines the error taxonomy used throughout eidetica.
//
// Errors are organized by the module that raises them (storage, auth,
// transaction, crdt, sync) and are carried as *Error values, wrapped with
// fmt.Errorf's %w so that errors.As (and KindOf) see through to the *Error
// below. Kind names the specific failure; the top-level classifier
// functions (IsNotFound, IsPermissionDenied, IsValidationError,
// IsTransient) let callers pattern-match on behavior without depending on
// individual Kind values.
package eerr

import "errors"

// Kind categorizes an error by the taxonomy in the error handling design.
type Kind string

const (
	// Storage
	KindEntryNotFound Kind = "entry_not_found"
	KindParentMissing Kind = "parent_missing"
	KindDuplicatePut  Kind = "duplicate_put"
	KindStorageIO     Kind = "storage_io"

	// Auth
	KindKeyNotFound                   Kind = "key_not_found"
	KindKeyRevoked                    Kind = "key_revoked"
	KindInvalidKeyFormat              Kind = "invalid_key_format"
	KindSignatureVerificationFailed   Kind = "signature_verification_failed"
	KindInsufficientPermission        Kind = "insufficient_permission"
	KindDelegationDepthExceeded       Kind = "delegation_depth_exceeded"
	KindDelegationTipsMissing         Kind = "delegation_tips_missing"
	KindRevokedAtLatestKnownTips      Kind = "revoked_at_latest_known_tips"
	KindAuthCorrupted                 Kind = "auth_corrupted"

	// Transaction
	KindSettingsMoved      Kind = "settings_moved"
	KindStoreTypeMismatch  Kind = "store_type_mismatch"
	KindSerializationFailed Kind = "serialization_failed"
	KindHeightOverflow     Kind = "height_overflow"

	// CRDT
	KindPathTraversalThroughLeaf Kind = "path_traversal_through_leaf"
	KindTypeMismatch             Kind = "type_mismatch"

	// Sync
	KindNoTransportEnabled       Kind = "no_transport_enabled"
	KindPeerNotFound             Kind = "peer_not_found"
	KindHandshakeFailed          Kind = "handshake_failed"
	KindProtocolVersionMismatch  Kind = "protocol_version_mismatch"
	KindRequestTimeout           Kind = "request_timeout"
	KindBootstrapPending         Kind = "bootstrap_pending"
	KindBootstrapRejected        Kind = "bootstrap_rejected"
	KindTransportSendFailed      Kind = "transport_send_failed"
)

// Error is a classified eidetica error. Use errors.As to recover one from a
// wrapped chain.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a classified error with no underlying cause.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap constructs a classified error that wraps an underlying cause.
func Wrap(kind Kind, msg string, err error) error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, and ok=false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// BootstrapPendingError carries the request_id a caller needs to poll or
// present to an administrator for approval.
type BootstrapPendingError struct {
	RequestID string
}

func (e *BootstrapPendingError) Error() string {
	return "bootstrap request pending: " + e.RequestID
}

// IsNotFound reports whether err represents a missing entity (entry, key, or
// peer).
func IsNotFound(err error) bool {
	k, ok := KindOf(err)
	if !ok {
		return false
	}
	switch k {
	case KindEntryNotFound, KindParentMissing, KindKeyNotFound, KindPeerNotFound:
		return true
	default:
		return false
	}
}

// IsPermissionDenied reports whether err represents an authorization
// failure: insufficient permission, a revoked key, or a corrupted auth
// state that fails closed.
func IsPermissionDenied(err error) bool {
	k, ok := KindOf(err)
	if !ok {
		return false
	}
	switch k {
	case KindKeyRevoked, KindInsufficientPermission, KindDelegationDepthExceeded,
		KindDelegationTipsMissing, KindRevokedAtLatestKnownTips, KindAuthCorrupted,
		KindSignatureVerificationFailed:
		return true
	default:
		return false
	}
}

// IsValidationError reports whether err represents malformed input: bad key
// formats, store type mismatches, CRDT path errors, or serialization
// failures.
func IsValidationError(err error) bool {
	k, ok := KindOf(err)
	if !ok {
		return false
	}
	switch k {
	case KindInvalidKeyFormat, KindStoreTypeMismatch, KindSerializationFailed,
		KindHeightOverflow, KindPathTraversalThroughLeaf, KindTypeMismatch,
		KindDuplicatePut:
		return true
	default:
		return false
	}
}

// IsTransient reports whether err is likely to succeed if retried: timeouts,
// transport failures, storage I/O errors, and a commit rejected because the
// database's settings moved after the transaction began.
func IsTransient(err error) bool {
	k, ok := KindOf(err)
	if !ok {
		return false
	}
	switch k {
	case KindStorageIO, KindRequestTimeout, KindTransportSendFailed,
		KindNoTransportEnabled, KindHandshakeFailed, KindSettingsMoved:
		return true
	default:
		return false
	}
}

// IsBootstrapPending reports whether err is a BootstrapPendingError and
// returns its request ID.
func IsBootstrapPending(err error) (string, bool) {
	var bp *BootstrapPendingError
	if errors.As(err, &bp) {
		return bp.RequestID, true
	}
	return "", false
}
