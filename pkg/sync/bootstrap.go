package sync

import (
	"time"

	"github.com/arcuru/eidetica/pkg/auth"
	"github.com/arcuru/eidetica/pkg/eerr"
	"github.com/arcuru/eidetica/pkg/entry"
	"github.com/arcuru/eidetica/pkg/events"
	"github.com/arcuru/eidetica/pkg/transaction"
)

// authKeyRecord is the wire shape written into _settings.auth for a
// granted key.
type authKeyRecord struct {
	PubKey      string `json:"pubkey"`
	Permissions string `json:"permissions"`
	Status      string `json:"status"`
}

// ListPending returns every bootstrap request awaiting a decision.
func (e *Engine) ListPending() ([]BootstrapRequest, error) {
	return e.state.ListBootstrapRequests(BootstrapPending)
}

// Approve grants the requesting key on the target database, signed by
// the named approving key, and records the decision. The approving key
// must hold Admin permission on the database; this is checked
// explicitly, not left to commit-time validation.
func (e *Engine) Approve(requestID, approvingKeyName string) error {
	request, err := e.state.GetBootstrapRequest(requestID)
	if err != nil {
		return err
	}
	if request.Status != BootstrapPending {
		return eerr.New(eerr.KindBootstrapRejected, "bootstrap request already decided: "+requestID)
	}

	if err := e.grantKey(request.DatabaseRoot, approvingKeyName,
		request.RequestingKeyName, request.RequestingPubkey, request.RequestedPermission); err != nil {
		return err
	}

	request.Status = BootstrapApproved
	request.DecidedBy = approvingKeyName
	request.DecidedAtMS = time.Now().UnixMilli()
	if err := e.state.PutBootstrapRequest(request); err != nil {
		return err
	}
	e.publish(events.BootstrapApproved, string(request.DatabaseRoot), request.RequestingPubkey, requestID)
	return nil
}

// Reject records a rejection without touching the database.
func (e *Engine) Reject(requestID, rejectingKeyName string) error {
	request, err := e.state.GetBootstrapRequest(requestID)
	if err != nil {
		return err
	}
	if request.Status != BootstrapPending {
		return eerr.New(eerr.KindBootstrapRejected, "bootstrap request already decided: "+requestID)
	}

	request.Status = BootstrapRejected
	request.DecidedBy = rejectingKeyName
	request.DecidedAtMS = time.Now().UnixMilli()
	return e.state.PutBootstrapRequest(request)
}

// grantKey commits an entry adding (keyName -> pubkey, permission) to
// the database's auth settings, with the requested permission clamped
// to the approver's own.
func (e *Engine) grantKey(root entry.ID, approvingKeyName, keyName, pubkey, requestedPermission string) error {
	if keyName == "" || pubkey == "" {
		return eerr.New(eerr.KindAuthCorrupted, "bootstrap request carries no key to grant")
	}

	sk, ok := e.keyring.SigningKey(approvingKeyName)
	if !ok {
		return eerr.New(eerr.KindKeyNotFound, "no local signing key named "+approvingKeyName)
	}

	settingsTips, err := e.store.StoreTips(root, "_settings")
	if err != nil {
		return err
	}
	res, err := e.validator.Resolve(root, settingsTips, entry.KeyPath{{Key: approvingKeyName}})
	if err != nil {
		return err
	}
	if res.Permission.Kind != auth.Admin {
		return eerr.New(eerr.KindInsufficientPermission, "approving key does not hold admin permission")
	}

	granted, err := auth.ParsePermission(requestedPermission)
	if err != nil {
		granted = auth.Permission{Kind: auth.Read}
	}
	granted = auth.ClampTo(granted, res.Permission)

	tx, err := transaction.Begin(e.store, e.validator, root,
		transaction.WithSigningKey(approvingKeyName, sk))
	if err != nil {
		return err
	}
	if err := tx.Settings().SetAuthEntry(keyName, authKeyRecord{
		PubKey:      pubkey,
		Permissions: granted.String(),
		Status:      string(auth.StatusActive),
	}); err != nil {
		return err
	}
	_, err = tx.Commit()
	return err
}
