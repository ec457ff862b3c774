// Package auth implements the Auth Validator: the resolve-and-verify
// algorithm of spec.md §4.7 that maps a signed Entry's key descriptor to
// a public key and a permission, walking delegation chains iteratively
// and enforcing tip-monotonicity against revocation.
package auth

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"github.com/arcuru/eidetica/pkg/crdt"
	"github.com/arcuru/eidetica/pkg/eerr"
	"github.com/arcuru/eidetica/pkg/entry"
	"github.com/arcuru/eidetica/pkg/merge"
	"github.com/arcuru/eidetica/pkg/metrics"
	"github.com/arcuru/eidetica/pkg/security"
	"github.com/arcuru/eidetica/pkg/storage"
)

// MaxDelegationDepth bounds the iterative delegation resolver (spec.md §9
// redesign note: explicit bounded iteration, not recursive dispatch).
const MaxDelegationDepth = 10

// Kind is the variant tag of a Permission.
type Kind int

const (
	Read Kind = iota
	Write
	Admin
)

// Permission is a permission variant with, for Write/Admin, a priority:
// lower numbers carry more authority, matching spec.md §4.7 rule 6
// ("a modifier of an auth record must have priority <= the target's
// priority number").
type Permission struct {
	Kind     Kind
	Priority uint32
}

// rank gives a total order over Permission where a strictly greater rank
// means strictly more authority. Used by clamp to compare across Kinds.
func rank(p Permission) int64 {
	switch p.Kind {
	case Admin:
		return 2_000_000_000 - int64(p.Priority)
	case Write:
		return 1_000_000_000 - int64(p.Priority)
	default:
		return 0
	}
}

// ParsePermission decodes the wire form ("admin:10", "write:10", "read").
func ParsePermission(s string) (Permission, error) {
	if s == "read" {
		return Permission{Kind: Read}, nil
	}
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return Permission{}, eerr.New(eerr.KindAuthCorrupted, "malformed permission string: "+s)
	}
	n, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return Permission{}, eerr.Wrap(eerr.KindAuthCorrupted, "malformed permission priority: "+s, err)
	}
	switch parts[0] {
	case "admin":
		return Permission{Kind: Admin, Priority: uint32(n)}, nil
	case "write":
		return Permission{Kind: Write, Priority: uint32(n)}, nil
	default:
		return Permission{}, eerr.New(eerr.KindAuthCorrupted, "unknown permission kind: "+s)
	}
}

// String encodes a Permission back to its wire form.
func (p Permission) String() string {
	switch p.Kind {
	case Admin:
		return "admin:" + strconv.FormatUint(uint64(p.Priority), 10)
	case Write:
		return "write:" + strconv.FormatUint(uint64(p.Priority), 10)
	default:
		return "read"
	}
}

// Status is an auth key's lifecycle state.
type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
)

// AuthKey is a direct signing key record in _settings.auth.
type AuthKey struct {
	PubKey     string `json:"pubkey"`
	Permission Permission
	Status     Status `json:"status"`
}

// PermissionBounds clamps a delegated permission. Min is optional: a nil
// Min means no floor, only a ceiling.
type PermissionBounds struct {
	Max Permission
	Min *Permission
}

// DatabaseRef names the delegated database a DelegationRef points into.
type DatabaseRef struct {
	Root entry.ID
	Tips []entry.ID
}

// DelegationRef is a delegation record in _settings.auth.
type DelegationRef struct {
	Bounds   PermissionBounds
	Database DatabaseRef
}

// rawAuthEntry is the JSON shape of one value inside _settings.auth,
// disambiguated on decode by which fields are present (spec.md §6).
type rawAuthEntry struct {
	PubKey      string `json:"pubkey,omitempty"`
	Permissions string `json:"permissions,omitempty"`
	Status      string `json:"status,omitempty"`

	Bounds *struct {
		Max string  `json:"max"`
		Min *string `json:"min,omitempty"`
	} `json:"permission-bounds,omitempty"`
	Database *struct {
		Root string   `json:"root"`
		Tips []string `json:"tips"`
	} `json:"database,omitempty"`
}

// State is the decoded form of _settings.auth: direct keys and
// delegation references, keyed by name.
type State struct {
	Keys        map[string]AuthKey
	Delegations map[string]DelegationRef
}

// DecodeState decodes the materialized _settings.auth document node.
// Absent or explicitly-tombstoned auth decodes to an empty State
// (unsigned mode). Anything else that isn't a map is AuthCorrupted.
func DecodeState(authNode crdt.Node, ok bool) (State, error) {
	state := State{Keys: map[string]AuthKey{}, Delegations: map[string]DelegationRef{}}
	if !ok || authNode.Kind == crdt.KindTombstone {
		return state, nil
	}
	if authNode.Kind != crdt.KindMap {
		return State{}, eerr.New(eerr.KindAuthCorrupted, "_settings.auth must be a map")
	}

	for name, node := range authNode.Map {
		if node.Kind == crdt.KindTombstone {
			continue
		}
		if node.Kind != crdt.KindText {
			return State{}, eerr.New(eerr.KindAuthCorrupted, "auth record "+name+" is not text-encoded JSON")
		}

		var raw rawAuthEntry
		if err := json.Unmarshal([]byte(node.Text), &raw); err != nil {
			return State{}, eerr.Wrap(eerr.KindAuthCorrupted, "decode auth record "+name, err)
		}

		switch {
		case raw.Database != nil:
			ref, err := decodeDelegation(raw)
			if err != nil {
				return State{}, err
			}
			state.Delegations[name] = ref
		case raw.PubKey != "":
			key, err := decodeKey(raw)
			if err != nil {
				return State{}, err
			}
			state.Keys[name] = key
		default:
			return State{}, eerr.New(eerr.KindAuthCorrupted, "auth record "+name+" is neither a key nor a delegation")
		}
	}
	return state, nil
}

func decodeKey(raw rawAuthEntry) (AuthKey, error) {
	perm, err := ParsePermission(raw.Permissions)
	if err != nil {
		return AuthKey{}, err
	}
	status := Status(raw.Status)
	if status != StatusActive && status != StatusRevoked {
		return AuthKey{}, eerr.New(eerr.KindAuthCorrupted, "unknown key status: "+raw.Status)
	}
	return AuthKey{PubKey: raw.PubKey, Permission: perm, Status: status}, nil
}

func decodeDelegation(raw rawAuthEntry) (DelegationRef, error) {
	if raw.Bounds == nil {
		return DelegationRef{}, eerr.New(eerr.KindAuthCorrupted, "delegation missing permission-bounds")
	}
	maxPerm, err := ParsePermission(raw.Bounds.Max)
	if err != nil {
		return DelegationRef{}, err
	}
	var minPerm *Permission
	if raw.Bounds.Min != nil {
		p, err := ParsePermission(*raw.Bounds.Min)
		if err != nil {
			return DelegationRef{}, err
		}
		minPerm = &p
	}

	tips := make([]entry.ID, len(raw.Database.Tips))
	for i, t := range raw.Database.Tips {
		tips[i] = entry.ID(t)
	}

	return DelegationRef{
		Bounds:   PermissionBounds{Max: maxPerm, Min: minPerm},
		Database: DatabaseRef{Root: entry.ID(raw.Database.Root), Tips: tips},
	}, nil
}

// ClampTo caps p at the authority of limit, used when an approver
// grants a requested permission no stronger than its own.
func ClampTo(p, limit Permission) Permission {
	if rank(p) > rank(limit) {
		return limit
	}
	return p
}

// clamp applies bounds to p, failing closed (AuthCorrupted) if min > max
// rather than silently clamping past max (spec.md §9 Open Question
// decision).
func clamp(p Permission, bounds PermissionBounds) (Permission, error) {
	if bounds.Min != nil && rank(*bounds.Min) > rank(bounds.Max) {
		return Permission{}, eerr.New(eerr.KindAuthCorrupted, "delegation bounds invalid: min exceeds max")
	}
	if rank(p) > rank(bounds.Max) {
		p = bounds.Max
	}
	if bounds.Min != nil && rank(p) < rank(*bounds.Min) {
		p = *bounds.Min
	}
	return p, nil
}

// Validator resolves signing keys and verifies signatures against a
// Database's _settings.auth state, tracking the latest observed
// settings tips per database root for tip-monotonicity (spec.md §4.7
// step 5). One Validator is shared by every Transaction and sync
// ingestion path against the same storage.Store.
type Validator struct {
	store    storage.Store
	signer   security.Signer
	mu       sync.Mutex
	observed map[entry.ID][]entry.ID
}

// NewValidator creates a Validator backed by store.
func NewValidator(store storage.Store) *Validator {
	return &Validator{store: store, observed: make(map[entry.ID][]entry.ID)}
}

// loadState resolves _settings.auth at the given tips of root.
func (v *Validator) loadState(root entry.ID, tips []entry.ID) (State, error) {
	node, err := merge.View(v.store, root, "_settings", tips)
	if err != nil {
		return State{}, err
	}
	authNode, ok, err := crdt.GetPath(node, []string{"auth"})
	if err != nil {
		return State{}, eerr.Wrap(eerr.KindAuthCorrupted, "read _settings.auth", err)
	}
	return DecodeState(authNode, ok)
}

// reconcileTips applies the tip-monotonicity rule for a database root:
// if cited is an ancestor of what we've already observed for root, the
// caller must be revalidated against the observed (newer) tips instead,
// so a revocation made after cited cannot be bypassed by citing stale
// tips. Returns the tips resolution should actually use.
func (v *Validator) reconcileTips(root entry.ID, cited []entry.ID) ([]entry.ID, error) {
	v.mu.Lock()
	last, known := v.observed[root]
	v.mu.Unlock()

	if !known {
		v.recordObserved(root, cited)
		return cited, nil
	}

	isAncestor, err := merge.AncestorsOf(v.store, last, firstOrEmpty(cited))
	if err == nil && isAncestor && !sameTips(cited, last) {
		return last, nil
	}

	v.recordObserved(root, cited)
	return cited, nil
}

func (v *Validator) recordObserved(root entry.ID, tips []entry.ID) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.observed[root] = tips
}

func firstOrEmpty(ids []entry.ID) entry.ID {
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
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

// Resolution is the outcome of walking a KeyPath to its terminal key.
type Resolution struct {
	PubKey     string // "*" for the wildcard key
	Permission Permission
	Wildcard   bool
}

// Resolve walks keyPath iteratively starting from (root, settingsTips),
// applying clamps from the terminal key back out to depth 0 (spec.md
// §4.7 step 4), and applying tip-monotonicity at every delegation hop
// (step 5).
func (v *Validator) Resolve(root entry.ID, settingsTips []entry.ID, keyPath entry.KeyPath) (Resolution, error) {
	if len(keyPath) == 0 {
		return Resolution{}, eerr.New(eerr.KindKeyNotFound, "empty key path")
	}
	if len(keyPath) > MaxDelegationDepth {
		return Resolution{}, eerr.New(eerr.KindDelegationDepthExceeded, "delegation chain exceeds MaxDelegationDepth")
	}

	type hop struct {
		bounds PermissionBounds
	}
	var hops []hop

	curRoot, curTips := root, settingsTips
	for i, elem := range keyPath {
		tips, err := v.reconcileTips(curRoot, curTips)
		if err != nil {
			return Resolution{}, err
		}
		// When the cited tips are stale ancestors of what this node has
		// already observed, resolution proceeds at the observed tips so a
		// later revocation cannot be bypassed (step 5).
		substituted := !sameTips(tips, curTips)
		curTips = tips

		state, err := v.loadState(curRoot, curTips)
		if err != nil {
			return Resolution{}, err
		}

		if i == len(keyPath)-1 {
			key, ok := state.Keys[elem.Key]
			if !ok {
				if wild, ok2 := state.Keys["*"]; ok2 && wild.PubKey == "*" {
					key, ok = wild, true
				}
			}
			if !ok {
				if substituted {
					return Resolution{}, eerr.New(eerr.KindRevokedAtLatestKnownTips, "auth key absent at latest known tips: "+elem.Key)
				}
				return Resolution{}, eerr.New(eerr.KindKeyNotFound, "auth key not found: "+elem.Key)
			}
			if key.Status == StatusRevoked {
				if substituted {
					return Resolution{}, eerr.New(eerr.KindRevokedAtLatestKnownTips, "auth key revoked at latest known tips: "+elem.Key)
				}
				return Resolution{}, eerr.New(eerr.KindKeyRevoked, "auth key revoked: "+elem.Key)
			}

			perm := key.Permission
			for j := len(hops) - 1; j >= 0; j-- {
				perm, err = clamp(perm, hops[j].bounds)
				if err != nil {
					return Resolution{}, err
				}
			}

			return Resolution{PubKey: key.PubKey, Permission: perm, Wildcard: key.PubKey == "*"}, nil
		}

		ref, ok := state.Delegations[elem.Key]
		if !ok {
			return Resolution{}, eerr.New(eerr.KindKeyNotFound, "delegation not found: "+elem.Key)
		}
		if ref.Database.Root != elem.DB {
			return Resolution{}, eerr.New(eerr.KindAuthCorrupted, "delegation database mismatch for "+elem.Key)
		}
		if len(elem.Tips) == 0 {
			return Resolution{}, eerr.New(eerr.KindDelegationTipsMissing, "delegation element missing tips: "+elem.Key)
		}

		hops = append(hops, hop{bounds: ref.Bounds})
		curRoot, curTips = elem.DB, elem.Tips
	}

	return Resolution{}, eerr.New(eerr.KindDelegationDepthExceeded, "unreachable: empty key path handled above")
}

// Operation classifies what an Entry does, for the permission-sufficiency
// check of spec.md §4.7 step 6.
type Operation int

const (
	// OpWriteData touches only user stores.
	OpWriteData Operation = iota
	// OpModifySettings touches _settings but not _settings.auth.
	OpModifySettings
	// OpModifyAuth touches _settings.auth.
	OpModifyAuth
)

// ClassifyOperation inspects e's touched stores to determine the
// strictest operation it performs. A _settings node with no payload is
// participation only (I3 bookkeeping), not a modification.
func ClassifyOperation(e entry.Entry) Operation {
	op := OpWriteData
	for _, sn := range e.Stores {
		if sn.Name != "_settings" || sn.Payload == nil {
			continue
		}
		op = OpModifySettings
		node, err := merge.UnmarshalPayload(*sn.Payload)
		if err != nil {
			continue
		}
		if _, ok := node.Map["auth"]; ok {
			return OpModifyAuth
		}
	}
	return op
}

// touchedAuthRecords returns the auth records e writes (name -> new
// node, tombstones included), or nil if e does not touch auth.
func touchedAuthRecords(e entry.Entry) map[string]crdt.Node {
	for _, sn := range e.Stores {
		if sn.Name != "_settings" || sn.Payload == nil {
			continue
		}
		node, err := merge.UnmarshalPayload(*sn.Payload)
		if err != nil {
			continue
		}
		authNode, ok := node.Map["auth"]
		if !ok || authNode.Kind != crdt.KindMap {
			continue
		}
		return authNode.Map
	}
	return nil
}

// authorityOfKey and authorityOfDelegation give the authority rank a
// record (new or existing) carries: a key's permission, or a
// delegation's upper bound.
func authorityOfKey(k AuthKey) int64 { return rank(k.Permission) }

func authorityOfDelegation(d DelegationRef) int64 { return rank(d.Bounds.Max) }

// checkAuthTargets enforces the priority half of step 6: a modifier may
// only touch auth records of equal or lesser authority — both the
// record as it currently stands and the value being written. Without
// this, a low-priority admin could revoke or downgrade a higher
// priority admin's key.
func checkAuthTargets(modifier Permission, touched map[string]crdt.Node, state State) error {
	modRank := rank(modifier)

	for name, node := range touched {
		if existing, ok := state.Keys[name]; ok && authorityOfKey(existing) > modRank {
			return eerr.New(eerr.KindInsufficientPermission,
				"cannot modify auth record "+name+" of greater authority")
		}
		if existing, ok := state.Delegations[name]; ok && authorityOfDelegation(existing) > modRank {
			return eerr.New(eerr.KindInsufficientPermission,
				"cannot modify delegation "+name+" of greater authority")
		}

		if node.Kind == crdt.KindTombstone {
			continue
		}
		if node.Kind != crdt.KindText {
			return eerr.New(eerr.KindAuthCorrupted, "auth record "+name+" is not text-encoded JSON")
		}

		var raw rawAuthEntry
		if err := json.Unmarshal([]byte(node.Text), &raw); err != nil {
			return eerr.Wrap(eerr.KindAuthCorrupted, "decode auth record "+name, err)
		}
		switch {
		case raw.Database != nil:
			ref, err := decodeDelegation(raw)
			if err != nil {
				return err
			}
			if authorityOfDelegation(ref) > modRank {
				return eerr.New(eerr.KindInsufficientPermission,
					"cannot grant delegation "+name+" exceeding own authority")
			}
		case raw.PubKey != "":
			key, err := decodeKey(raw)
			if err != nil {
				return err
			}
			if authorityOfKey(key) > modRank {
				return eerr.New(eerr.KindInsufficientPermission,
					"cannot grant key "+name+" exceeding own authority")
			}
		default:
			return eerr.New(eerr.KindAuthCorrupted, "auth record "+name+" is neither a key nor a delegation")
		}
	}
	return nil
}

// checkPermission enforces the kind half of step 6: Read cannot modify
// anything and only Admin may modify _settings. The per-record priority
// comparison for auth modifications is checkAuthTargets.
func checkPermission(perm Permission, op Operation) error {
	switch op {
	case OpWriteData:
		if perm.Kind == Read {
			return eerr.New(eerr.KindInsufficientPermission, "read permission cannot write")
		}
	case OpModifySettings, OpModifyAuth:
		if perm.Kind != Admin {
			return eerr.New(eerr.KindInsufficientPermission, "only admin permission can modify _settings")
		}
	}
	return nil
}

// Verify runs the full resolve-and-verify algorithm against a freshly
// built or received Entry e, returning nil if it is authorized.
func (v *Validator) Verify(root entry.ID, e entry.Entry) error {
	settingsTips, err := settingsTipsOf(e)
	if err != nil {
		return err
	}

	state, err := v.loadState(root, settingsTips)
	if err != nil {
		metrics.AuthFailuresTotal.WithLabelValues(string(eerr.KindAuthCorrupted)).Inc()
		return err
	}

	unsignedMode := len(state.Keys) == 0 && len(state.Delegations) == 0
	if unsignedMode {
		if e.Sig.Sig == "" {
			return nil
		}
		if isBootstrap(e) {
			return nil
		}
		metrics.AuthFailuresTotal.WithLabelValues(string(eerr.KindKeyNotFound)).Inc()
		return eerr.New(eerr.KindKeyNotFound, "signed entry against empty auth state outside bootstrap")
	}

	if e.Sig.Sig == "" {
		// The unsigned -> signed transition is permanent: once auth is
		// populated, unsigned commits are treated as a corrupted auth
		// state rather than a missing key.
		metrics.AuthFailuresTotal.WithLabelValues(string(eerr.KindAuthCorrupted)).Inc()
		return eerr.New(eerr.KindAuthCorrupted, "unsigned entry against a database in signed mode")
	}

	res, err := v.Resolve(root, settingsTips, e.Sig.Key)
	if err != nil {
		kind, _ := eerr.KindOf(err)
		metrics.AuthFailuresTotal.WithLabelValues(string(kind)).Inc()
		return err
	}

	digest, err := entry.SigningDigest(e)
	if err != nil {
		return err
	}

	if !res.Wildcard {
		pk, err := security.DecodePublicKey(res.PubKey)
		if err != nil {
			return err
		}
		ok, err := v.signer.Verify(digest, e.Sig.Sig, pk)
		if err != nil {
			return err
		}
		if !ok {
			metrics.AuthFailuresTotal.WithLabelValues(string(eerr.KindSignatureVerificationFailed)).Inc()
			return eerr.New(eerr.KindSignatureVerificationFailed, "signature does not verify")
		}
	}

	op := ClassifyOperation(e)
	if err := checkPermission(res.Permission, op); err != nil {
		metrics.AuthFailuresTotal.WithLabelValues(string(eerr.KindInsufficientPermission)).Inc()
		return err
	}

	if op == OpModifyAuth {
		if err := checkAuthTargets(res.Permission, touchedAuthRecords(e), state); err != nil {
			kind, _ := eerr.KindOf(err)
			metrics.AuthFailuresTotal.WithLabelValues(string(kind)).Inc()
			return err
		}
	}

	return nil
}

// isBootstrap reports whether e is eligible for the initial self-signed
// bootstrap allowance: either it is its own root (genesis entry) or it
// is the entry that first populates _settings.auth.
func isBootstrap(e entry.Entry) bool {
	id, err := entry.Identifier(e)
	if err == nil && id == e.Root {
		return true
	}
	for _, sn := range e.Stores {
		if sn.Name != "_settings" || sn.Payload == nil {
			continue
		}
		node, err := merge.UnmarshalPayload(*sn.Payload)
		if err != nil {
			continue
		}
		if authNode, ok := node.Map["auth"]; ok && authNode.Kind == crdt.KindMap && len(authNode.Map) > 0 {
			return true
		}
	}
	return false
}

func settingsTipsOf(e entry.Entry) ([]entry.ID, error) {
	raw, ok := e.Metadata["settings_tips"]
	if !ok || raw == "" {
		return nil, nil
	}
	var tips []entry.ID
	if err := json.Unmarshal([]byte(raw), &tips); err != nil {
		return nil, eerr.Wrap(eerr.KindAuthCorrupted, "decode metadata.settings_tips", err)
	}
	return tips, nil
}

// EncodeSettingsTips is the inverse of settingsTipsOf, used by
// pkg/transaction when stamping a new Entry's metadata.
func EncodeSettingsTips(tips []entry.ID) (string, error) {
	b, err := json.Marshal(tips)
	if err != nil {
		return "", eerr.Wrap(eerr.KindSerializationFailed, "encode settings_tips", err)
	}
	return string(b), nil
}
