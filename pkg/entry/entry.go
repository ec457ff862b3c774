// Package entry defines the immutable, content-addressed record that
// extends one or more Merkle-DAGs, and the Builder used to construct one.
package entry

import (
	"crypto/ed25519"
	"fmt"

	"github.com/arcuru/eidetica/pkg/canonical"
	"github.com/arcuru/eidetica/pkg/eerr"
)

// ID is a hex SHA-256 identifier, fixed length and byte-comparable.
type ID = canonical.ID

// KeyPathElem is one hop of a signature's key path. The terminal element
// has an empty DB and Tips; every non-terminal element names the
// delegated database root it resolves into and the tips observed at
// delegation time.
type KeyPathElem struct {
	Key  string `json:"key"`
	Tips []ID   `json:"tips,omitempty"`
	DB   ID     `json:"db,omitempty"`
}

// KeyPath is the full delegation chain a signature was produced under. A
// length of 1 means a direct key signed the entry.
type KeyPath []KeyPathElem

// SignatureRecord carries the key path that produced a signature and the
// base64-encoded Ed25519 signature itself. Sig is empty in unsigned mode.
type SignatureRecord struct {
	Key KeyPath `json:"key"`
	Sig string  `json:"sig,omitempty"`
}

// StoreNode is one store's delta within an Entry: its own parent pointers
// (within that store's sub-DAG), the staged payload (nil means the store
// was untouched by this entry; a non-nil empty string marks a tombstone),
// and its computed height.
type StoreNode struct {
	Name    string  `json:"name"`
	Parents []ID    `json:"parents,omitempty"`
	Payload *string `json:"payload,omitempty"`
	Height  *int64  `json:"height,omitempty"`
}

// Entry is an immutable, content-addressed, signed record extending one or
// more DAGs.
type Entry struct {
	Root     ID                `json:"root"`
	Parents  []ID              `json:"parents,omitempty"`
	Stores   []StoreNode       `json:"stores"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Sig      SignatureRecord   `json:"sig"`
	Height   int64             `json:"height"`
}

// normalizeForHash clears the Root field of a genesis entry (no DAG
// parents) before hashing or signing. A genesis entry's root field holds
// its own identifier (I1), which cannot feed back into the hash it names,
// so the canonical form of a root entry is computed with root empty.
func normalizeForHash(e Entry) Entry {
	if len(e.Parents) == 0 {
		e.Root = ""
	}
	return e
}

// Identifier computes the content-addressed ID of e: the SHA-256 hash of
// its canonical byte encoding, signature included.
func Identifier(e Entry) (ID, error) {
	id, err := canonical.MarshalAndHash(normalizeForHash(e))
	if err != nil {
		return "", fmt.Errorf("entry: identifier: %w", err)
	}
	return id, nil
}

// signingDigest computes the digest signatures are produced and verified
// over: the canonical bytes of e with Sig.Sig cleared but Sig.Key
// preserved, so the key path that produced a signature is itself covered
// by the signature.
func signingDigest(e Entry) ([]byte, error) {
	stripped := normalizeForHash(e)
	stripped.Sig = SignatureRecord{Key: e.Sig.Key}
	b, err := canonical.Marshal(stripped)
	if err != nil {
		return nil, fmt.Errorf("entry: signing digest: %w", err)
	}
	return b, nil
}

// SigningDigest exposes signingDigest for callers (pkg/security, pkg/auth)
// that need to sign or verify an Entry outside this package.
func SigningDigest(e Entry) ([]byte, error) {
	return signingDigest(e)
}

// hasIndexStore reports whether stores names an "_index" companion node,
// required by invariant I3 whenever an entry touches any named store.
func hasIndexStore(stores []StoreNode) bool {
	for _, s := range stores {
		if s.Name == "_index" {
			return true
		}
	}
	return false
}

// Builder incrementally assembles an Entry, enforcing structural
// invariants at Finalize rather than on every mutating call.
type Builder struct {
	root     ID
	parents  []ID
	stores   []StoreNode
	metadata map[string]string
}

// NewBuilder starts a Builder for a new entry extending root. For the
// genesis entry of a database, root is the placeholder that Finalize will
// resolve to the entry's own computed identifier (I1: root self-reference).
func NewBuilder(root ID) *Builder {
	return &Builder{root: root}
}

// AddParent records a DAG-level parent of the new entry.
func (b *Builder) AddParent(id ID) *Builder {
	b.parents = append(b.parents, id)
	return b
}

// AddStore stages a store-level delta. payload nil means "untouched by
// this entry" and should not be passed for a store this entry actually
// modifies; pass a non-nil, possibly empty string for real content or a
// tombstone.
func (b *Builder) AddStore(name string, parents []ID, payload *string) *Builder {
	b.stores = append(b.stores, StoreNode{Name: name, Parents: parents, Payload: payload})
	return b
}

// AddStoreNode stages a fully-specified store node, including a per-store
// height when it differs from the entry's own.
func (b *Builder) AddStoreNode(sn StoreNode) *Builder {
	b.stores = append(b.stores, sn)
	return b
}

// SetMeta records a metadata key/value pair on the new entry.
func (b *Builder) SetMeta(key, value string) *Builder {
	if b.metadata == nil {
		b.metadata = make(map[string]string)
	}
	b.metadata[key] = value
	return b
}

// Signer produces base64 Ed25519 signatures over a digest.
type Signer interface {
	Sign(digest []byte, sk ed25519.PrivateKey) (string, error)
}

// Finalize enforces I1 (root self-reference) and I3 (any entry touching a
// named store also carries an "_index" node), records the given height,
// signs (if signingKey is non-nil), and returns the completed Entry with
// its identifier-derived Root resolved. Parent existence (I2) is not
// checked here; storage.Store.Put checks it.
func (b *Builder) Finalize(height int64, signer Signer, keyPath KeyPath, signingKey ed25519.PrivateKey) (Entry, error) {
	if len(b.stores) > 0 && !hasIndexStore(b.stores) {
		return Entry{}, eerr.New(eerr.KindStoreTypeMismatch, "entry touches stores but carries no _index node (I3)")
	}
	if height < 0 {
		return Entry{}, eerr.New(eerr.KindHeightOverflow, "negative height")
	}

	e := Entry{
		Root:     b.root,
		Parents:  b.parents,
		Stores:   b.stores,
		Metadata: b.metadata,
		Height:   height,
		Sig:      SignatureRecord{Key: keyPath},
	}

	if err := e.sign(signer, signingKey); err != nil {
		return Entry{}, err
	}

	if b.root == "" {
		// Genesis entry: I1 requires the root field to self-reference the
		// entry's own identifier. Identifier and signingDigest both hash
		// the normalized (root-cleared) form of a parentless entry, so the
		// identifier is stable once the root is filled in; no re-sign.
		id, err := Identifier(e)
		if err != nil {
			return Entry{}, err
		}
		e.Root = id
	}

	return e, nil
}

// sign computes the signing digest of e and, if signingKey is non-nil,
// populates e.Sig.Sig. No-op (besides clearing any stale signature) in
// unsigned mode.
func (e *Entry) sign(signer Signer, signingKey ed25519.PrivateKey) error {
	if signingKey == nil {
		e.Sig.Sig = ""
		return nil
	}
	digest, err := signingDigest(*e)
	if err != nil {
		return err
	}
	sigB64, err := signer.Sign(digest, signingKey)
	if err != nil {
		return eerr.Wrap(eerr.KindSerializationFailed, "sign entry", err)
	}
	e.Sig.Sig = sigB64
	return nil
}
