package stores

import (
	"github.com/arcuru/eidetica/pkg/crdt"
	"github.com/arcuru/eidetica/pkg/eerr"
	"github.com/arcuru/eidetica/pkg/security"
)

// Envelope is a thin shell over the Document adapter that encrypts
// values with AES-256-GCM before staging and decrypts after reading. The
// key is derived from the database root, so every replica of the same
// database can open the envelope without a separate key exchange.
type Envelope struct {
	doc     *Document
	secrets *security.SecretsManager
}

// NewEnvelope wraps store as an Envelope adapter over tx, deriving the
// encryption key from root.
func NewEnvelope(tx Stager, store string, root string) (*Envelope, error) {
	if err := tx.EnsureRegistered(store, TypeEnvelope, "{}"); err != nil {
		return nil, err
	}
	sm, err := security.NewSecretsManager(security.DeriveKeyFromDatabaseRoot(root))
	if err != nil {
		return nil, eerr.Wrap(eerr.KindInvalidKeyFormat, "derive envelope key", err)
	}
	return &Envelope{doc: &Document{stager: tx, name: store}, secrets: sm}, nil
}

// Seal encrypts plaintext and stages it at path.
func (e *Envelope) Seal(path []string, plaintext []byte) error {
	ciphertext, err := e.secrets.EncryptSecret(plaintext)
	if err != nil {
		return eerr.Wrap(eerr.KindSerializationFailed, "seal envelope value", err)
	}
	return e.doc.Set(path, crdt.Binary(ciphertext))
}

// Open reads the ciphertext at path and decrypts it. ok is false if the
// path is absent or tombstoned.
func (e *Envelope) Open(path []string) ([]byte, bool, error) {
	node, ok, err := e.doc.Get(path)
	if err != nil || !ok {
		return nil, false, err
	}
	if node.Kind != crdt.KindBinary {
		return nil, false, eerr.New(eerr.KindTypeMismatch, "envelope value is not binary")
	}
	plaintext, err := e.secrets.DecryptSecret(node.Bin)
	if err != nil {
		return nil, false, eerr.Wrap(eerr.KindSerializationFailed, "open envelope value", err)
	}
	return plaintext, true, nil
}

// Delete tombstones the value at path.
func (e *Envelope) Delete(path []string) error {
	return e.doc.Delete(path)
}
