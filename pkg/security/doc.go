/*
Package security provides cryptographic services for eidetica databases:
Ed25519 signing/verification of entries and AES-256-GCM encryption of
envelope store values.

# Signer

Signer generates Ed25519 keypairs and signs/verifies the canonical digest
of an Entry (see pkg/entry.SigningDigest). It implements the entry.Signer
interface consumed by pkg/entry.Builder.Finalize and is the same interface
pkg/auth uses to verify a resolved signature against a key's public key.

# SecretsManager

SecretsManager wraps AES-256-GCM for the optional envelope:v0 store
adapter, which transparently encrypts values written through a Document
store. Its key is derived per-database from the database's root entry
identifier via DeriveKeyFromDatabaseRoot, rather than from any shared
cluster-wide secret, so two databases opened by the same node never share
ciphertext under the same key.
*/
package security
