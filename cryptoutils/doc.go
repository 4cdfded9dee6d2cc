// Package cryptoutils implements the cryptographic primitives of the
// provisioning protocol: Ed25519 key parsing and fingerprinting, the
// dual-format signature verifier, and shared-secret membership proofs.
//
// # Signature formats
//
// The verifier accepts two interchangeable proof formats over the canonical
// message (nonce token || service name):
//
//  1. A wrapped signature in the OpenSSH SSHSIG wire format, which binds
//     the protocol namespace into the signed payload. This is the preferred
//     format: a wrapped signature produced for any other purpose carries a
//     different namespace and cannot be replayed into this protocol.
//  2. A bare 64-byte Ed25519 signature over the canonical message, accepted
//     as a fallback for environments without SSHSIG tooling.
//
// Verification delegates the final comparison to the Ed25519 primitive,
// which compares in constant time.
//
// # Membership proofs
//
// A membership proof is HMAC-SHA256 over (namespace || fingerprint || nonce)
// keyed with the trust group's shared secret. Binding the nonce prevents a
// proof captured from one exchange from being replayed into another.
package cryptoutils
