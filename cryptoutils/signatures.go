package cryptoutils

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"

	"golang.org/x/crypto/ssh"
)

const (
	// sigMagic is the SSHSIG preamble; its presence selects the wrapped
	// format during verification.
	sigMagic = "SSHSIG"

	// sigVersion is the only SSHSIG version this protocol speaks.
	sigVersion = 1

	hashSHA256 = "sha256"
	hashSHA512 = "sha512"
)

// ErrSignatureInvalid is returned when a signature fails verification
// under both proof formats.
var ErrSignatureInvalid = errors.New("signature verification failed")

// wrappedSignature is the SSHSIG v1 outer structure, minus the magic
// preamble.
type wrappedSignature struct {
	Version       uint32
	PublicKey     []byte
	Namespace     string
	Reserved      string
	HashAlgorithm string
	Signature     []byte
}

// signedData is the payload the inner signature actually covers.
type signedData struct {
	Namespace     string
	Reserved      string
	HashAlgorithm string
	Hash          []byte
}

// VerifySignature checks a signature over message against the claimed
// public key, trying the wrapped (namespaced) format first and the bare
// 64-byte Ed25519 format second. namespace is the protocol's reserved
// namespace string; a wrapped signature under any other namespace is
// rejected regardless of its cryptographic validity.
func VerifySignature(pubkey ssh.PublicKey, message, sig []byte, namespace string) error {
	if bytes.HasPrefix(sig, []byte(sigMagic)) {
		return verifyWrapped(pubkey, message, sig, namespace)
	}
	return verifyBare(pubkey, message, sig)
}

func verifyWrapped(pubkey ssh.PublicKey, message, blob []byte, namespace string) error {
	var wrapped wrappedSignature
	if err := ssh.Unmarshal(blob[len(sigMagic):], &wrapped); err != nil {
		return fmt.Errorf("%w: malformed wrapped signature: %v", ErrSignatureInvalid, err)
	}

	if wrapped.Version != sigVersion {
		return fmt.Errorf("%w: unsupported signature version %d", ErrSignatureInvalid, wrapped.Version)
	}

	// The namespace match is the sole cross-protocol isolation mechanism:
	// a signature produced for SSH authentication or another protocol
	// carries a different namespace and must never verify here.
	if wrapped.Namespace != namespace {
		return fmt.Errorf("%w: namespace %q does not match required namespace %q", ErrSignatureInvalid, wrapped.Namespace, namespace)
	}

	// The embedded key, when present, must be the claimed key. Verifying
	// with the claimed key alone would still be sound, but a mismatch
	// indicates a confused or malicious client.
	if len(wrapped.PublicKey) > 0 && !bytes.Equal(wrapped.PublicKey, pubkey.Marshal()) {
		return fmt.Errorf("%w: embedded public key does not match claimed key", ErrSignatureInvalid)
	}

	var digest []byte
	switch wrapped.HashAlgorithm {
	case hashSHA256:
		sum := sha256.Sum256(message)
		digest = sum[:]
	case hashSHA512:
		sum := sha512.Sum512(message)
		digest = sum[:]
	default:
		return fmt.Errorf("%w: unsupported hash algorithm %q", ErrSignatureInvalid, wrapped.HashAlgorithm)
	}

	payload := append([]byte(sigMagic), ssh.Marshal(signedData{
		Namespace:     wrapped.Namespace,
		Reserved:      wrapped.Reserved,
		HashAlgorithm: wrapped.HashAlgorithm,
		Hash:          digest,
	})...)

	var inner ssh.Signature
	if err := ssh.Unmarshal(wrapped.Signature, &inner); err != nil {
		return fmt.Errorf("%w: malformed inner signature: %v", ErrSignatureInvalid, err)
	}

	if err := pubkey.Verify(payload, &inner); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return nil
}

func verifyBare(pubkey ssh.PublicKey, message, sig []byte) error {
	// A bare signature must parse as exactly one Ed25519 signature; any
	// other length is rejected rather than truncated or padded.
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: bare signature must be exactly %d bytes, got %d", ErrSignatureInvalid, ed25519.SignatureSize, len(sig))
	}

	sshSig := &ssh.Signature{Format: ssh.KeyAlgoED25519, Blob: sig}
	if err := pubkey.Verify(message, sshSig); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return nil
}

// SignWrapped produces a wrapped-format signature over message under the
// given namespace. Used by the agent client and tests; the server only
// verifies.
func SignWrapped(signer ssh.Signer, message []byte, namespace string) ([]byte, error) {
	digest := sha256.Sum256(message)
	payload := append([]byte(sigMagic), ssh.Marshal(signedData{
		Namespace:     namespace,
		HashAlgorithm: hashSHA256,
		Hash:          digest[:],
	})...)

	inner, err := signer.Sign(rand.Reader, payload)
	if err != nil {
		return nil, fmt.Errorf("signing failed: %w", err)
	}

	blob := append([]byte(sigMagic), ssh.Marshal(wrappedSignature{
		Version:       sigVersion,
		PublicKey:     signer.PublicKey().Marshal(),
		Namespace:     namespace,
		HashAlgorithm: hashSHA256,
		Signature:     ssh.Marshal(inner),
	})...)
	return blob, nil
}

// SignBare produces a bare 64-byte Ed25519 signature over message.
func SignBare(priv ed25519.PrivateKey, message []byte) []byte {
	return ed25519.Sign(priv, message)
}
