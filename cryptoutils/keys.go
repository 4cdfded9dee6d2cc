package cryptoutils

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/beerpub/agent-provisioning-backend/interfaces"
)

// ParseAuthorizedKey parses a single authorized-keys line ("ssh-ed25519
// AAAA... label") into a public key and its optional label. Only Ed25519
// keys are admitted; the protocol has exactly one key algorithm.
func ParseAuthorizedKey(line string) (ssh.PublicKey, string, error) {
	pubkey, comment, _, _, err := ssh.ParseAuthorizedKey([]byte(strings.TrimSpace(line)))
	if err != nil {
		return nil, "", fmt.Errorf("invalid public key: %w", err)
	}
	if pubkey.Type() != ssh.KeyAlgoED25519 {
		return nil, "", fmt.Errorf("unsupported key type %s: only %s is accepted", pubkey.Type(), ssh.KeyAlgoED25519)
	}
	return pubkey, comment, nil
}

// PublicKeyFromWire reconstructs a public key from its SSH wire encoding,
// as stored in registry entries.
func PublicKeyFromWire(wire []byte) (ssh.PublicKey, error) {
	pubkey, err := ssh.ParsePublicKey(wire)
	if err != nil {
		return nil, fmt.Errorf("invalid public key encoding: %w", err)
	}
	if pubkey.Type() != ssh.KeyAlgoED25519 {
		return nil, fmt.Errorf("unsupported key type %s", pubkey.Type())
	}
	return pubkey, nil
}

// ComputeFingerprint computes the protocol fingerprint of a public key:
// SHA-256 over the SSH wire encoding, lowercase hex without colons.
func ComputeFingerprint(pubkey ssh.PublicKey) interfaces.Fingerprint {
	hash := sha256.Sum256(pubkey.Marshal())
	return interfaces.Fingerprint(hex.EncodeToString(hash[:]))
}

// FingerprintFromAuthorizedKey parses an authorized-keys line and returns
// the fingerprint of the key it carries.
func FingerprintFromAuthorizedKey(line string) (interfaces.Fingerprint, error) {
	pubkey, _, err := ParseAuthorizedKey(line)
	if err != nil {
		return "", err
	}
	return ComputeFingerprint(pubkey), nil
}
