package cryptoutils

import (
	"crypto/hmac"
	"crypto/sha256"

	"github.com/beerpub/agent-provisioning-backend/interfaces"
)

// ComputeMembershipProof computes the keyed hash proving knowledge of the
// trust group's shared secret, bound to a specific fingerprint and nonce.
func ComputeMembershipProof(groupSecret []byte, fingerprint interfaces.Fingerprint, nonce interfaces.Nonce) []byte {
	mac := hmac.New(sha256.New, groupSecret)
	mac.Write([]byte(interfaces.SignatureNamespace))
	mac.Write([]byte(fingerprint))
	mac.Write([]byte(nonce))
	return mac.Sum(nil)
}

// VerifyMembershipProof checks a membership proof in constant time.
func VerifyMembershipProof(groupSecret, proof []byte, fingerprint interfaces.Fingerprint, nonce interfaces.Nonce) bool {
	expected := ComputeMembershipProof(groupSecret, fingerprint, nonce)
	return hmac.Equal(proof, expected)
}
