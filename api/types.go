package api

import (
	"github.com/beerpub/agent-provisioning-backend/interfaces"
)

// Proof headers of the authenticated round trip. All values are ASCII;
// binary fields are encoded as noted.
const (
	// FingerprintHeader carries the claimed key fingerprint, 64 lowercase
	// hex characters.
	FingerprintHeader = "X-Agent-Fingerprint"

	// NonceHeader echoes the nonce token issued in the challenge response.
	NonceHeader = "X-Agent-Nonce"

	// SignatureHeader carries the signature over the canonical message,
	// base64 encoded. Both the wrapped format and bare Ed25519 signatures
	// are accepted.
	SignatureHeader = "X-Agent-Signature"

	// ServiceHeader optionally names the service the agent provisions for.
	// When both the header and the JSON body carry a service name they must
	// agree.
	ServiceHeader = "X-Agent-Service"

	// MembershipProofHeader carries the group membership MAC, hex encoded.
	// Required by authorization modes that verify a shared group secret.
	MembershipProofHeader = "X-Agent-Membership-Proof"

	// PublicKeyHeader optionally carries the agent's public key as an
	// authorized-keys line. Consulted only when the fingerprint is not in
	// the key registry; the key must hash to the claimed fingerprint.
	PublicKeyHeader = "X-Agent-Public-Key"
)

// SignatureScheme names the accepted proof mechanism in challenge
// descriptors.
const SignatureScheme = "ssh-ed25519"

// Response status values.
const (
	StatusCreated  = "created"
	StatusExisting = "existing"
)

// ProvisionRequest is the optional JSON body of a provisioning request.
type ProvisionRequest struct {
	ServiceName string `json:"service_name,omitempty"`
}

// Challenge tells the agent how to construct its possession proof.
type Challenge struct {
	// Scheme is the signature scheme, always SignatureScheme.
	Scheme string `json:"scheme"`

	// Namespace is the domain-separation string wrapped signatures must
	// carry and bare signatures implicitly commit to.
	Namespace string `json:"namespace"`
}

// ErrorResponse is the body of every non-2xx protocol response.
type ErrorResponse struct {
	// Error is the stable machine-readable code.
	Error interfaces.ErrorCode `json:"error"`

	// Detail optionally elaborates for humans. Never load-bearing.
	Detail string `json:"detail,omitempty"`

	// Nonce is a fresh single-use token, present on the initial challenge
	// and on errors that consumed the previous nonce.
	Nonce string `json:"nonce,omitempty"`

	// Challenge describes the expected proof. Present whenever Nonce is.
	Challenge *Challenge `json:"challenge,omitempty"`
}

// Identity echoes back what the server verified.
type Identity struct {
	Fingerprint interfaces.Fingerprint `json:"fingerprint"`
	ServiceName interfaces.ServiceName `json:"service_name"`
}

// ProvisionResponse is the success body, identical in shape for the created
// (201) and existing (200) outcomes.
type ProvisionResponse struct {
	Status   string             `json:"status"`
	Tenant   *interfaces.Tenant `json:"tenant"`
	Identity Identity           `json:"identity"`
}
