package interfaces

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// SignatureNamespace is the protocol-reserved namespace string bound into
// wrapped-format signatures and membership proofs. A signature produced for
// any other purpose carries a different namespace and is rejected.
const SignatureNamespace = "beerpub-tenant-provisioning@v1"

// Fingerprint is the stable textual identifier for an agent public key:
// the SHA-256 of the key's SSH wire encoding, lowercase hex, no colons.
type Fingerprint string

var fingerprintRe = regexp.MustCompile(`^[0-9a-f]{64}$`)

// NewFingerprint parses a fingerprint string, normalizing case and
// surrounding whitespace.
func NewFingerprint(s string) (Fingerprint, error) {
	clean := strings.ToLower(strings.TrimSpace(s))
	if !fingerprintRe.MatchString(clean) {
		return "", errors.New("invalid fingerprint: must be 64 lowercase hex characters")
	}
	return Fingerprint(clean), nil
}

// String returns the fingerprint as a string.
func (fp Fingerprint) String() string {
	return string(fp)
}

// Nonce is a single-use challenge token: 16 random bytes hex-encoded.
// The token string itself (not its decoded bytes) is what the agent signs.
type Nonce string

// NonceLength is the length of a nonce token in characters (32 hex chars,
// 128 bits of entropy).
const NonceLength = 32

var nonceRe = regexp.MustCompile(`^[0-9a-f]{32}$`)

// NewNonce validates a nonce token received on the wire.
func NewNonce(s string) (Nonce, error) {
	clean := strings.ToLower(strings.TrimSpace(s))
	if !nonceRe.MatchString(clean) {
		return "", fmt.Errorf("invalid nonce: must be %d lowercase hex characters", NonceLength)
	}
	return Nonce(clean), nil
}

// String returns the nonce token as a string.
func (n Nonce) String() string {
	return string(n)
}

// TenantID is the derived tenant identifier: 32 lowercase hex characters
// (a 128-bit truncated PRF output). It is the idempotency key for the
// external resource system.
type TenantID string

// String returns the tenant identifier as a string.
func (id TenantID) String() string {
	return string(id)
}

// ServiceName is the optional service label bound into the canonical
// message and the tenant derivation. Empty means "no service".
type ServiceName string

// NewServiceName validates a service name. Names are limited to a
// DNS-label-ish charset so they can appear in tenant names and URLs.
func NewServiceName(s string) (ServiceName, error) {
	clean := strings.TrimSpace(s)
	if clean == "" {
		return "", nil
	}
	if len(clean) > 64 {
		return "", errors.New("invalid service name: longer than 64 characters")
	}
	for _, r := range clean {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' || r == '.') {
			return "", fmt.Errorf("invalid service name: character %q not allowed", r)
		}
	}
	return ServiceName(clean), nil
}

// String returns the service name as a string.
func (s ServiceName) String() string {
	return string(s)
}

// CanonicalMessage reconstructs the exact byte sequence the agent must have
// signed: the nonce token immediately followed by the UTF-8 service name,
// no delimiter. It is always rebuilt server-side from request parameters.
func CanonicalMessage(nonce Nonce, service ServiceName) []byte {
	msg := make([]byte, 0, len(nonce)+len(service))
	msg = append(msg, nonce...)
	msg = append(msg, service...)
	return msg
}

// AuthorizationMode selects how the authorization engine decides whether a
// proven identity may provision a tenant.
type AuthorizationMode string

const (
	// ModeKeyOnly authorizes any fingerprint present in the key registry.
	ModeKeyOnly AuthorizationMode = "key_only"

	// ModeSecretOnly authorizes any identity presenting a valid
	// shared-secret membership proof, registered or not.
	ModeSecretOnly AuthorizationMode = "secret_only"

	// ModeKeyAndSecret requires both registry membership and a valid
	// membership proof.
	ModeKeyAndSecret AuthorizationMode = "key_and_secret"
)

// ParseAuthorizationMode validates a mode string from configuration.
func ParseAuthorizationMode(s string) (AuthorizationMode, error) {
	switch AuthorizationMode(s) {
	case ModeKeyOnly, ModeSecretOnly, ModeKeyAndSecret:
		return AuthorizationMode(s), nil
	default:
		return "", fmt.Errorf("unknown authorization mode %q", s)
	}
}

// RequiresRegistry reports whether the mode consults the key registry.
func (m AuthorizationMode) RequiresRegistry() bool {
	return m == ModeKeyOnly || m == ModeKeyAndSecret
}

// RequiresMembershipProof reports whether the mode requires a shared-secret
// membership proof.
func (m AuthorizationMode) RequiresMembershipProof() bool {
	return m == ModeSecretOnly || m == ModeKeyAndSecret
}

// RegistryEntry is one authorized key from the registry dataset.
type RegistryEntry struct {
	// Fingerprint identifies the key; the primary lookup key.
	Fingerprint Fingerprint

	// PublicKey is the SSH wire encoding of the Ed25519 public key.
	PublicKey []byte

	// Label is the optional trailing comment from the dataset line.
	Label string
}

// Tenant is the provisioned resource as reported by the external system.
type Tenant struct {
	// ExternalID is the resource system's own identifier for the tenant.
	ExternalID string `json:"id"`

	// Name is the derived tenant name the resource is keyed by.
	Name TenantID `json:"name"`

	// APIKey is the opaque ingest credential for the tenant.
	APIKey string `json:"api_key"`

	// Endpoints maps endpoint roles (e.g. "ingest", "ui") to URLs.
	Endpoints map[string]string `json:"endpoints"`
}
