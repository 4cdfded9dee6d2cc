// Package tenant derives deterministic, enumeration-resistant tenant
// identifiers from agent identities.
package tenant

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/beerpub/agent-provisioning-backend/interfaces"
)

// MinSecretLen is the minimum derivation secret length in bytes.
const MinSecretLen = 16

// Deriver computes tenant identifiers as a keyed PRF over the identity
// inputs. The secret is fixed at startup and never rotated in place:
// rotating it would orphan every previously derived identifier, so
// rotation is modeled as a full redeployment.
type Deriver struct {
	secret []byte
}

// NewDeriver creates a deriver with the given server secret.
func NewDeriver(secret []byte) (*Deriver, error) {
	if len(secret) < MinSecretLen {
		return nil, errors.New("derivation secret must be at least 16 bytes")
	}
	owned := make([]byte, len(secret))
	copy(owned, secret)
	return &Deriver{secret: owned}, nil
}

// Derive computes the tenant identifier for a (fingerprint, service name)
// pair: HMAC-SHA256 over fingerprint || serviceName, truncated to 128 bits,
// lowercase hex. The function is pure; byte-identical inputs produce
// byte-identical output across processes and restarts.
//
// Without the secret the mapping is unlinkable: knowing one fingerprint
// gives no handle on any tenant identifier, which is what makes the
// identifiers enumeration-resistant.
func (d *Deriver) Derive(fingerprint interfaces.Fingerprint, service interfaces.ServiceName) interfaces.TenantID {
	mac := hmac.New(sha256.New, d.secret)
	mac.Write([]byte(fingerprint))
	mac.Write([]byte(service))
	sum := mac.Sum(nil)
	return interfaces.TenantID(hex.EncodeToString(sum[:16]))
}
