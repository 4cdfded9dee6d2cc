// Package authz implements the three-mode authorization decision of the
// provisioning protocol. The decision is a pure function of the registry
// snapshot, the membership-proof validity, and the configured mode; it has
// no side effects and no state of its own.
package authz

import (
	"github.com/beerpub/agent-provisioning-backend/cryptoutils"
	"github.com/beerpub/agent-provisioning-backend/interfaces"
)

// MembershipSet is the registry view the engine consults. Satisfied by
// *registry.KeyRegistry.
type MembershipSet interface {
	Contains(fingerprint interfaces.Fingerprint) bool
}

// Engine decides whether a proven identity may provision a tenant.
type Engine struct {
	mode        interfaces.AuthorizationMode
	registry    MembershipSet
	groupSecret []byte
}

// New creates an engine. groupSecret may be nil when the mode never checks
// membership proofs; registry may be nil when the mode never consults it.
func New(mode interfaces.AuthorizationMode, registry MembershipSet, groupSecret []byte) *Engine {
	return &Engine{mode: mode, registry: registry, groupSecret: groupSecret}
}

// Mode returns the configured authorization mode.
func (e *Engine) Mode() interfaces.AuthorizationMode {
	return e.mode
}

// Authorize applies the configured mode to a request whose signature has
// already been verified. Registry membership is checked before the
// membership proof so a proof is never evaluated for an identity that is
// rejected anyway. Returns nil when authorized, otherwise a ProtocolError
// with code not_authorized or membership_invalid.
func (e *Engine) Authorize(fingerprint interfaces.Fingerprint, nonce interfaces.Nonce, proof []byte) error {
	if e.mode.RequiresRegistry() {
		if !e.registry.Contains(fingerprint) {
			return interfaces.NewProtocolError(interfaces.ErrCodeNotAuthorized,
				"public key is not in the authorized set")
		}
	}

	if e.mode.RequiresMembershipProof() {
		if len(proof) == 0 {
			return interfaces.NewProtocolError(interfaces.ErrCodeMembershipInvalid,
				"membership proof required but not supplied")
		}
		if !cryptoutils.VerifyMembershipProof(e.groupSecret, proof, fingerprint, nonce) {
			return interfaces.NewProtocolError(interfaces.ErrCodeMembershipInvalid,
				"membership proof does not verify")
		}
	}

	return nil
}
