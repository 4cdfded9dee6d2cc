// Package interfaces defines the core types and collaborator contracts for
// the agent provisioning system.
//
// This package provides the contracts between components without including
// implementation details. It separates interface definitions from their
// implementations, allowing for:
//
//   - Clear separation of concerns
//   - Multiple implementations of the same interface
//   - Better testability through mock implementations
//   - Reduced coupling between components
//
// # Identity Types
//
//   - Fingerprint: stable hex identifier derived from an Ed25519 public key
//   - Nonce: single-use random challenge issued by a NonceStore
//   - TenantID: deterministic, secret-keyed tenant identifier
//
// # Collaborator Interfaces
//
//   - NonceStore: issues and atomically consumes challenges
//   - RegistrySource: loads the authorized-key dataset
//   - TenantBackend: idempotent create-or-fetch against the external
//     observability system
//   - SecretSource: resolves the fixed server secret at startup
//
// # Error Types
//
// ProtocolError carries the stable wire-level error code for every failure
// class of the provisioning exchange, so callers can distinguish a bad
// signature from a missing registry entry from a stale nonce.
package interfaces
