// Package provisioner implements the server and client sides of the
// provisioning exchange.
//
// The server-side Handler drives the verification pipeline: it consumes the
// single-use nonce, resolves the agent's public key, verifies the possession
// proof, applies the configured authorization mode, derives the tenant
// identifier, and creates or fetches the tenant in the backend. Every
// decision maps to a stable error code so agents can branch without parsing
// prose.
//
// The client performs the full two round-trip exchange for an agent holding
// an Ed25519 SSH key: request a nonce, sign nonce||service_name in the
// protocol namespace, and submit the proof.
package provisioner
