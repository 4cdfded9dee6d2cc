// Package noncestore provides the single-use challenge stores for the
// provisioning protocol.
//
// Two implementations share the interfaces.NonceStore contract:
//
//   - MemoryStore: in-process store for single-instance deployments.
//   - SQLiteStore: database-backed store whose file can be shared by
//     multiple server instances behind a load balancer.
//
// Both guarantee that concurrent Consume calls racing on the same nonce
// produce exactly one NonceValid result: the check and the delete are a
// single atomic step, never a check followed by a delete.
package noncestore
