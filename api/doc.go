/*
Package api defines the wire protocol of the agent provisioning service and
the HTTP server configuration shared by its binaries.

The protocol is a two round-trip exchange on a single endpoint:

 1. POST /api/attested/provision without proof headers returns 401 with a
    single-use nonce and a challenge descriptor naming the expected
    signature scheme and namespace.
 2. The agent signs the nonce concatenated with its service name and
    repeats the request with the proof headers set. The server verifies
    possession of the key, authorizes the agent, derives the tenant
    identifier, and creates or fetches the tenant in the backend.

Responses for both the created and the existing case share one body shape;
only the HTTP status (201 vs 200) and the status field differ. Error
responses carry a stable machine-readable code, and codes that invalidate
the nonce include a fresh one so the agent can retry without an extra round
trip.
*/
package api
