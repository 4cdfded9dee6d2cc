// Package registry maintains the read-mostly set of authorized agent keys.
//
// The registry dataset is a line-oriented authorized-keys file sourced from
// a configurable location (local file, HTTP(S) URL, S3 object, or IPFS
// path). A background loop reloads it on a fixed interval and publishes
// each successfully parsed dataset as an immutable snapshot behind an
// atomic pointer, so lookups never block on a reload and never observe a
// half-written update.
//
// Reload failures degrade to "stale but present": the previous snapshot
// keeps serving until a reload succeeds. Staleness is bounded by the reload
// interval, which must stay well under a minute.
package registry
