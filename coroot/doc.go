// Package coroot implements the tenant backend against a Coroot-style
// observability server. It authenticates with a cookie session, creates or
// fetches projects by name, retrieves ingestion API keys, and assembles the
// per-tenant endpoint set (optionally refined through DNS SRV lookup of the
// ingest service).
package coroot
