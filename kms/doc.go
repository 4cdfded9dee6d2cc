// Package kms resolves the server's fixed secrets at startup.
//
// Two secrets exist: the derivation secret keying the tenant deriver, and
// the optional trust-group secret backing membership proofs. Both are
// resolved once, before the server accepts requests, and are immutable for
// the life of the process — rotation is an explicit redeployment that
// orphans previously derived tenant identifiers.
//
// Secret specs select a source:
//
//	hex:6d7920736563726574...           literal (development only)
//	file:/etc/provisioner/secret        hex string in a local file
//	env:PROVISIONER_SECRET              hex string in an environment variable
//	vault://host:8200/secret/prov#key   field in a Vault KV v2 secret
//	shamir:/path/share1,/path/share2    Shamir shares, combined at startup
package kms
