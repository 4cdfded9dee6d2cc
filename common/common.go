// Package common holds build metadata and logging setup shared by all
// binaries in the provisioning backend.
package common

// PackageName is the service identifier used in logs and metrics.
const PackageName = "agent-provisioning-backend"

// Version is set at build time via -ldflags.
var Version = "dev"
