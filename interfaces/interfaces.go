package interfaces

import "context"

// ConsumeResult classifies the outcome of consuming a nonce. Whatever the
// result, the nonce is no longer live afterwards.
type ConsumeResult int

const (
	// NonceValid: the nonce was live and has now been consumed.
	NonceValid ConsumeResult = iota

	// NonceAlreadyUsed: the nonce was consumed by an earlier request.
	NonceAlreadyUsed

	// NonceExpired: the nonce outlived its TTL before consumption.
	NonceExpired

	// NonceUnknown: the nonce was never issued (or expired long enough ago
	// that the store no longer remembers it).
	NonceUnknown
)

// String returns a log-friendly name for the result.
func (r ConsumeResult) String() string {
	switch r {
	case NonceValid:
		return "valid"
	case NonceAlreadyUsed:
		return "already_used"
	case NonceExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// NonceStore issues single-use, time-bounded challenges and enforces
// at-most-one consumption. Implementations must be safe for concurrent use:
// two Consume calls racing on the same nonce must yield exactly one
// NonceValid.
type NonceStore interface {
	// Issue generates, persists, and returns a fresh nonce.
	Issue(ctx context.Context) (Nonce, error)

	// Consume atomically removes the nonce from the live set and reports
	// what it found. A ErrStoreUnavailable error means the request must
	// fail; it does not classify the nonce.
	Consume(ctx context.Context, nonce Nonce) (ConsumeResult, error)

	// Close releases background resources (sweepers, connections).
	Close() error
}

// RegistrySource loads the full authorized-key dataset. It is called
// repeatedly by the registry's reload loop; on transient unavailability it
// should return an error (the registry keeps serving the last good set).
type RegistrySource interface {
	// Load fetches and parses the dataset.
	Load(ctx context.Context) ([]RegistryEntry, error)

	// Location describes the source for logs.
	Location() string
}

// TenantBackend is the external resource system. CreateOrFetch must be
// idempotent for a given id and safe under concurrent calls with the same
// id — the derived TenantID is the idempotency key.
type TenantBackend interface {
	// CreateOrFetch returns the tenant for id, creating it if absent.
	// The bool reports whether this call created it.
	CreateOrFetch(ctx context.Context, id TenantID) (*Tenant, bool, error)
}

// SecretSource resolves a fixed secret at process startup. The resolved
// value is immutable for the life of the process.
type SecretSource interface {
	// Resolve returns the secret bytes.
	Resolve(ctx context.Context) ([]byte, error)
}
