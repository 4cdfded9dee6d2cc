package interfaces

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is the stable wire-level classification of a provisioning
// failure. Codes never change meaning; clients branch on them.
type ErrorCode string

const (
	// ErrCodeNonceRequired signals the first round trip of the exchange:
	// no proof attached yet. Not a failure.
	ErrCodeNonceRequired ErrorCode = "nonce_required"

	// ErrCodeNonceInvalid covers expired, unknown, and already-consumed
	// nonces. The response always carries a fresh nonce for retry.
	ErrCodeNonceInvalid ErrorCode = "nonce_invalid"

	// ErrCodeSignatureInvalid means both proof formats failed to verify.
	ErrCodeSignatureInvalid ErrorCode = "signature_invalid"

	// ErrCodeNotAuthorized means the fingerprint is not in the registry.
	ErrCodeNotAuthorized ErrorCode = "not_authorized"

	// ErrCodeMembershipInvalid means the shared-secret membership proof is
	// missing or does not verify.
	ErrCodeMembershipInvalid ErrorCode = "membership_invalid"

	// ErrCodeServiceNameMismatch means the service name differs between the
	// request header and the structured body.
	ErrCodeServiceNameMismatch ErrorCode = "service_name_mismatch"

	// ErrCodeMalformedRequest covers structurally invalid input: bad
	// encodings, missing required fields, oversized bodies.
	ErrCodeMalformedRequest ErrorCode = "malformed_request"

	// ErrCodeRateLimited is caller-imposed throttling. The engine never
	// produces it itself but the taxonomy must represent it.
	ErrCodeRateLimited ErrorCode = "rate_limited"

	// ErrCodeProvisioningFailed means the external resource system's
	// create-or-fetch failed after retries.
	ErrCodeProvisioningFailed ErrorCode = "provisioning_failed"
)

// httpStatusFor maps error codes to HTTP statuses.
var httpStatusFor = map[ErrorCode]int{
	ErrCodeNonceRequired:       http.StatusUnauthorized,
	ErrCodeNonceInvalid:        http.StatusUnauthorized,
	ErrCodeSignatureInvalid:    http.StatusUnauthorized,
	ErrCodeNotAuthorized:       http.StatusForbidden,
	ErrCodeMembershipInvalid:   http.StatusForbidden,
	ErrCodeServiceNameMismatch: http.StatusBadRequest,
	ErrCodeMalformedRequest:    http.StatusBadRequest,
	ErrCodeRateLimited:         http.StatusTooManyRequests,
	ErrCodeProvisioningFailed:  http.StatusBadGateway,
}

// ProtocolError is a provisioning failure with a stable code and
// human-readable detail. It implements error.
type ProtocolError struct {
	// Code is the stable classification.
	Code ErrorCode

	// Detail is the human-readable explanation.
	Detail string

	// Err is the optional underlying cause, kept for logs and unwrapping,
	// never serialized to clients.
	Err error
}

// Error returns the code and detail.
func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// Unwrap returns the underlying cause, if any.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status for the error's code.
func (e *ProtocolError) HTTPStatus() int {
	if status, ok := httpStatusFor[e.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// NewProtocolError creates a ProtocolError with the given code and detail.
func NewProtocolError(code ErrorCode, detail string) *ProtocolError {
	return &ProtocolError{Code: code, Detail: detail}
}

// WrapProtocolError creates a ProtocolError carrying an underlying cause.
func WrapProtocolError(code ErrorCode, detail string, err error) *ProtocolError {
	return &ProtocolError{Code: code, Detail: detail, Err: err}
}

// AsProtocolError extracts a ProtocolError from err's chain. The second
// return is false if the chain carries no ProtocolError.
func AsProtocolError(err error) (*ProtocolError, bool) {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return perr, true
	}
	return nil, false
}

// ErrStoreUnavailable is returned by nonce stores when the backing
// datastore cannot be reached. Requests must fail, never fail open.
var ErrStoreUnavailable = errors.New("nonce store unavailable")
