package hub

import (
	"errors"
	"fmt"
)

// ErrCancelled reports that a download or trigger was interrupted by the
// batch cancellation signal. It is never retried and takes precedence over
// any other classification for the same worker.
var ErrCancelled = errors.New("operation cancelled")

// NotFoundError reports that the hub has no product for the given id.
type NotFoundError struct {
	ProductID string // The id the catalog lookup was performed with
	Err       error  // Underlying error, if any
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("product %s not found", e.ProductID)
}

func (e *NotFoundError) Unwrap() error {
	return e.Err
}

// UnauthorizedError reports rejected credentials. It is fatal for the whole
// batch: the orchestrator aborts immediately regardless of the fail-fast
// setting, since no subsequent request can succeed either.
type UnauthorizedError struct {
	Operation string // The operation that was rejected (e.g. "get_product_info")
	Err       error  // Underlying error, if any
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("unauthorized during %s", e.Operation)
}

func (e *UnauthorizedError) Unwrap() error {
	return e.Err
}

// ServerError represents hub-side failures: 5xx responses, malformed
// payloads and unexpected status codes. Transient and retryable.
type ServerError struct {
	Operation  string // The operation that failed (e.g. "get_product_info", "download")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	APIMessage string // Error message from the hub, if any
	Err        error  // Underlying error, if any
}

func (e *ServerError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("server error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.APIMessage)
	}

	return fmt.Sprintf("server error during %s: %s", e.Operation, e.APIMessage)
}

func (e *ServerError) Unwrap() error {
	return e.Err
}

// LTAError represents long-term archive retrieval failures: rejected
// triggers, exceeded retrieval quotas and retrieval timeouts. Quota and
// timeout failures are terminal, everything else may be retried.
type LTAError struct {
	ProductID string // The product whose retrieval failed
	Reason    string // Human-readable cause reported by the hub
	Quota     bool   // True when the user retrieval quota is exhausted
	Timeout   bool   // True when the overall retrieval wait elapsed
	Err       error  // Underlying error, if any
}

func (e *LTAError) Error() string {
	return fmt.Sprintf("long-term archive retrieval failed for %s: %s", e.ProductID, e.Reason)
}

func (e *LTAError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the trigger loop may keep polling after this
// error. Quota exhaustion and timeouts are terminal.
func (e *LTAError) Retryable() bool {
	return !e.Quota && !e.Timeout
}

// InvalidChecksumError reports that a downloaded file does not match the
// digest the hub declared for it. Retryable at the download level.
type InvalidChecksumError struct {
	Path      string // Local file that failed verification
	Algorithm string // Digest algorithm that was used
	Expected  string // Server-declared hex digest
	Actual    string // Computed hex digest
}

func (e *InvalidChecksumError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s (%s): expected %s, got %s", e.Path, e.Algorithm, e.Expected, e.Actual)
}

// ChecksumUnavailableError reports that the product metadata carries no
// digest this client can verify. Distinct from a mismatch: the file was
// not proven corrupt, it simply could not be checked.
type ChecksumUnavailableError struct {
	ProductID string // Product whose metadata lacks a usable checksum
	Algorithm string // Algorithm that was requested, if any
}

func (e *ChecksumUnavailableError) Error() string {
	if e.Algorithm != "" {
		return fmt.Sprintf("no %s checksum available for product %s", e.Algorithm, e.ProductID)
	}

	return fmt.Sprintf("no usable checksum available for product %s", e.ProductID)
}
