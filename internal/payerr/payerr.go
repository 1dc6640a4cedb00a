package payerr

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrDuplicateTransaction means an idempotency key collided with an
// existing transaction. Not retryable with the same key.
var ErrDuplicateTransaction = errors.New("duplicate transaction")

// ErrNotFound means the requested transaction does not exist.
var ErrNotFound = errors.New("transaction not found")

// InvalidTransactionError marks malformed or invalid caller input.
type InvalidTransactionError struct {
	Reason string
}

func (e *InvalidTransactionError) Error() string {
	return "invalid transaction: " + e.Reason
}

func Invalid(format string, args ...interface{}) error {
	return &InvalidTransactionError{Reason: fmt.Sprintf(format, args...)}
}

// GatewayError marks an external provider or network failure.
// Retryable is true for transient faults (timeouts, connection errors),
// false for provider-reported business errors.
type GatewayError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *GatewayError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway error [%s]: %s", e.Code, e.Message)
	}
	return "gateway error: " + e.Message
}

// VerificationError marks a provider-reported failed verification.
// It reflects a business outcome and is never retried automatically.
type VerificationError struct {
	Message string
}

func (e *VerificationError) Error() string {
	return "verification failed: " + e.Message
}

// IsRetryable reports whether err may be retried with backoff.
func IsRetryable(err error) bool {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Retryable
	}
	return false
}

// HTTPStatus maps the error taxonomy onto HTTP status codes.
func HTTPStatus(err error) int {
	var (
		inv *InvalidTransactionError
		ge  *GatewayError
		ve  *VerificationError
	)
	switch {
	case errors.Is(err, ErrDuplicateTransaction):
		return http.StatusConflict
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &inv):
		return http.StatusBadRequest
	case errors.As(err, &ge):
		return http.StatusBadGateway
	case errors.As(err, &ve):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
