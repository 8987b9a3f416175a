package approval

import (
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"memberfund.org/internal/auth"
)

var (
	ErrForbidden         = errors.New("approval: forbidden")
	ErrNotFound          = errors.New("approval: not found")
	ErrInvalidTransition = errors.New("approval: invalid transition")
	ErrInvalidArgument   = errors.New("approval: invalid argument")
	ErrConflict          = errors.New("approval: conflict")
	// ErrUnavailable marks transient persistence or ledger failures. It is the
	// only class a caller may retry.
	ErrUnavailable = errors.New("approval: unavailable")
	// ErrLedgerPosting is a warning: the approval committed but its ledger
	// entry was not written. RetryPosting repairs it.
	ErrLedgerPosting = errors.New("approval: ledger posting failed")
)

// Retryable reports whether err may succeed if the caller tries again.
func Retryable(err error) bool {
	return unavailableClass(err) || errors.Is(err, ErrLedgerPosting)
}

func unavailableClass(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, auth.ErrUnavailable)
}

// HTTPStatus maps an error to a stable status class.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrConflict):
		return http.StatusConflict
	case unavailableClass(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode maps an error to the equivalent gRPC code for RPC callers.
func GRPCCode(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, auth.ErrUnauthenticated):
		return codes.Unauthenticated
	case errors.Is(err, ErrForbidden):
		return codes.PermissionDenied
	case errors.Is(err, ErrNotFound):
		return codes.NotFound
	case errors.Is(err, ErrInvalidArgument):
		return codes.InvalidArgument
	case errors.Is(err, ErrInvalidTransition):
		return codes.FailedPrecondition
	case errors.Is(err, ErrConflict):
		return codes.Aborted
	case unavailableClass(err):
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// Message is the caller-facing text for err. Transient and internal failures
// get a fixed message so driver and network detail stays in the logs.
func Message(err error) string {
	switch {
	case err == nil:
		return ""
	case unavailableClass(err):
		return "service temporarily unavailable"
	case HTTPStatus(err) == http.StatusInternalServerError:
		return "internal error"
	default:
		return err.Error()
	}
}

// GRPCStatus wraps err in a gRPC status. Only Message(err) is echoed.
func GRPCStatus(err error) *status.Status {
	return status.New(GRPCCode(err), Message(err))
}

// outcomeLabel names err for metrics.
func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, auth.ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case unavailableClass(err):
		return "unavailable"
	default:
		return "error"
	}
}
