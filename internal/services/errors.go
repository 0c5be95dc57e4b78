package services

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/Lllllllleong/voucherflow/internal/economic"
	"github.com/Lllllllleong/voucherflow/internal/scope"
)

// ConfigError is a missing or malformed job input. Nothing is attempted when
// a request fails validation.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid request: %s %s", e.Field, e.Reason)
}

// HTTPStatus maps a job error to the status returned by the HTTP entry points.
func HTTPStatus(err error) int {
	var (
		cfgErr      *ConfigError
		scopeErr    *scope.ResolutionError
		upstreamErr *economic.UpstreamError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &cfgErr):
		return http.StatusBadRequest
	case errors.As(err, &scopeErr):
		return http.StatusForbidden
	case errors.As(err, &upstreamErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Permanent reports whether retrying the same trigger can never succeed:
// invalid input, or a grant token with no usable binding. A scope lookup
// that failed against the store is transient and stays retryable.
func Permanent(err error) bool {
	var (
		cfgErr   *ConfigError
		scopeErr *scope.ResolutionError
	)
	switch {
	case errors.As(err, &cfgErr):
		return true
	case errors.As(err, &scopeErr):
		return scopeErr.Err == nil
	default:
		return false
	}
}
