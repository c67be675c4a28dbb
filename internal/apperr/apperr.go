// Package apperr defines the error taxonomy shared by the ledger, escrow and
// milestone packages, and maps it onto HTTP responses.
package apperr

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Kinds. Package-level errors wrap one of these with %w so callers can
// classify without importing the originating package.
var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrInvalidState        = errors.New("invalid state transition")
	ErrConcurrencyConflict = errors.New("concurrent update conflict")
	ErrDependencyFailure   = errors.New("dependency failure")
	ErrNotFound            = errors.New("not found")
	ErrForbidden           = errors.New("forbidden")
)

// SupportMessage replaces the text of dependency failures in responses.
const SupportMessage = "The operation could not be completed. Please contact support."

// Code returns the machine-readable error code and HTTP status for err.
func Code(err error) (int, string) {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, ErrInsufficientFunds):
		return http.StatusPaymentRequired, "insufficient_funds"
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, ErrConcurrencyConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, ErrDependencyFailure):
		return http.StatusInternalServerError, "dependency_failure"
	}
	return http.StatusInternalServerError, "internal_error"
}

// Respond writes err as a JSON error body. Dependency failures and unknown
// errors never leak internal detail to the caller.
func Respond(c *gin.Context, err error) {
	status, code := Code(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = SupportMessage
	}
	c.JSON(status, gin.H{"error": code, "message": msg})
}
