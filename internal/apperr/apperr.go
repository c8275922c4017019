// Package apperr defines the stable error codes returned by every milepay
// operation and their mapping onto HTTP responses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/milepay/internal/logging"
	"github.com/mbd888/milepay/internal/metrics"
)

// Code is a stable, machine-readable error identifier.
type Code string

const (
	InvalidTransition               Code = "invalid_transition"
	InsufficientFunds               Code = "insufficient_funds"
	AmountMismatch                  Code = "amount_mismatch"
	DisputeInProgress               Code = "dispute_in_progress"
	ConcurrentModification          Code = "concurrent_modification"
	NotFound                        Code = "not_found"
	Unauthorized                    Code = "unauthorized"
	InvalidRequest                  Code = "invalid_request"
	InsufficientSourceAuthorization Code = "insufficient_source_authorization"
	Internal                        Code = "internal_error"
)

// Error carries a Code, a message safe to show to users, and an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Expected reports whether the error is a refusal the caller can act on
// rather than a fault. Tracing leaves such spans unmarked.
func (e *Error) Expected() bool {
	return e.Code != Internal && e.Code != ConcurrentModification
}

// Is matches any *Error with the same code, so package sentinels built with
// New work with errors.Is even after being re-created with a new message.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// New returns an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf is New with formatting.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to a lower-level cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or Internal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// HTTPStatus maps a code onto a response status.
func HTTPStatus(code Code) int {
	switch code {
	case InvalidRequest, AmountMismatch:
		return http.StatusBadRequest
	case InsufficientSourceAuthorization:
		return http.StatusPaymentRequired
	case Unauthorized:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case InvalidTransition, DisputeInProgress, ConcurrentModification:
		return http.StatusConflict
	case InsufficientFunds:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Respond writes err as a JSON error body. Errors without a code are logged
// and rendered as internal_error so storage details never reach clients.
func Respond(c *gin.Context, err error) {
	var e *Error
	if !errors.As(err, &e) || e.Code == Internal {
		logging.L(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
		metrics.APIErrors.WithLabelValues(string(Internal)).Inc()
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   string(Internal),
			"message": "Internal error",
		})
		return
	}
	metrics.APIErrors.WithLabelValues(string(e.Code)).Inc()
	c.JSON(HTTPStatus(e.Code), gin.H{
		"error":   string(e.Code),
		"message": e.Message,
	})
}

// BadRequest writes an invalid_request response.
func BadRequest(c *gin.Context, message string) {
	metrics.APIErrors.WithLabelValues(string(InvalidRequest)).Inc()
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   string(InvalidRequest),
		"message": message,
	})
}
