// Package errcode builds the go-errors envelopes shared by every layer of
// the resolver.
package errcode

import (
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	RequestTimeout   = "XCOOKIE_REQUEST_TIMEOUT"
	SessionDegraded  = "XCOOKIE_SESSION_DEGRADED"
	StoreUnavailable = "XCOOKIE_STORE_UNAVAILABLE"
	BadInput         = "XCOOKIE_BAD_INPUT"
	Closed           = "XCOOKIE_CLOSED"
	Internal         = "XCOOKIE_INTERNAL"
	PolicyInvalid    = "XCOOKIE_POLICY_INVALID"
)

// New returns a rich error tagged with textCode.
func New(message string, category goerrors.Category, textCode string, metadata map[string]any) error {
	err := goerrors.New(message, category).
		WithCode(httpStatus(category)).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

// Wrap wraps source, or creates a fresh error when source is nil.
func Wrap(source error, category goerrors.Category, message, textCode string, metadata map[string]any) error {
	if source == nil {
		return New(message, category, textCode, metadata)
	}
	err := goerrors.Wrap(source, category, message).
		WithCode(httpStatus(category)).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

// Timeout reports a correlated request that got no answer in time.
func Timeout(message string, metadata map[string]any) error {
	return New(message, goerrors.CategoryOperation, RequestTimeout, metadata)
}

// Degraded reports a shared-store session that never became ready.
func Degraded(message string, metadata map[string]any) error {
	return New(message, goerrors.CategoryExternal, SessionDegraded, metadata)
}

// ClosedErr reports use of a closed component.
func ClosedErr(message string) error {
	return New(message, goerrors.CategoryOperation, Closed, nil)
}

// Is reports whether err, or anything it wraps, carries textCode.
func Is(err error, textCode string) bool {
	if err == nil {
		return false
	}
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) || rich == nil {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(rich.TextCode), textCode)
}

func httpStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryOperation:
		return http.StatusRequestTimeout
	case goerrors.CategoryExternal:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
