// Casaflow - Real-Estate Marketplace Client Sync Engine
// Copyright 2026 Casaflow contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casaflow/casaflow

package request

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a request failure for retry and surfacing decisions.
type Kind int

const (
	// KindTransient covers network-level failures, timeouts and 5xx
	// responses. Retried with backoff before being surfaced.
	KindTransient Kind = iota

	// KindAuth covers 401 responses. Routed through the token coordinator
	// once by the API layer; a second 401 is terminal.
	KindAuth

	// KindTerminal covers 4xx responses other than 401. Never retried.
	KindTerminal
)

// String returns the kind name used in logs and metrics labels.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuth:
		return "auth"
	case KindTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Error is the typed failure returned to the application layer. It carries
// the classification and the HTTP status when one was received; the wrapped
// cause is preserved for logs but transport internals never appear in the
// message surfaced to callers.
type Error struct {
	Kind    Kind
	Status  int // 0 when the failure happened below HTTP (dial, timeout)
	Message string
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (HTTP %d)", e.Kind, e.Message, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// NewError builds a typed error with an explicit kind.
func NewError(kind Kind, status int, message string, cause error) *Error {
	return &Error{Kind: kind, Status: status, Message: message, cause: cause}
}

// Transient wraps a network-level failure as retryable.
func Transient(message string, cause error) *Error {
	return &Error{Kind: KindTransient, Message: message, cause: cause}
}

// FromStatus classifies an HTTP response status into a typed error.
func FromStatus(status int, message string) *Error {
	switch {
	case status == http.StatusUnauthorized:
		return &Error{Kind: KindAuth, Status: status, Message: message}
	case status >= 500:
		return &Error{Kind: KindTransient, Status: status, Message: message}
	default:
		return &Error{Kind: KindTerminal, Status: status, Message: message}
	}
}

// KindOf extracts the failure kind, defaulting to KindTransient for
// unclassified errors (bare network errors reach us untyped).
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindTransient
}

// IsTransient reports whether the error should be retried with backoff.
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

// IsAuth reports whether the error is an authentication failure.
func IsAuth(err error) bool {
	if err == nil {
		return false
	}
	var re *Error
	return errors.As(err, &re) && re.Kind == KindAuth
}

// IsTerminal reports whether the error must be surfaced without retry.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	var re *Error
	return errors.As(err, &re) && re.Kind == KindTerminal
}
