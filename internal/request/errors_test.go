// Casaflow - Real-Estate Marketplace Client Sync Engine
// Copyright 2026 Casaflow contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casaflow/casaflow

package request

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

// TestFromStatus tests HTTP status classification
func TestFromStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   int
		expected Kind
	}{
		{name: "401 is auth", status: http.StatusUnauthorized, expected: KindAuth},
		{name: "500 is transient", status: http.StatusInternalServerError, expected: KindTransient},
		{name: "503 is transient", status: http.StatusServiceUnavailable, expected: KindTransient},
		{name: "404 is terminal", status: http.StatusNotFound, expected: KindTerminal},
		{name: "400 is terminal", status: http.StatusBadRequest, expected: KindTerminal},
		{name: "403 is terminal", status: http.StatusForbidden, expected: KindTerminal},
		{name: "429 is terminal", status: http.StatusTooManyRequests, expected: KindTerminal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := FromStatus(tt.status, "boom")
			if err.Kind != tt.expected {
				t.Errorf("status %d: expected %s, got %s", tt.status, tt.expected, err.Kind)
			}
			if err.Status != tt.status {
				t.Errorf("expected status %d preserved, got %d", tt.status, err.Status)
			}
		})
	}
}

// TestKindOfUntypedError tests the transient default for bare errors
func TestKindOfUntypedError(t *testing.T) {
	t.Parallel()

	if got := KindOf(errors.New("connection reset")); got != KindTransient {
		t.Errorf("expected untyped errors to default to transient, got %s", got)
	}
}

// TestKindOfWrappedError tests classification through error chains
func TestKindOfWrappedError(t *testing.T) {
	t.Parallel()

	inner := FromStatus(http.StatusNotFound, "no such listing")
	wrapped := fmt.Errorf("fetching listing: %w", inner)

	if got := KindOf(wrapped); got != KindTerminal {
		t.Errorf("expected terminal through the wrap chain, got %s", got)
	}
	if !IsTerminal(wrapped) {
		t.Error("IsTerminal should see through wrapping")
	}
}

// TestPredicates tests the Is helpers against each kind
func TestPredicates(t *testing.T) {
	t.Parallel()

	transient := Transient("dial failed", errors.New("refused"))
	authErr := FromStatus(http.StatusUnauthorized, "expired")
	terminal := FromStatus(http.StatusConflict, "conflict")

	if !IsTransient(transient) || IsAuth(transient) || IsTerminal(transient) {
		t.Error("transient error misclassified")
	}
	if IsTransient(authErr) || !IsAuth(authErr) || IsTerminal(authErr) {
		t.Error("auth error misclassified")
	}
	if IsTransient(terminal) || IsAuth(terminal) || !IsTerminal(terminal) {
		t.Error("terminal error misclassified")
	}

	if IsTransient(nil) || IsAuth(nil) || IsTerminal(nil) {
		t.Error("nil error should satisfy no predicate")
	}
}

// TestErrorMessage tests the rendered error string
func TestErrorMessage(t *testing.T) {
	t.Parallel()

	withStatus := FromStatus(http.StatusBadGateway, "upstream down")
	if !strings.Contains(withStatus.Error(), "502") {
		t.Errorf("expected status in message, got %q", withStatus.Error())
	}

	noStatus := Transient("dial failed", nil)
	if strings.Contains(noStatus.Error(), "HTTP") {
		t.Errorf("expected no HTTP status in message, got %q", noStatus.Error())
	}
}

// TestUnwrap tests that the cause is reachable via errors.Is
func TestUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("root cause")
	err := Transient("wrapper", cause)

	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}
}
