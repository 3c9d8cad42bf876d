// Casaflow - Real-Estate Marketplace Client Sync Engine
// Copyright 2026 Casaflow contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casaflow/casaflow

// Package auth owns client credentials: the store the host app persists
// tokens through, and the refresh coordinator that guarantees at most one
// refresh call is in flight no matter how many requests hit a 401
// concurrently.
package auth

import "sync"

// CredentialStore is the seam to the host app's credential persistence.
// The engine only reads and replaces the pair; how the host stores it
// (keychain, encrypted prefs) is its concern.
type CredentialStore interface {
	// AccessToken returns the current bearer token, or "" when signed out.
	AccessToken() string

	// RefreshToken returns the current refresh credential, or "".
	RefreshToken() string

	// SetTokens replaces both credentials atomically.
	SetTokens(access, refresh string)

	// Clear wipes both credentials (sign-out).
	Clear()
}

// MemoryStore is the in-process CredentialStore used by the agent binary and
// by tests. Mobile builds inject their platform-backed implementation.
type MemoryStore struct {
	mu      sync.RWMutex
	access  string
	refresh string
}

// NewMemoryStore creates an empty in-memory credential store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// AccessToken implements CredentialStore.
func (s *MemoryStore) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.access
}

// RefreshToken implements CredentialStore.
func (s *MemoryStore) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refresh
}

// SetTokens implements CredentialStore.
func (s *MemoryStore) SetTokens(access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = access
	s.refresh = refresh
}

// Clear implements CredentialStore.
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = ""
	s.refresh = ""
}
