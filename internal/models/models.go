// Casaflow - Real-Estate Marketplace Client Sync Engine
// Copyright 2026 Casaflow contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casaflow/casaflow

// Package models defines the marketplace payload types shared between the
// API client, the realtime pipeline and the polling fallback.
package models

// Listing is a marketplace property listing as returned by the read API.
type Listing struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Price     int64   `json:"price"`
	Currency  string  `json:"currency"`
	Address   string  `json:"address"`
	City      string  `json:"city"`
	Rooms     int     `json:"rooms"`
	AreaSqm   float64 `json:"area_sqm"`
	Favorite  bool    `json:"favorite"`
	UpdatedAt int64   `json:"updated_at"`
}

// ListingPage is one page of listing search results.
type ListingPage struct {
	Items      []Listing `json:"items"`
	Page       int       `json:"page"`
	TotalPages int       `json:"total_pages"`
}

// Profile is the authenticated user's profile.
type Profile struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
	ETag      string `json:"-"`
}

// Notification is one entry of the notification feed. CreatedAt is unix
// milliseconds and doubles as the feed cursor position.
type Notification struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	ListingID string `json:"listing_id,omitempty"`
	Message   string `json:"message"`
	Read      bool   `json:"read"`
	CreatedAt int64  `json:"created_at"`
}
