// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"errors"
	"time"
)

// =============================================================================
// TOKEN RECORD
// =============================================================================

// TokenRecord holds the current access/refresh token pair. It is owned
// exclusively by the Store: mutated only by a successful login or refresh,
// destroyed on logout or unrecoverable refresh failure.
type TokenRecord struct {
	// AccessToken is the short-lived bearer credential.
	AccessToken string `json:"access_token"`

	// RefreshToken is the longer-lived renewal credential. May be empty for
	// sessions that did not opt into remember-me.
	RefreshToken string `json:"refresh_token,omitempty"`

	// IssuedAt is when this record was minted.
	IssuedAt time.Time `json:"issued_at"`

	// ExpiresAt is when the access token stops being usable.
	ExpiresAt time.Time `json:"expires_at"`

	// UserID is the authenticated user identifier.
	UserID string `json:"user_id"`

	// SessionID ties this record to the live session state.
	SessionID string `json:"session_id"`
}

// Structural validation errors.
var (
	ErrEmptyAccessToken = errors.New("token record has no access token")
	ErrNoSessionID      = errors.New("token record has no session id")
	ErrInvalidWindow    = errors.New("token record validity window is inverted")
	ErrNotYetValid      = errors.New("token record issued in the future")
	ErrTokenExpired     = errors.New("token record expired")
)

// Validate checks the record's structure and its validity window against now.
// The invariant is issuedAt <= now <= expiresAt; a violating record is
// treated as invalid and the caller purges it.
func (r *TokenRecord) Validate(now time.Time) error {
	if r.AccessToken == "" {
		return ErrEmptyAccessToken
	}
	if r.SessionID == "" {
		return ErrNoSessionID
	}
	if !r.ExpiresAt.After(r.IssuedAt) {
		return ErrInvalidWindow
	}
	// Small skew allowance for a clock that just synced backwards.
	if r.IssuedAt.After(now.Add(2 * time.Minute)) {
		return ErrNotYetValid
	}
	if now.After(r.ExpiresAt) {
		return ErrTokenExpired
	}
	return nil
}

// TimeToExpiry returns the remaining access token lifetime, never negative.
func (r *TokenRecord) TimeToExpiry(now time.Time) time.Duration {
	remaining := r.ExpiresAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Clone returns a copy so callers can hold a snapshot without aliasing the
// stored record.
func (r *TokenRecord) Clone() *TokenRecord {
	if r == nil {
		return nil
	}
	clone := *r
	return &clone
}
