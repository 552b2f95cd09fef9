// Package domain contains core domain types for the flowgate gateway.
package domain

import (
	"time"
)

// Unlimited marks a per-account concurrency limit as uncapped.
const Unlimited = -1

// Account is one upstream account usable for generation calls.
type Account struct {
	ID                   int64     `json:"id"`
	Email                string    `json:"email"`
	Credits              int64     `json:"credits"`
	Active               bool      `json:"active"`
	ImageEnabled         bool      `json:"image_enabled"`
	VideoEnabled         bool      `json:"video_enabled"`
	ImageConcurrency     int       `json:"image_concurrency"`
	VideoConcurrency     int       `json:"video_concurrency"`
	AccessToken          string    `json:"-"`
	AccessTokenExpiresAt time.Time `json:"access_token_expires_at,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// HasAccessToken returns true if the account carries an access token.
func (a *Account) HasAccessToken() bool {
	return a.AccessToken != ""
}

// AccessTokenValidAt reports whether the access token is usable at now,
// keeping margin of headroom before expiry. A zero expiry never expires.
func (a *Account) AccessTokenValidAt(now time.Time, margin time.Duration) bool {
	if !a.HasAccessToken() {
		return false
	}
	if a.AccessTokenExpiresAt.IsZero() {
		return true
	}
	return a.AccessTokenExpiresAt.After(now.Add(margin))
}
