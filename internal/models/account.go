// Package models defines the core data entities of the gateway.
package models

import "time"

// AuthType describes which credentials an account currently holds.
type AuthType string

const (
	AuthTypeCookieOnly AuthType = "cookie_only"
	AuthTypeOAuthOnly  AuthType = "oauth_only"
	AuthTypeBoth       AuthType = "both"
)

// AccountStatus is the health state of an account.
type AccountStatus string

const (
	AccountStatusValid       AccountStatus = "valid"
	AccountStatusRateLimited AccountStatus = "rate_limited"
	AccountStatusInvalid     AccountStatus = "invalid"
)

// OAuthTokenRefreshHorizon is how close to expiry a token must be before a
// refresh is attempted instead of accepting it as-is.
const OAuthTokenRefreshHorizon = 300 * time.Second

// OAuthToken is a structured OAuth credential.
type OAuthToken struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	// ExpiresAt is a Unix timestamp in seconds.
	ExpiresAt int64 `json:"expires_at"`
}

// ExpiresWithin reports whether the token expires within the given horizon.
func (t *OAuthToken) ExpiresWithin(now time.Time, horizon time.Duration) bool {
	return time.Unix(t.ExpiresAt, 0).Sub(now) < horizon
}

// Refreshable reports whether the token carries enough material to refresh.
func (t *OAuthToken) Refreshable() bool {
	return t != nil && t.RefreshToken != "" && t.ExpiresAt != 0
}

// Capabilities are immutable facts about an account's plan tier.
type Capabilities struct {
	IsPro bool `json:"is_pro"`
	IsMax bool `json:"is_max"`
}

// Account is a managed credential set for one upstream organization.
// All fields are owned by the pool manager; nothing outside the manager or
// its reconciliation loop mutates them directly.
type Account struct {
	OrganizationID string        `json:"organization_id"`
	CookieValue    string        `json:"cookie_value,omitempty"`
	OAuthToken     *OAuthToken   `json:"oauth_token,omitempty"`
	AuthType       AuthType      `json:"auth_type"`
	Capabilities   Capabilities  `json:"capabilities"`
	Status         AccountStatus `json:"status"`
	ResetsAt       *time.Time    `json:"resets_at,omitempty"`
	LastUsed       time.Time     `json:"last_used"`
}

// SupportsCookie reports whether the account can serve cookie-auth traffic.
func (a *Account) SupportsCookie() bool {
	return a.AuthType == AuthTypeCookieOnly || a.AuthType == AuthTypeBoth
}

// SupportsOAuth reports whether the account can serve token-auth traffic.
func (a *Account) SupportsOAuth() bool {
	return a.AuthType == AuthTypeOAuthOnly || a.AuthType == AuthTypeBoth
}

// DeriveAuthType computes the auth type from which credentials are present.
func DeriveAuthType(cookieValue string, token *OAuthToken) AuthType {
	switch {
	case cookieValue != "" && token != nil:
		return AuthTypeBoth
	case cookieValue != "":
		return AuthTypeCookieOnly
	default:
		return AuthTypeOAuthOnly
	}
}

// MatchesFilters reports whether the account satisfies the given capability
// filters. A nil filter matches any value.
func (a *Account) MatchesFilters(isPro, isMax *bool) bool {
	if isPro != nil && a.Capabilities.IsPro != *isPro {
		return false
	}
	if isMax != nil && a.Capabilities.IsMax != *isMax {
		return false
	}
	return true
}
