package accountpool

import (
	"sort"
	"time"

	"claude-relay/internal/models"
	"claude-relay/internal/utils"
)

// AccountView is the admin-facing projection of an account. Credentials are
// masked and never leave the pool in full.
type AccountView struct {
	OrganizationID string     `json:"organization_id"`
	AuthType       string     `json:"auth_type"`
	Status         string     `json:"status"`
	IsPro          bool       `json:"is_pro"`
	IsMax          bool       `json:"is_max"`
	CookieMasked   string     `json:"cookie_masked,omitempty"`
	HasOAuthToken  bool       `json:"has_oauth_token"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	ResetsAt       *time.Time `json:"resets_at,omitempty"`
	LastUsed       time.Time  `json:"last_used"`
	ActiveSessions int        `json:"active_sessions"`
	Proxy          string     `json:"proxy,omitempty"`
}

// PoolStatus summarizes the pool for the status endpoint.
type PoolStatus struct {
	TotalAccounts       int `json:"total_accounts"`
	ValidAccounts       int `json:"valid_accounts"`
	RateLimitedAccounts int `json:"rate_limited_accounts"`
	InvalidAccounts     int `json:"invalid_accounts"`
	ActiveSessions      int `json:"active_sessions"`
	ProxyPoolSize       int `json:"proxy_pool_size"`
}

// ListAccounts returns masked views of every account, ordered by
// organization ID for stable output.
func (m *Manager) ListAccounts() []AccountView {
	m.mu.Lock()
	defer m.mu.Unlock()

	views := make([]AccountView, 0, len(m.accounts))
	for _, account := range m.accounts {
		views = append(views, m.viewLocked(account))
	}
	sort.Slice(views, func(i, j int) bool {
		return views[i].OrganizationID < views[j].OrganizationID
	})
	return views
}

// ViewAccount returns the masked view of a single account.
func (m *Manager) ViewAccount(orgID string) (AccountView, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[orgID]
	if !ok {
		return AccountView{}, false
	}
	return m.viewLocked(account), true
}

// Status returns pool-wide counters.
func (m *Manager) Status() PoolStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := PoolStatus{
		TotalAccounts:  len(m.accounts),
		ActiveSessions: len(m.sessionToOrg),
		ProxyPoolSize:  len(m.proxyPool),
	}
	for _, account := range m.accounts {
		switch account.Status {
		case models.AccountStatusValid:
			status.ValidAccounts++
		case models.AccountStatusRateLimited:
			status.RateLimitedAccounts++
		case models.AccountStatusInvalid:
			status.InvalidAccounts++
		}
	}
	return status
}

func (m *Manager) viewLocked(account *models.Account) AccountView {
	view := AccountView{
		OrganizationID: account.OrganizationID,
		AuthType:       string(account.AuthType),
		Status:         string(account.Status),
		IsPro:          account.Capabilities.IsPro,
		IsMax:          account.Capabilities.IsMax,
		HasOAuthToken:  account.OAuthToken != nil,
		ResetsAt:       account.ResetsAt,
		LastUsed:       account.LastUsed,
		ActiveSessions: len(m.orgToSessions[account.OrganizationID]),
		Proxy:          utils.MaskProxyURL(m.proxyForLocked(account.OrganizationID)),
	}
	if account.CookieValue != "" {
		view.CookieMasked = utils.MaskCookie(account.CookieValue)
	}
	if account.OAuthToken != nil && account.OAuthToken.ExpiresAt > 0 {
		expires := time.Unix(account.OAuthToken.ExpiresAt, 0).UTC()
		view.TokenExpiresAt = &expires
	}
	return view
}
