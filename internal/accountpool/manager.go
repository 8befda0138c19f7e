// Package accountpool implements the account pool manager: a concurrent
// scheduler that owns upstream accounts, binds client sessions to them with
// sticky affinity, and heals the pool in the background.
package accountpool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	app_errors "claude-relay/internal/errors"
	"claude-relay/internal/models"
	"claude-relay/internal/store"
	"claude-relay/internal/types"
	"claude-relay/internal/utils"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Filters narrows account selection by plan capability. A nil field matches
// any value.
type Filters struct {
	IsPro *bool
	IsMax *bool
}

// AddAccountParams carries the inputs of AddAccount. At least one credential
// is required.
type AddAccountParams struct {
	CookieValue    string
	OAuthToken     *models.OAuthToken
	OrganizationID string
	Capabilities   *models.Capabilities
}

// TestResult reports the outcome of an active credential test. CookieValid
// and OAuthValid are nil when the corresponding auth method was not tested.
type TestResult struct {
	Success     bool   `json:"success"`
	CookieValid *bool  `json:"cookie_valid"`
	OAuthValid  *bool  `json:"oauth_valid"`
	Error       string `json:"error,omitempty"`
}

// Manager owns all accounts and the session affinity table. All public
// operations are safe for concurrent use; selection and release never block
// on I/O.
type Manager struct {
	mu            sync.Mutex
	accounts      map[string]*models.Account
	cookieToOrg   map[string]string
	sessionToOrg  map[string]string
	orgToSessions map[string]map[string]struct{}
	refreshing    map[string]struct{}

	snapshot      store.SnapshotStore
	proxyStore    store.ProxyPoolStore
	authenticator Authenticator

	maxSessionsPerAccount int
	reconcileInterval     time.Duration
	proxyURL              string
	proxyPool             []string

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// now is swappable for tests.
	now func() time.Time
}

// NewManager creates a pool manager. Call Initialize to load the snapshot
// and Start to launch the reconciliation loop.
func NewManager(configManager types.ConfigManager, snapshot store.SnapshotStore, proxyStore store.ProxyPoolStore, authenticator Authenticator) *Manager {
	poolConfig := configManager.GetPoolConfig()
	return &Manager{
		accounts:              make(map[string]*models.Account),
		cookieToOrg:           make(map[string]string),
		sessionToOrg:          make(map[string]string),
		orgToSessions:         make(map[string]map[string]struct{}),
		refreshing:            make(map[string]struct{}),
		snapshot:              snapshot,
		proxyStore:            proxyStore,
		authenticator:         authenticator,
		maxSessionsPerAccount: poolConfig.MaxSessionsPerAccount,
		reconcileInterval:     poolConfig.ReconcileInterval,
		proxyURL:              poolConfig.ProxyURL,
		proxyPool:             poolConfig.ProxyPool,
		stopChan:              make(chan struct{}),
		now:                   time.Now,
	}
}

// Initialize loads persisted accounts into the pool. Admin changes to the
// proxy pool override the env-provided defaults.
func (m *Manager) Initialize() error {
	accounts, err := m.snapshot.Load()
	if err != nil {
		return fmt.Errorf("failed to load account snapshot: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for orgID, account := range accounts {
		m.accounts[orgID] = account
		if account.CookieValue != "" {
			m.cookieToOrg[account.CookieValue] = orgID
		}
	}
	if proxies, ok := m.proxyStore.LoadProxyPool(); ok {
		m.proxyPool = proxies
	}
	logrus.WithFields(logrus.Fields{
		"accounts": len(m.accounts),
		"proxies":  len(m.proxyPool),
	}).Info("Account pool initialized")
	return nil
}

// SelectForSession returns the account bound to the session, or binds a new
// one chosen by least-sessions with earliest-lastUsed tie-break.
func (m *Manager) SelectForSession(sessionID string, filters Filters) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Sticky affinity: reuse the bound account while it stays valid.
	if orgID, ok := m.sessionToOrg[sessionID]; ok {
		if account, ok := m.accounts[orgID]; ok && account.Status == models.AccountStatusValid {
			account.LastUsed = m.now()
			return account.Clone(), nil
		}
		// Bound account is gone or unhealthy: evict lazily and reselect.
		m.unbindSessionLocked(sessionID)
	}

	var best *models.Account
	minSessions := -1

	for _, account := range m.accounts {
		if account.Status != models.AccountStatusValid {
			continue
		}
		if !account.SupportsCookie() {
			continue
		}
		if !account.MatchesFilters(filters.IsPro, filters.IsMax) {
			continue
		}
		sessionCount := len(m.orgToSessions[account.OrganizationID])
		if sessionCount >= m.maxSessionsPerAccount {
			continue
		}

		// Least sessions wins; equal counts fall back to the account used
		// longest ago so load spreads fairly over time.
		switch {
		case minSessions == -1 || sessionCount < minSessions:
			best = account
			minSessions = sessionCount
		case sessionCount == minSessions && account.LastUsed.Before(best.LastUsed):
			best = account
		}
	}

	if best == nil {
		return nil, app_errors.ErrNoAccountsAvailable
	}

	m.bindSessionLocked(sessionID, best.OrganizationID)
	best.LastUsed = m.now()

	logrus.WithFields(logrus.Fields{
		"session_id":      sessionID,
		"organization_id": utils.ShortOrgID(best.OrganizationID),
		"sessions":        len(m.orgToSessions[best.OrganizationID]),
	}).Debug("Bound session to account")

	return best.Clone(), nil
}

// SelectForDirectAuth returns the valid OAuth-capable account used longest
// ago. No session binding or session-count constraint applies.
func (m *Manager) SelectForDirectAuth(filters Filters) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var oldest *models.Account
	for _, account := range m.accounts {
		if account.Status != models.AccountStatusValid {
			continue
		}
		if !account.SupportsOAuth() {
			continue
		}
		if !account.MatchesFilters(filters.IsPro, filters.IsMax) {
			continue
		}
		if oldest == nil || account.LastUsed.Before(oldest.LastUsed) {
			oldest = account
		}
	}

	if oldest == nil {
		return nil, app_errors.ErrNoAccountsAvailable
	}

	oldest.LastUsed = m.now()
	return oldest.Clone(), nil
}

// ReleaseSession drops the session's affinity binding. No-op if unbound.
func (m *Manager) ReleaseSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unbindSessionLocked(sessionID)
}

// SessionCount returns how many sessions are bound to the given account.
func (m *Manager) SessionCount(orgID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orgToSessions[orgID])
}

// AddAccount registers a new account or merges credentials into an existing
// one. Duplicate cookies return the existing account unchanged.
func (m *Manager) AddAccount(ctx context.Context, params AddAccountParams) (*models.Account, error) {
	if params.CookieValue == "" && params.OAuthToken == nil {
		return nil, fmt.Errorf("either a cookie or an OAuth token is required")
	}

	m.mu.Lock()
	if params.CookieValue != "" {
		if orgID, ok := m.cookieToOrg[params.CookieValue]; ok {
			existing := m.accounts[orgID].Clone()
			m.mu.Unlock()
			return existing, nil
		}
	}
	m.mu.Unlock()

	orgID := params.OrganizationID
	capabilities := params.Capabilities

	// Resolve missing organization info through the cookie before touching
	// pool state; this is the only suspension point of AddAccount.
	if params.CookieValue != "" && (orgID == "" || capabilities == nil) {
		resolvedOrg, resolvedCaps, err := m.authenticator.ResolveOrganization(ctx, params.CookieValue)
		if err != nil {
			logrus.WithError(err).Warn("Failed to resolve organization info for new account")
		} else {
			if resolvedOrg != "" {
				orgID = resolvedOrg
			}
			capabilities = &resolvedCaps
		}
	}

	m.mu.Lock()

	// Organization collision: merge the new cookie into the existing
	// account instead of creating a duplicate.
	if orgID != "" {
		if existing, ok := m.accounts[orgID]; ok {
			if params.CookieValue != "" && existing.CookieValue != params.CookieValue {
				if existing.CookieValue != "" {
					delete(m.cookieToOrg, existing.CookieValue)
				}
				existing.CookieValue = params.CookieValue
				existing.AuthType = models.DeriveAuthType(existing.CookieValue, existing.OAuthToken)
				m.cookieToOrg[params.CookieValue] = orgID
				m.persistLocked()
			}
			clone := existing.Clone()
			m.mu.Unlock()
			return clone, nil
		}
	}

	if orgID == "" {
		orgID = uuid.NewString()
		logrus.WithField("organization_id", utils.ShortOrgID(orgID)).Info("Generated new organization ID")
	}

	account := &models.Account{
		OrganizationID: orgID,
		CookieValue:    params.CookieValue,
		OAuthToken:     params.OAuthToken,
		AuthType:       models.DeriveAuthType(params.CookieValue, params.OAuthToken),
		Status:         models.AccountStatusValid,
		LastUsed:       m.now(),
	}
	if capabilities != nil {
		account.Capabilities = *capabilities
	}

	m.accounts[orgID] = account
	if params.CookieValue != "" {
		m.cookieToOrg[params.CookieValue] = orgID
	}
	m.persistLocked()

	logrus.WithFields(logrus.Fields{
		"organization_id": utils.ShortOrgID(orgID),
		"auth_type":       account.AuthType,
		"cookie":          utils.MaskCookie(params.CookieValue),
		"has_oauth":       params.OAuthToken != nil,
	}).Info("Added new account")

	clone := account.Clone()
	m.mu.Unlock()

	// A fresh cookie-only account may be upgradable to dual auth; attempt
	// it in the background without blocking the caller.
	if account.AuthType == models.AuthTypeCookieOnly {
		m.spawn(func() { m.attemptOAuthUpgrade(orgID) })
	}

	return clone, nil
}

// RemoveAccount deletes an account and evicts all its affinity entries.
// No-op if absent.
func (m *Manager) RemoveAccount(orgID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[orgID]
	if !ok {
		return
	}

	for sessionID := range m.orgToSessions[orgID] {
		delete(m.sessionToOrg, sessionID)
	}
	delete(m.orgToSessions, orgID)

	if account.CookieValue != "" {
		delete(m.cookieToOrg, account.CookieValue)
	}
	delete(m.accounts, orgID)

	logrus.WithField("organization_id", utils.ShortOrgID(orgID)).Info("Removed account")
	m.persistLocked()
}

// GetAccount returns a clone of the account if it exists and is valid.
func (m *Manager) GetAccount(orgID string) (*models.Account, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[orgID]
	if !ok || account.Status != models.AccountStatusValid {
		return nil, false
	}
	return account.Clone(), true
}

// MarkRateLimited transitions an account to RateLimited until resetsAt.
// Applied when the upstream call layer observes a rate-limit response.
func (m *Manager) MarkRateLimited(orgID string, resetsAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[orgID]
	if !ok {
		return
	}

	account.Status = models.AccountStatusRateLimited
	account.ResetsAt = &resetsAt
	logrus.WithFields(logrus.Fields{
		"organization_id": utils.ShortOrgID(orgID),
		"resets_at":       resetsAt,
	}).Warn("Account rate limited")
	m.persistLocked()
}

// ProxyFor returns the egress proxy assigned to the account. Assignment is
// rank-based over the sorted organization IDs, so it is deterministic and
// evenly spread, but only consistent between structural pool changes.
func (m *Manager) ProxyFor(orgID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.proxyForLocked(orgID)
}

func (m *Manager) proxyForLocked(orgID string) string {
	if len(m.proxyPool) == 0 {
		return m.proxyURL
	}

	orgIDs := make([]string, 0, len(m.accounts))
	for id := range m.accounts {
		orgIDs = append(orgIDs, id)
	}
	sort.Strings(orgIDs)

	rank := sort.SearchStrings(orgIDs, orgID)
	if rank >= len(orgIDs) || orgIDs[rank] != orgID {
		logrus.WithField("organization_id", utils.ShortOrgID(orgID)).
			Warn("Account not found in pool, falling back to global proxy")
		return m.proxyURL
	}

	return m.proxyPool[rank%len(m.proxyPool)]
}

// persistLocked saves the snapshot; failures are logged, never propagated.
// The in-memory pool stays authoritative regardless.
func (m *Manager) persistLocked() {
	if err := m.snapshot.Save(m.accounts); err != nil {
		logrus.WithError(err).Error("Failed to persist account snapshot")
	}
}

func (m *Manager) bindSessionLocked(sessionID, orgID string) {
	m.sessionToOrg[sessionID] = orgID
	sessions, ok := m.orgToSessions[orgID]
	if !ok {
		sessions = make(map[string]struct{})
		m.orgToSessions[orgID] = sessions
	}
	sessions[sessionID] = struct{}{}
}

func (m *Manager) unbindSessionLocked(sessionID string) {
	orgID, ok := m.sessionToOrg[sessionID]
	if !ok {
		return
	}
	delete(m.sessionToOrg, sessionID)
	if sessions, ok := m.orgToSessions[orgID]; ok {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(m.orgToSessions, orgID)
		}
	}
}

// spawn runs fn on a tracked goroutine that never crashes the process.
func (m *Manager) spawn(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logrus.Errorf("Recovered from panic in pool background task: %v", r)
			}
		}()
		fn()
	}()
}
