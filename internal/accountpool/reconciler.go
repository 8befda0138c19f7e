package accountpool

import (
	"context"
	"time"

	"claude-relay/internal/models"
	"claude-relay/internal/utils"

	"github.com/sirupsen/logrus"
)

// refreshTimeout bounds each background token refresh round trip.
const refreshTimeout = 30 * time.Second

// Start launches the background reconciliation loop.
func (m *Manager) Start() {
	logrus.Debug("Starting account pool reconciler...")
	m.wg.Add(1)
	go m.runLoop()
}

// Stop cancels the reconciliation loop and waits for in-flight background
// tasks, respecting the context for shutdown timeout.
func (m *Manager) Stop(ctx context.Context) {
	m.stopOnce.Do(func() { close(m.stopChan) })

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logrus.Info("Account pool reconciler stopped gracefully.")
	case <-ctx.Done():
		logrus.Warn("Account pool reconciler stop timed out.")
	}
}

func (m *Manager) runLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.reconcile()
		case <-m.stopChan:
			return
		}
	}
}

// reconcile runs one tick: recover rate-limited accounts whose window has
// passed, then kick off refreshes for tokens close to expiry. A single
// account's failure never affects the others or the loop.
func (m *Manager) reconcile() {
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("Recovered from panic in reconciliation tick: %v", r)
		}
	}()

	m.recoverRateLimitedAccounts()
	m.refreshExpiringTokens()
}

func (m *Manager) recoverRateLimitedAccounts() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	recovered := false
	for _, account := range m.accounts {
		if account.Status != models.AccountStatusRateLimited {
			continue
		}
		if account.ResetsAt == nil || now.Before(*account.ResetsAt) {
			continue
		}
		account.Status = models.AccountStatusValid
		account.ResetsAt = nil
		recovered = true
		logrus.WithField("organization_id", utils.ShortOrgID(account.OrganizationID)).
			Info("Recovered rate-limited account")
	}

	if recovered {
		m.persistLocked()
	}
}

func (m *Manager) refreshExpiringTokens() {
	m.mu.Lock()
	now := m.now()
	var expiring []string
	for orgID, account := range m.accounts {
		if !account.SupportsOAuth() || !account.OAuthToken.Refreshable() {
			continue
		}
		if _, inFlight := m.refreshing[orgID]; inFlight {
			continue
		}
		if account.OAuthToken.ExpiresWithin(now, models.OAuthTokenRefreshHorizon) {
			m.refreshing[orgID] = struct{}{}
			expiring = append(expiring, orgID)
		}
	}
	m.mu.Unlock()

	for _, orgID := range expiring {
		orgID := orgID
		m.spawn(func() { m.refreshAccountToken(orgID) })
	}
}

// refreshAccountToken refreshes one account's OAuth token in the background.
// A failed refresh downgrades dual-auth accounts to cookie only, or marks
// single-auth accounts invalid.
func (m *Manager) refreshAccountToken(orgID string) {
	defer func() {
		m.mu.Lock()
		delete(m.refreshing, orgID)
		m.mu.Unlock()
	}()

	m.mu.Lock()
	account, ok := m.accounts[orgID]
	if !ok || account.OAuthToken == nil {
		m.mu.Unlock()
		return
	}
	working := account.Clone()
	m.mu.Unlock()

	logrus.WithField("organization_id", utils.ShortOrgID(orgID)).
		Info("Refreshing OAuth token")

	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	err := m.authenticator.Refresh(ctx, working)

	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok = m.accounts[orgID]
	if !ok {
		return
	}

	if err == nil {
		account.OAuthToken = working.OAuthToken
		logrus.WithField("organization_id", utils.ShortOrgID(orgID)).
			Info("OAuth token refreshed")
		m.persistLocked()
		return
	}

	logrus.WithError(err).WithField("organization_id", utils.ShortOrgID(orgID)).
		Warn("Failed to refresh OAuth token")

	if account.AuthType == models.AuthTypeBoth {
		account.AuthType = models.AuthTypeCookieOnly
		account.OAuthToken = nil
	} else {
		account.Status = models.AccountStatusInvalid
		logrus.WithField("organization_id", utils.ShortOrgID(orgID)).
			Error("Account is now invalid after OAuth refresh failure")
	}
	m.persistLocked()
}

// attemptOAuthUpgrade tries to obtain an OAuth token for a freshly added
// cookie-only account. Failure keeps the account cookie only.
func (m *Manager) attemptOAuthUpgrade(orgID string) {
	m.mu.Lock()
	account, ok := m.accounts[orgID]
	if !ok || account.AuthType != models.AuthTypeCookieOnly {
		m.mu.Unlock()
		return
	}
	working := account.Clone()
	m.mu.Unlock()

	logrus.WithField("organization_id", utils.ShortOrgID(orgID)).
		Info("Attempting OAuth upgrade for cookie-only account")

	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	if err := m.authenticator.Authenticate(ctx, working); err != nil {
		logrus.WithError(err).WithField("organization_id", utils.ShortOrgID(orgID)).
			Warn("OAuth upgrade failed, keeping account cookie only")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok = m.accounts[orgID]
	if !ok || working.OAuthToken == nil {
		return
	}
	account.OAuthToken = working.OAuthToken
	account.AuthType = models.DeriveAuthType(account.CookieValue, account.OAuthToken)
	logrus.WithField("organization_id", utils.ShortOrgID(orgID)).
		Info("OAuth upgrade succeeded")
	m.persistLocked()
}
