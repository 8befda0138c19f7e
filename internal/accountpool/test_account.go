package accountpool

import (
	"context"

	app_errors "claude-relay/internal/errors"
	"claude-relay/internal/models"
	"claude-relay/internal/utils"

	"github.com/sirupsen/logrus"
)

// TestAccount actively re-validates an account's credentials against the
// authenticator and applies the resulting state transitions.
func (m *Manager) TestAccount(ctx context.Context, orgID string) (*TestResult, error) {
	m.mu.Lock()
	account, ok := m.accounts[orgID]
	if !ok {
		m.mu.Unlock()
		return nil, app_errors.ErrResourceNotFound
	}
	working := account.Clone()
	m.mu.Unlock()

	result := &TestResult{Success: true}

	logrus.WithFields(logrus.Fields{
		"organization_id": utils.ShortOrgID(orgID),
		"auth_type":       working.AuthType,
	}).Info("Testing account credentials")

	if working.SupportsCookie() && working.CookieValue != "" {
		m.testCookie(ctx, working, result)
	}
	if working.SupportsOAuth() && working.OAuthToken != nil {
		m.testOAuth(ctx, working, result)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// The account may have been removed while the network checks ran.
	account, ok = m.accounts[orgID]
	if !ok {
		return nil, app_errors.ErrResourceNotFound
	}

	m.applyTestResultLocked(account, working, result)
	m.persistLocked()

	return result, nil
}

func (m *Manager) testCookie(ctx context.Context, working *models.Account, result *TestResult) {
	resolvedOrg, capabilities, err := m.authenticator.ResolveOrganization(ctx, working.CookieValue)
	if err != nil || resolvedOrg == "" {
		valid := false
		result.CookieValid = &valid
		result.Success = false
		result.Error = "cookie check failed"
		logrus.WithError(err).WithField("organization_id", utils.ShortOrgID(working.OrganizationID)).
			Warn("Cookie authentication test failed")
		return
	}

	valid := true
	result.CookieValid = &valid
	working.Capabilities = capabilities
	logrus.WithField("organization_id", utils.ShortOrgID(working.OrganizationID)).
		Info("Cookie authentication test passed")
}

func (m *Manager) testOAuth(ctx context.Context, working *models.Account, result *TestResult) {
	// Tokens comfortably away from expiry are accepted without a network
	// round trip; only near-expiry tokens force a refresh.
	if !working.OAuthToken.ExpiresWithin(m.now(), models.OAuthTokenRefreshHorizon) {
		valid := true
		result.OAuthValid = &valid
		return
	}

	if err := m.authenticator.Refresh(ctx, working); err != nil {
		valid := false
		result.OAuthValid = &valid
		result.Success = false
		result.Error = "OAuth token refresh failed"
		logrus.WithError(err).WithField("organization_id", utils.ShortOrgID(working.OrganizationID)).
			Warn("OAuth token refresh failed during account test")
		return
	}

	valid := true
	result.OAuthValid = &valid
	logrus.WithField("organization_id", utils.ShortOrgID(working.OrganizationID)).
		Info("OAuth token refreshed during account test")
}

// applyTestResultLocked folds a test outcome into the live account,
// including the dual-auth downgrade transitions.
func (m *Manager) applyTestResultLocked(account, working *models.Account, result *TestResult) {
	// Carry over side effects of the checks that succeeded.
	if result.CookieValid != nil && *result.CookieValid {
		account.Capabilities = working.Capabilities
	}
	if result.OAuthValid != nil && *result.OAuthValid {
		account.OAuthToken = working.OAuthToken
	}

	if result.Success {
		account.Status = models.AccountStatusValid
		account.ResetsAt = nil
		logrus.WithField("organization_id", utils.ShortOrgID(account.OrganizationID)).
			Info("Account test passed, status set to valid")
		return
	}

	cookieFailed := result.CookieValid != nil && !*result.CookieValid
	oauthFailed := result.OAuthValid != nil && !*result.OAuthValid

	if account.AuthType == models.AuthTypeBoth {
		switch {
		case cookieFailed && oauthFailed:
			account.Status = models.AccountStatusInvalid
			logrus.WithField("organization_id", utils.ShortOrgID(account.OrganizationID)).
				Warn("Both auth methods failed, account marked invalid")
		case cookieFailed:
			if account.CookieValue != "" {
				delete(m.cookieToOrg, account.CookieValue)
			}
			account.CookieValue = ""
			account.AuthType = models.AuthTypeOAuthOnly
			account.Status = models.AccountStatusValid
			result.Success = true
			result.Error = "cookie invalid, downgraded to OAuth only"
			logrus.WithField("organization_id", utils.ShortOrgID(account.OrganizationID)).
				Info("Account downgraded to OAuth only")
		case oauthFailed:
			account.OAuthToken = nil
			account.AuthType = models.AuthTypeCookieOnly
			account.Status = models.AccountStatusValid
			result.Success = true
			result.Error = "OAuth invalid, downgraded to cookie only"
			logrus.WithField("organization_id", utils.ShortOrgID(account.OrganizationID)).
				Info("Account downgraded to cookie only")
		}
		return
	}

	account.Status = models.AccountStatusInvalid
	logrus.WithField("organization_id", utils.ShortOrgID(account.OrganizationID)).
		Warn("Account test failed, status set to invalid")
}
