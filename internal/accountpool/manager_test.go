package accountpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	app_errors "claude-relay/internal/errors"
	"claude-relay/internal/models"
	"claude-relay/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubConfig struct {
	pool types.PoolConfig
}

func (s *stubConfig) GetAuthConfig() types.AuthConfig               { return types.AuthConfig{} }
func (s *stubConfig) GetCORSConfig() types.CORSConfig               { return types.CORSConfig{} }
func (s *stubConfig) GetLogConfig() types.LogConfig                 { return types.LogConfig{} }
func (s *stubConfig) GetPoolConfig() types.PoolConfig               { return s.pool }
func (s *stubConfig) GetUpstreamConfig() types.UpstreamConfig       { return types.UpstreamConfig{} }
func (s *stubConfig) GetEffectiveServerConfig() types.ServerConfig  { return types.ServerConfig{} }
func (s *stubConfig) GetDataDir() string                            { return "" }
func (s *stubConfig) GetEncryptionKey() string                      { return "" }
func (s *stubConfig) Validate() error                               { return nil }
func (s *stubConfig) DisplayServerConfig()                         {}

type fakeSnapshot struct {
	mu       sync.Mutex
	saved    map[string]*models.Account
	loadData map[string]*models.Account
	loadErr  error
	saveErr  error
	saves    int
}

func (f *fakeSnapshot) Save(accounts map[string]*models.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = make(map[string]*models.Account, len(accounts))
	for id, a := range accounts {
		f.saved[id] = a.Clone()
	}
	return nil
}

func (f *fakeSnapshot) Load() (map[string]*models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	if f.loadData == nil {
		return map[string]*models.Account{}, nil
	}
	return f.loadData, nil
}

type fakeProxyStore struct {
	mu      sync.Mutex
	saved   []string
	loaded  []string
	hasLoad bool
	saveErr error
}

func (f *fakeProxyStore) SaveProxyPool(proxies []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append([]string(nil), proxies...)
	return nil
}

func (f *fakeProxyStore) LoadProxyPool() ([]string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loaded, f.hasLoad
}

type fakeAuthenticator struct {
	mu sync.Mutex

	resolveOrg   string
	resolveCaps  models.Capabilities
	resolveErr   error
	resolveCalls int

	refreshErr   error
	refreshToken *models.OAuthToken
	refreshCalls int

	authErr   error
	authToken *models.OAuthToken
	authCalls int
}

func (f *fakeAuthenticator) ResolveOrganization(ctx context.Context, cookie string) (string, models.Capabilities, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolveCalls++
	return f.resolveOrg, f.resolveCaps, f.resolveErr
}

func (f *fakeAuthenticator) Refresh(ctx context.Context, account *models.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	if f.refreshErr != nil {
		return f.refreshErr
	}
	if f.refreshToken != nil {
		account.OAuthToken = f.refreshToken
	}
	return nil
}

func (f *fakeAuthenticator) Authenticate(ctx context.Context, account *models.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authCalls++
	if f.authErr != nil {
		return f.authErr
	}
	account.OAuthToken = f.authToken
	return nil
}

func newTestManager(t *testing.T, pool types.PoolConfig, auth *fakeAuthenticator) (*Manager, *fakeSnapshot) {
	t.Helper()
	if pool.MaxSessionsPerAccount == 0 {
		pool.MaxSessionsPerAccount = 3
	}
	if pool.ReconcileInterval == 0 {
		pool.ReconcileInterval = time.Minute
	}
	if auth == nil {
		auth = &fakeAuthenticator{}
	}
	snapshot := &fakeSnapshot{}
	m := NewManager(&stubConfig{pool: pool}, snapshot, &fakeProxyStore{}, auth)
	require.NoError(t, m.Initialize())
	return m, snapshot
}

func seedAccount(m *Manager, orgID string, opts ...func(*models.Account)) *models.Account {
	account := &models.Account{
		OrganizationID: orgID,
		CookieValue:    "cookie-" + orgID,
		AuthType:       models.AuthTypeCookieOnly,
		Status:         models.AccountStatusValid,
		LastUsed:       time.Unix(1000, 0),
	}
	for _, opt := range opts {
		opt(account)
	}
	m.mu.Lock()
	m.accounts[orgID] = account
	if account.CookieValue != "" {
		m.cookieToOrg[account.CookieValue] = orgID
	}
	m.mu.Unlock()
	return account
}

func TestSelectForSessionSticky(t *testing.T) {
	m, _ := newTestManager(t, types.PoolConfig{}, nil)
	seedAccount(m, "org-a")
	seedAccount(m, "org-b")

	first, err := m.SelectForSession("session-1", Filters{})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := m.SelectForSession("session-1", Filters{})
		require.NoError(t, err)
		assert.Equal(t, first.OrganizationID, again.OrganizationID)
	}
	assert.Equal(t, 1, m.SessionCount(first.OrganizationID))
}

func TestSelectForSessionLeastSessions(t *testing.T) {
	m, _ := newTestManager(t, types.PoolConfig{MaxSessionsPerAccount: 10}, nil)
	seedAccount(m, "org-a")
	seedAccount(m, "org-b")

	counts := map[string]int{}
	for i := 0; i < 6; i++ {
		account, err := m.SelectForSession(fmt.Sprintf("session-%d", i), Filters{})
		require.NoError(t, err)
		counts[account.OrganizationID]++
	}

	assert.Equal(t, 3, counts["org-a"])
	assert.Equal(t, 3, counts["org-b"])
}

func TestSelectForSessionTieBreakByLastUsed(t *testing.T) {
	m, _ := newTestManager(t, types.PoolConfig{}, nil)
	seedAccount(m, "org-old", func(a *models.Account) { a.LastUsed = time.Unix(100, 0) })
	seedAccount(m, "org-new", func(a *models.Account) { a.LastUsed = time.Unix(9000, 0) })

	account, err := m.SelectForSession("session-1", Filters{})
	require.NoError(t, err)
	assert.Equal(t, "org-old", account.OrganizationID)
}

func TestSelectForSessionCapExhausted(t *testing.T) {
	m, _ := newTestManager(t, types.PoolConfig{MaxSessionsPerAccount: 1}, nil)
	seedAccount(m, "org-a")

	_, err := m.SelectForSession("session-1", Filters{})
	require.NoError(t, err)

	_, err = m.SelectForSession("session-2", Filters{})
	assert.ErrorIs(t, err, app_errors.ErrNoAccountsAvailable)
}

func TestSelectForSessionFilters(t *testing.T) {
	m, _ := newTestManager(t, types.PoolConfig{}, nil)
	seedAccount(m, "org-free")
	seedAccount(m, "org-pro", func(a *models.Account) { a.Capabilities.IsPro = true })

	wantPro := true
	account, err := m.SelectForSession("session-1", Filters{IsPro: &wantPro})
	require.NoError(t, err)
	assert.Equal(t, "org-pro", account.OrganizationID)

	wantMax := true
	_, err = m.SelectForSession("session-2", Filters{IsMax: &wantMax})
	assert.ErrorIs(t, err, app_errors.ErrNoAccountsAvailable)
}

func TestSelectForSessionEvictsUnhealthyBinding(t *testing.T) {
	m, _ := newTestManager(t, types.PoolConfig{}, nil)
	seedAccount(m, "org-a")
	seedAccount(m, "org-b")

	first, err := m.SelectForSession("session-1", Filters{})
	require.NoError(t, err)

	m.MarkRateLimited(first.OrganizationID, time.Now().Add(time.Hour))

	second, err := m.SelectForSession("session-1", Filters{})
	require.NoError(t, err)
	assert.NotEqual(t, first.OrganizationID, second.OrganizationID)
	assert.Zero(t, m.SessionCount(first.OrganizationID))
}

func TestSelectForSessionSkipsOAuthOnly(t *testing.T) {
	m, _ := newTestManager(t, types.PoolConfig{}, nil)
	seedAccount(m, "org-oauth", func(a *models.Account) {
		a.CookieValue = ""
		a.AuthType = models.AuthTypeOAuthOnly
		a.OAuthToken = &models.OAuthToken{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour).Unix()}
	})

	_, err := m.SelectForSession("session-1", Filters{})
	assert.ErrorIs(t, err, app_errors.ErrNoAccountsAvailable)
}

func TestSelectForDirectAuthOldestFirst(t *testing.T) {
	m, _ := newTestManager(t, types.PoolConfig{}, nil)
	token := &models.OAuthToken{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour).Unix()}
	seedAccount(m, "org-old", func(a *models.Account) {
		a.AuthType = models.AuthTypeBoth
		a.OAuthToken = token
		a.LastUsed = time.Unix(100, 0)
	})
	seedAccount(m, "org-new", func(a *models.Account) {
		a.AuthType = models.AuthTypeBoth
		a.OAuthToken = token
		a.LastUsed = time.Unix(9000, 0)
	})
	seedAccount(m, "org-cookie-only")

	account, err := m.SelectForDirectAuth(Filters{})
	require.NoError(t, err)
	assert.Equal(t, "org-old", account.OrganizationID)

	// The selection itself bumped LastUsed so the other account is now older.
	account, err = m.SelectForDirectAuth(Filters{})
	require.NoError(t, err)
	assert.Equal(t, "org-new", account.OrganizationID)
}

func TestReleaseSessionIdempotent(t *testing.T) {
	m, _ := newTestManager(t, types.PoolConfig{}, nil)
	seedAccount(m, "org-a")

	account, err := m.SelectForSession("session-1", Filters{})
	require.NoError(t, err)
	require.Equal(t, 1, m.SessionCount(account.OrganizationID))

	m.ReleaseSession("session-1")
	m.ReleaseSession("session-1")
	m.ReleaseSession("never-bound")
	assert.Zero(t, m.SessionCount(account.OrganizationID))
}

func TestAddAccountRequiresCredential(t *testing.T) {
	m, _ := newTestManager(t, types.PoolConfig{}, nil)
	_, err := m.AddAccount(context.Background(), AddAccountParams{})
	assert.Error(t, err)
}

func TestAddAccountDeduplicatesCookie(t *testing.T) {
	auth := &fakeAuthenticator{resolveOrg: "org-a", authErr: errors.New("no oauth")}
	m, _ := newTestManager(t, types.PoolConfig{}, auth)

	first, err := m.AddAccount(context.Background(), AddAccountParams{CookieValue: "cookie-1"})
	require.NoError(t, err)

	second, err := m.AddAccount(context.Background(), AddAccountParams{CookieValue: "cookie-1"})
	require.NoError(t, err)
	assert.Equal(t, first.OrganizationID, second.OrganizationID)

	m.mu.Lock()
	total := len(m.accounts)
	m.mu.Unlock()
	assert.Equal(t, 1, total)
}

func TestAddAccountResolvesOrganization(t *testing.T) {
	auth := &fakeAuthenticator{
		resolveOrg:  "org-resolved",
		resolveCaps: models.Capabilities{IsPro: true},
		authErr:     errors.New("no oauth"),
	}
	m, snapshot := newTestManager(t, types.PoolConfig{}, auth)

	account, err := m.AddAccount(context.Background(), AddAccountParams{CookieValue: "cookie-1"})
	require.NoError(t, err)
	assert.Equal(t, "org-resolved", account.OrganizationID)
	assert.True(t, account.Capabilities.IsPro)
	assert.Equal(t, models.AuthTypeCookieOnly, account.AuthType)
	assert.NotNil(t, snapshot.saved["org-resolved"])
}

func TestAddAccountGeneratesOrgIDWhenResolutionFails(t *testing.T) {
	auth := &fakeAuthenticator{resolveErr: errors.New("upstream down"), authErr: errors.New("no oauth")}
	m, _ := newTestManager(t, types.PoolConfig{}, auth)

	account, err := m.AddAccount(context.Background(), AddAccountParams{CookieValue: "cookie-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, account.OrganizationID)
	assert.Equal(t, models.AccountStatusValid, account.Status)
}

func TestAddAccountMergesOrganizationCollision(t *testing.T) {
	auth := &fakeAuthenticator{resolveOrg: "org-a", authErr: errors.New("no oauth")}
	m, _ := newTestManager(t, types.PoolConfig{}, auth)
	seedAccount(m, "org-a", func(a *models.Account) { a.CookieValue = "old-cookie" })
	m.mu.Lock()
	m.cookieToOrg["old-cookie"] = "org-a"
	delete(m.cookieToOrg, "cookie-org-a")
	m.mu.Unlock()

	account, err := m.AddAccount(context.Background(), AddAccountParams{CookieValue: "new-cookie"})
	require.NoError(t, err)
	assert.Equal(t, "org-a", account.OrganizationID)
	assert.Equal(t, "new-cookie", account.CookieValue)

	m.mu.Lock()
	_, oldIndexed := m.cookieToOrg["old-cookie"]
	newOrg := m.cookieToOrg["new-cookie"]
	total := len(m.accounts)
	m.mu.Unlock()
	assert.False(t, oldIndexed)
	assert.Equal(t, "org-a", newOrg)
	assert.Equal(t, 1, total)
}

func TestAddAccountOAuthOnly(t *testing.T) {
	m, _ := newTestManager(t, types.PoolConfig{}, nil)
	token := &models.OAuthToken{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour).Unix()}

	account, err := m.AddAccount(context.Background(), AddAccountParams{
		OAuthToken:     token,
		OrganizationID: "org-token",
	})
	require.NoError(t, err)
	assert.Equal(t, models.AuthTypeOAuthOnly, account.AuthType)
	assert.Equal(t, "org-token", account.OrganizationID)
}

func TestAddAccountUpgradesCookieOnlyInBackground(t *testing.T) {
	token := &models.OAuthToken{AccessToken: "tok", RefreshToken: "ref", ExpiresAt: time.Now().Add(time.Hour).Unix()}
	auth := &fakeAuthenticator{resolveOrg: "org-a", authToken: token}
	m, _ := newTestManager(t, types.PoolConfig{}, auth)

	account, err := m.AddAccount(context.Background(), AddAccountParams{CookieValue: "cookie-1"})
	require.NoError(t, err)
	require.Equal(t, models.AuthTypeCookieOnly, account.AuthType)

	m.wg.Wait()

	upgraded, ok := m.GetAccount("org-a")
	require.True(t, ok)
	assert.Equal(t, models.AuthTypeBoth, upgraded.AuthType)
	require.NotNil(t, upgraded.OAuthToken)
	assert.Equal(t, "tok", upgraded.OAuthToken.AccessToken)
}

func TestAddAccountUpgradeFailureKeepsCookieOnly(t *testing.T) {
	auth := &fakeAuthenticator{resolveOrg: "org-a", authErr: errors.New("oauth unavailable")}
	m, _ := newTestManager(t, types.PoolConfig{}, auth)

	_, err := m.AddAccount(context.Background(), AddAccountParams{CookieValue: "cookie-1"})
	require.NoError(t, err)
	m.wg.Wait()

	account, ok := m.GetAccount("org-a")
	require.True(t, ok)
	assert.Equal(t, models.AuthTypeCookieOnly, account.AuthType)
	assert.Equal(t, models.AccountStatusValid, account.Status)
}

func TestRemoveAccountEvictsSessions(t *testing.T) {
	m, snapshot := newTestManager(t, types.PoolConfig{}, nil)
	seedAccount(m, "org-a")

	_, err := m.SelectForSession("session-1", Filters{})
	require.NoError(t, err)

	m.RemoveAccount("org-a")
	m.RemoveAccount("org-a")

	_, ok := m.GetAccount("org-a")
	assert.False(t, ok)
	assert.Zero(t, m.SessionCount("org-a"))
	assert.Empty(t, snapshot.saved)

	_, err = m.SelectForSession("session-1", Filters{})
	assert.ErrorIs(t, err, app_errors.ErrNoAccountsAvailable)
}

func TestGetAccountHidesNonValid(t *testing.T) {
	m, _ := newTestManager(t, types.PoolConfig{}, nil)
	seedAccount(m, "org-a", func(a *models.Account) { a.Status = models.AccountStatusInvalid })

	_, ok := m.GetAccount("org-a")
	assert.False(t, ok)
	_, ok = m.GetAccount("org-missing")
	assert.False(t, ok)
}

func TestMarkRateLimited(t *testing.T) {
	m, snapshot := newTestManager(t, types.PoolConfig{}, nil)
	seedAccount(m, "org-a")

	resetsAt := time.Now().Add(30 * time.Minute)
	m.MarkRateLimited("org-a", resetsAt)
	m.MarkRateLimited("org-missing", resetsAt)

	m.mu.Lock()
	account := m.accounts["org-a"]
	status := account.Status
	gotReset := account.ResetsAt
	m.mu.Unlock()

	assert.Equal(t, models.AccountStatusRateLimited, status)
	require.NotNil(t, gotReset)
	assert.True(t, gotReset.Equal(resetsAt))
	assert.NotNil(t, snapshot.saved["org-a"])
}

func TestProxyForRankAssignment(t *testing.T) {
	pool := types.PoolConfig{ProxyPool: []string{"http://proxy-0:8080", "http://proxy-1:8080"}}
	m, _ := newTestManager(t, pool, nil)
	seedAccount(m, "org-a")
	seedAccount(m, "org-b")
	seedAccount(m, "org-c")

	// Sorted rank order: org-a=0, org-b=1, org-c=2.
	assert.Equal(t, "http://proxy-0:8080", m.ProxyFor("org-a"))
	assert.Equal(t, "http://proxy-1:8080", m.ProxyFor("org-b"))
	assert.Equal(t, "http://proxy-0:8080", m.ProxyFor("org-c"))

	// Deterministic while the pool is unchanged.
	assert.Equal(t, m.ProxyFor("org-b"), m.ProxyFor("org-b"))
}

func TestProxyForFallsBackToGlobalProxy(t *testing.T) {
	m, _ := newTestManager(t, types.PoolConfig{ProxyURL: "http://global:8080"}, nil)
	seedAccount(m, "org-a")
	assert.Equal(t, "http://global:8080", m.ProxyFor("org-a"))

	withPool, _ := newTestManager(t, types.PoolConfig{
		ProxyURL:  "http://global:8080",
		ProxyPool: []string{"http://proxy-0:8080"},
	}, nil)
	assert.Equal(t, "http://global:8080", withPool.ProxyFor("org-unknown"))
}

func TestPersistFailureIsNonFatal(t *testing.T) {
	m, snapshot := newTestManager(t, types.PoolConfig{}, &fakeAuthenticator{
		resolveOrg: "org-a", authErr: errors.New("no oauth"),
	})
	snapshot.saveErr = errors.New("disk full")

	account, err := m.AddAccount(context.Background(), AddAccountParams{CookieValue: "cookie-1"})
	require.NoError(t, err)

	got, ok := m.GetAccount(account.OrganizationID)
	require.True(t, ok)
	assert.Equal(t, "cookie-1", got.CookieValue)
}

func TestInitializeRebuildsCookieIndex(t *testing.T) {
	snapshot := &fakeSnapshot{loadData: map[string]*models.Account{
		"org-a": {
			OrganizationID: "org-a",
			CookieValue:    "cookie-1",
			AuthType:       models.AuthTypeCookieOnly,
			Status:         models.AccountStatusValid,
		},
	}}
	m := NewManager(&stubConfig{pool: types.PoolConfig{MaxSessionsPerAccount: 3, ReconcileInterval: time.Minute}}, snapshot, &fakeProxyStore{}, &fakeAuthenticator{})
	require.NoError(t, m.Initialize())

	existing, err := m.AddAccount(context.Background(), AddAccountParams{CookieValue: "cookie-1"})
	require.NoError(t, err)
	assert.Equal(t, "org-a", existing.OrganizationID)
}

func TestStatusCounters(t *testing.T) {
	m, _ := newTestManager(t, types.PoolConfig{ProxyPool: []string{"http://proxy-0:8080"}}, nil)
	seedAccount(m, "org-valid")
	seedAccount(m, "org-limited", func(a *models.Account) {
		a.Status = models.AccountStatusRateLimited
	})
	seedAccount(m, "org-invalid", func(a *models.Account) {
		a.Status = models.AccountStatusInvalid
	})

	_, err := m.SelectForSession("session-1", Filters{})
	require.NoError(t, err)

	status := m.Status()
	assert.Equal(t, 3, status.TotalAccounts)
	assert.Equal(t, 1, status.ValidAccounts)
	assert.Equal(t, 1, status.RateLimitedAccounts)
	assert.Equal(t, 1, status.InvalidAccounts)
	assert.Equal(t, 1, status.ActiveSessions)
	assert.Equal(t, 1, status.ProxyPoolSize)
}

func TestListAccountsMasksCredentials(t *testing.T) {
	m, _ := newTestManager(t, types.PoolConfig{}, nil)
	seedAccount(m, "org-a", func(a *models.Account) {
		a.CookieValue = "sk-ant-REDACTED"
		a.OAuthToken = &models.OAuthToken{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour).Unix()}
		a.AuthType = models.AuthTypeBoth
	})
	m.mu.Lock()
	m.cookieToOrg["sk-ant-REDACTED"] = "org-a"
	m.mu.Unlock()

	views := m.ListAccounts()
	require.Len(t, views, 1)
	assert.NotContains(t, views[0].CookieMasked, "cookie-value-here")
	assert.True(t, views[0].HasOAuthToken)
	assert.NotNil(t, views[0].TokenExpiresAt)
}
