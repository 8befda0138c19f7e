// Package claudeauth talks to the upstream account endpoints: cookie
// organization lookup, OAuth token refresh, and the cookie-to-OAuth
// authorization exchange.
package claudeauth

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"claude-relay/internal/httpclient"
	"claude-relay/internal/models"
	"claude-relay/internal/types"
	"claude-relay/internal/utils"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	tokenURL    = "https://console.anthropic.com/v1/oauth/token"
	redirectURI = "https://console.anthropic.com/oauth/code/callback"
	clientID    = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	oauthScope  = "org:create_api_key user:profile user:inference"

	maxResponseBytes = 1 << 20
)

// Authenticator implements accountpool.Authenticator against the upstream.
type Authenticator struct {
	clients  *httpclient.Manager
	baseURL  string
	proxyURL string

	// now is swappable for tests.
	now func() time.Time
}

// NewAuthenticator builds the upstream authenticator. Its own requests go
// through the global proxy; per-account proxies only apply to chat traffic.
func NewAuthenticator(configManager types.ConfigManager, clients *httpclient.Manager) *Authenticator {
	return &Authenticator{
		clients:  clients,
		baseURL:  configManager.GetUpstreamConfig().BaseURL,
		proxyURL: configManager.GetPoolConfig().ProxyURL,
		now:      time.Now,
	}
}

// ResolveOrganization looks up the organization behind a session cookie and
// derives its plan capabilities.
func (a *Authenticator) ResolveOrganization(ctx context.Context, cookie string) (string, models.Capabilities, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/organizations", nil)
	if err != nil {
		return "", models.Capabilities{}, fmt.Errorf("failed to build organization request: %w", err)
	}
	req.Header.Set("Cookie", CookieHeader(cookie))
	httpclient.ApplyBrowserHeaders(req, a.baseURL)

	body, status, err := a.do(req)
	if err != nil {
		return "", models.Capabilities{}, fmt.Errorf("organization lookup failed: %w", err)
	}
	if status != http.StatusOK {
		return "", models.Capabilities{}, fmt.Errorf("organization lookup returned status %d", status)
	}

	orgs := gjson.ParseBytes(body)
	if !orgs.IsArray() || len(orgs.Array()) == 0 {
		return "", models.Capabilities{}, fmt.Errorf("organization lookup returned no organizations")
	}

	org := orgs.Array()[0]
	orgID := org.Get("uuid").String()
	if orgID == "" {
		return "", models.Capabilities{}, fmt.Errorf("organization lookup returned no uuid")
	}

	var capabilities models.Capabilities
	org.Get("capabilities").ForEach(func(_, value gjson.Result) bool {
		switch value.String() {
		case "claude_pro":
			capabilities.IsPro = true
		case "claude_max":
			capabilities.IsMax = true
		}
		return true
	})

	logrus.WithFields(logrus.Fields{
		"organization_id": utils.ShortOrgID(orgID),
		"is_pro":          capabilities.IsPro,
		"is_max":          capabilities.IsMax,
	}).Debug("Resolved organization from cookie")

	return orgID, capabilities, nil
}

// Refresh exchanges the refresh token for a new access token, mutating the
// account's OAuthToken in place on success.
func (a *Authenticator) Refresh(ctx context.Context, account *models.Account) error {
	if account.OAuthToken == nil || account.OAuthToken.RefreshToken == "" {
		return fmt.Errorf("account has no refresh token")
	}

	payload := fmt.Sprintf(`{"grant_type":"refresh_token","refresh_token":%q,"client_id":%q}`,
		account.OAuthToken.RefreshToken, clientID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, bytes.NewReader([]byte(payload)))
	if err != nil {
		return fmt.Errorf("failed to build token refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	httpclient.ApplyBrowserHeaders(req, a.baseURL)

	body, status, err := a.do(req)
	if err != nil {
		return fmt.Errorf("token refresh failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("token refresh returned status %d", status)
	}

	token, err := a.tokenFromResponse(body)
	if err != nil {
		return err
	}
	if token.RefreshToken == "" {
		token.RefreshToken = account.OAuthToken.RefreshToken
	}
	account.OAuthToken = token
	return nil
}

// Authenticate performs the cookie-to-OAuth authorization code exchange for
// an account that only has a session cookie.
func (a *Authenticator) Authenticate(ctx context.Context, account *models.Account) error {
	if account.CookieValue == "" {
		return fmt.Errorf("account has no cookie to authenticate with")
	}

	verifier, challenge, err := newCodeVerifier()
	if err != nil {
		return fmt.Errorf("failed to generate code verifier: %w", err)
	}

	code, err := a.authorize(ctx, account, challenge)
	if err != nil {
		return err
	}

	token, err := a.exchangeCode(ctx, code, verifier)
	if err != nil {
		return err
	}

	account.OAuthToken = token
	return nil
}

// authorize asks the upstream to issue an authorization code against the
// account's cookie session.
func (a *Authenticator) authorize(ctx context.Context, account *models.Account, challenge string) (string, error) {
	payload := fmt.Sprintf(
		`{"response_type":"code","client_id":%q,"organization_uuid":%q,"redirect_uri":%q,"scope":%q,"code_challenge":%q,"code_challenge_method":"S256"}`,
		clientID, account.OrganizationID, redirectURI, oauthScope, challenge)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/oauth/authorize", bytes.NewReader([]byte(payload)))
	if err != nil {
		return "", fmt.Errorf("failed to build authorize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cookie", CookieHeader(account.CookieValue))
	httpclient.ApplyBrowserHeaders(req, a.baseURL)

	body, status, err := a.do(req)
	if err != nil {
		return "", fmt.Errorf("authorization request failed: %w", err)
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("authorization request returned status %d", status)
	}

	redirect := gjson.GetBytes(body, "redirect_uri").String()
	code := codeFromRedirect(redirect)
	if code == "" {
		code = gjson.GetBytes(body, "code").String()
	}
	if code == "" {
		return "", fmt.Errorf("authorization response contained no code")
	}
	return code, nil
}

// exchangeCode trades the authorization code for tokens.
func (a *Authenticator) exchangeCode(ctx context.Context, code, verifier string) (*models.OAuthToken, error) {
	payload := fmt.Sprintf(
		`{"grant_type":"authorization_code","code":%q,"redirect_uri":%q,"client_id":%q,"code_verifier":%q}`,
		code, redirectURI, clientID, verifier)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, bytes.NewReader([]byte(payload)))
	if err != nil {
		return nil, fmt.Errorf("failed to build token exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	httpclient.ApplyBrowserHeaders(req, a.baseURL)

	body, status, err := a.do(req)
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("token exchange returned status %d", status)
	}

	return a.tokenFromResponse(body)
}

func (a *Authenticator) tokenFromResponse(body []byte) (*models.OAuthToken, error) {
	parsed := gjson.ParseBytes(body)
	accessToken := parsed.Get("access_token").String()
	if accessToken == "" {
		return nil, fmt.Errorf("token response contained no access token")
	}

	token := &models.OAuthToken{
		AccessToken:  accessToken,
		RefreshToken: parsed.Get("refresh_token").String(),
	}
	if expiresIn := parsed.Get("expires_in").Int(); expiresIn > 0 {
		token.ExpiresAt = a.now().Add(time.Duration(expiresIn) * time.Second).Unix()
	} else if expiresAt := parsed.Get("expires_at").Int(); expiresAt > 0 {
		token.ExpiresAt = expiresAt
	}
	return token, nil
}

// do executes the request and returns the decoded body and status code.
func (a *Authenticator) do(req *http.Request) ([]byte, int, error) {
	resp, err := a.clients.GetClient(a.proxyURL).Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}

	body, err := utils.DecompressResponse(resp.Header.Get("Content-Encoding"), raw)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

// CookieHeader normalizes a stored credential into a Cookie header value.
// Bare session keys get the sessionKey= prefix; full cookie strings pass
// through unchanged.
func CookieHeader(cookie string) string {
	if strings.Contains(cookie, "=") {
		return cookie
	}
	return "sessionKey=" + cookie
}
