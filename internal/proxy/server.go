// Package proxy implements the client-facing messages endpoint: account
// selection, the upstream call, stream validation, and the SSE relay.
package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"claude-relay/internal/accountpool"
	"claude-relay/internal/claudeauth"
	"claude-relay/internal/convlog"
	app_errors "claude-relay/internal/errors"
	"claude-relay/internal/httpclient"
	"claude-relay/internal/models"
	"claude-relay/internal/response"
	"claude-relay/internal/stream"
	"claude-relay/internal/types"
	"claude-relay/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	maxRequestBodyBytes = 8 << 20

	// defaultRateLimitBackoff applies when the upstream rate-limits without
	// telling us when the window resets.
	defaultRateLimitBackoff = 5 * time.Minute
)

// ProxyServer relays message requests to the upstream through pool accounts.
type ProxyServer struct {
	pool       *accountpool.Manager
	clients    *httpclient.Manager
	convLogger *convlog.Logger
	baseURL    string
}

// NewProxyServer creates a proxy server.
func NewProxyServer(
	configManager types.ConfigManager,
	pool *accountpool.Manager,
	clients *httpclient.Manager,
	convLogger *convlog.Logger,
) *ProxyServer {
	return &ProxyServer{
		pool:       pool,
		clients:    clients,
		convLogger: convLogger,
		baseURL:    configManager.GetUpstreamConfig().BaseURL,
	}
}

// HandleMessages serves POST /v1/messages. The account is chosen by sticky
// session affinity unless the client asks for the OAuth token flow.
func (ps *ProxyServer) HandleMessages(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBodyBytes))
	if err != nil {
		response.Error(c, app_errors.NewAPIError(app_errors.ErrBadRequest, "Failed to read request body"))
		return
	}
	if !gjson.ValidBytes(body) {
		response.Error(c, app_errors.ErrInvalidJSON)
		return
	}

	filters := filtersFromRequest(c)
	sessionID, ephemeral := sessionIDFromRequest(c, body)

	var account *models.Account
	var selectErr error
	directAuth := c.GetHeader("X-Auth-Mode") == "oauth"
	if directAuth {
		account, selectErr = ps.pool.SelectForDirectAuth(filters)
	} else {
		account, selectErr = ps.pool.SelectForSession(sessionID, filters)
		if ephemeral {
			defer ps.pool.ReleaseSession(sessionID)
		}
	}
	if selectErr != nil {
		response.ErrorFrom(c, selectErr)
		return
	}

	resp, err := ps.callUpstream(c, account, directAuth, body)
	if err != nil {
		logrus.WithError(err).WithField("organization_id", utils.ShortOrgID(account.OrganizationID)).
			Warn("Upstream call failed")
		response.Error(c, app_errors.NewAPIError(app_errors.ErrBadGateway, "Upstream request failed"))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		ps.handleUpstreamRateLimit(c, account, resp)
		return
	}
	if resp.StatusCode >= 400 {
		ps.handleUpstreamError(c, account, resp)
		return
	}

	if !gjson.GetBytes(body, "stream").Bool() {
		ps.handleJSONResponse(c, sessionID, account, resp)
		return
	}
	ps.handleStreamingResponse(c, sessionID, account, resp, body)
}

// callUpstream issues the messages request with the account's credential and
// its assigned egress proxy.
func (ps *ProxyServer) callUpstream(c *gin.Context, account *models.Account, directAuth bool, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodPost, ps.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if version := c.GetHeader("Anthropic-Version"); version != "" {
		req.Header.Set("Anthropic-Version", version)
	}

	// OAuth flow uses the bearer token; session flow rides the cookie.
	if directAuth || (account.OAuthToken != nil && !account.SupportsCookie()) {
		if account.OAuthToken == nil {
			return nil, fmt.Errorf("account %s has no OAuth token", utils.ShortOrgID(account.OrganizationID))
		}
		req.Header.Set("Authorization", "Bearer "+account.OAuthToken.AccessToken)
	} else {
		req.Header.Set("Cookie", claudeauth.CookieHeader(account.CookieValue))
	}
	httpclient.ApplyBrowserHeaders(req, ps.baseURL)

	proxyURL := ps.pool.ProxyFor(account.OrganizationID)
	logrus.WithFields(logrus.Fields{
		"organization_id": utils.ShortOrgID(account.OrganizationID),
		"proxy":           utils.MaskProxyURL(proxyURL),
	}).Debug("Relaying request upstream")

	return ps.clients.GetClient(proxyURL).Do(req)
}

// handleUpstreamRateLimit marks the account and mirrors the 429 upstream.
func (ps *ProxyServer) handleUpstreamRateLimit(c *gin.Context, account *models.Account, resp *http.Response) {
	resetsAt := resetsAtFromHeaders(resp.Header, time.Now())
	ps.pool.MarkRateLimited(account.OrganizationID, resetsAt)

	body := ps.readErrorBody(resp)
	message := gjson.GetBytes(body, "error.message").String()
	if message == "" {
		message = "Upstream rate limit exceeded"
	}
	response.Error(c, app_errors.NewAPIErrorWithUpstream(http.StatusTooManyRequests, "RATE_LIMITED", message))
}

// handleUpstreamError mirrors a non-429 upstream failure.
func (ps *ProxyServer) handleUpstreamError(c *gin.Context, account *models.Account, resp *http.Response) {
	body := ps.readErrorBody(resp)
	code := gjson.GetBytes(body, "error.type").String()
	if code == "" {
		code = "UPSTREAM_ERROR"
	}
	message := gjson.GetBytes(body, "error.message").String()
	if message == "" {
		message = fmt.Sprintf("Upstream returned status %d", resp.StatusCode)
	}

	logrus.WithFields(logrus.Fields{
		"organization_id": utils.ShortOrgID(account.OrganizationID),
		"status":          resp.StatusCode,
		"code":            code,
	}).Warn("Upstream returned an error response")
	response.Error(c, app_errors.NewAPIErrorWithUpstream(resp.StatusCode, code, message))
}

// handleJSONResponse relays a non-streaming response body.
func (ps *ProxyServer) handleJSONResponse(c *gin.Context, sessionID string, account *models.Account, resp *http.Response) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		response.Error(c, app_errors.NewAPIError(app_errors.ErrBadGateway, "Failed to read upstream response"))
		return
	}
	body, err := utils.DecompressResponse(resp.Header.Get("Content-Encoding"), raw)
	if err != nil {
		response.Error(c, app_errors.NewAPIError(app_errors.ErrBadGateway, "Failed to decode upstream response"))
		return
	}

	ps.logConversation(sessionID, account, "success", gjson.GetBytes(body, "model").String())
	c.Data(http.StatusOK, "application/json", body)
}

// handleStreamingResponse validates the upstream stream before committing a
// 200, then relays events as SSE.
func (ps *ProxyServer) handleStreamingResponse(c *gin.Context, sessionID string, account *models.Account, resp *http.Response, reqBody []byte) {
	decoded, err := utils.DecompressionReader(resp.Header.Get("Content-Encoding"), resp.Body)
	if err != nil {
		response.Error(c, app_errors.NewAPIError(app_errors.ErrBadGateway, "Failed to decode upstream stream"))
		return
	}

	validator := stream.NewValidator(stream.NewScanner(decoded))
	if err := validator.Validate(c.Request.Context()); err != nil {
		ps.handleValidationFailure(c, sessionID, account, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		logrus.Error("Streaming unsupported by the response writer")
		return
	}

	for {
		event, err := validator.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			logrus.WithError(err).Warn("Upstream stream failed mid-relay")
			return
		}
		if _, err := c.Writer.Write(event.Raw); err != nil {
			logrus.WithError(err).Debug("Client disconnected during stream relay")
			return
		}
		flusher.Flush()
	}

	ps.logConversation(sessionID, account, "success", gjson.GetBytes(reqBody, "model").String())
}

// handleValidationFailure maps pre-commit stream failures to retryable
// statuses. Rate-limit stream errors also sideline the account.
func (ps *ProxyServer) handleValidationFailure(c *gin.Context, sessionID string, account *models.Account, err error) {
	var streamErr *stream.StreamingError
	if !errors.As(err, &streamErr) {
		if c.Request.Context().Err() != nil {
			c.Abort()
			return
		}
		response.Error(c, app_errors.NewAPIError(app_errors.ErrBadGateway, "Upstream stream failed before validation"))
		return
	}

	if streamErr.Type == "rate_limit_error" || streamErr.Type == "overloaded_error" {
		ps.pool.MarkRateLimited(account.OrganizationID, time.Now().Add(defaultRateLimitBackoff))
	}

	ps.logConversation(sessionID, account, "error", streamErr.Type)
	response.Error(c, app_errors.NewAPIError(app_errors.ErrStreamUnstable, streamErr.Message))
}

// logConversation records the exchange; failures never affect the response.
func (ps *ProxyServer) logConversation(sessionID string, account *models.Account, status, detail string) {
	if ps.convLogger == nil {
		return
	}
	record := fmt.Sprintf(`{"session_id":%q,"organization_id":%q,"status":%q,"detail":%q}`,
		sessionID, account.OrganizationID, status, detail)
	if _, err := ps.convLogger.Append(record); err != nil {
		logrus.WithError(err).Warn("Failed to record conversation log")
	}
}

// readErrorBody drains and decodes an upstream error body, bounded.
func (ps *ProxyServer) readErrorBody(resp *http.Response) []byte {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil
	}
	body, err := utils.DecompressResponse(resp.Header.Get("Content-Encoding"), raw)
	if err != nil {
		return raw
	}
	return body
}

// sessionIDFromRequest derives the affinity key: an explicit header wins,
// then the request's metadata user id, then a fresh one-shot id. The second
// return is true for one-shot ids; their binding must be released when the
// request finishes or it would hold a session-cap slot forever.
func sessionIDFromRequest(c *gin.Context, body []byte) (string, bool) {
	if sessionID := c.GetHeader("X-Session-Id"); sessionID != "" {
		return sessionID, false
	}
	if userID := gjson.GetBytes(body, "metadata.user_id").String(); userID != "" {
		return userID, false
	}
	return "anon-" + strconv.FormatInt(time.Now().UnixNano(), 36), true
}

// filtersFromRequest reads optional capability filters from query params.
func filtersFromRequest(c *gin.Context) accountpool.Filters {
	var filters accountpool.Filters
	if raw := c.Query("is_pro"); raw != "" {
		if value, err := strconv.ParseBool(raw); err == nil {
			filters.IsPro = &value
		}
	}
	if raw := c.Query("is_max"); raw != "" {
		if value, err := strconv.ParseBool(raw); err == nil {
			filters.IsMax = &value
		}
	}
	return filters
}

// resetsAtFromHeaders extracts the rate-limit reset time from upstream
// headers, falling back to a fixed backoff.
func resetsAtFromHeaders(header http.Header, now time.Time) time.Time {
	if raw := header.Get("Anthropic-Ratelimit-Unified-Reset"); raw != "" {
		if unix, err := strconv.ParseInt(raw, 10, 64); err == nil && unix > 0 {
			return time.Unix(unix, 0)
		}
	}
	if raw := header.Get("Retry-After"); raw != "" {
		if seconds, err := strconv.Atoi(raw); err == nil && seconds > 0 {
			return now.Add(time.Duration(seconds) * time.Second)
		}
	}
	return now.Add(defaultRateLimitBackoff)
}
