// Package handler implements the admin API endpoints.
package handler

import (
	"errors"

	"claude-relay/internal/accountpool"
	app_errors "claude-relay/internal/errors"
	"claude-relay/internal/models"
	"claude-relay/internal/response"

	"github.com/gin-gonic/gin"
)

// AccountHandler manages pool accounts over the admin API.
type AccountHandler struct {
	pool *accountpool.Manager
}

// NewAccountHandler creates a new AccountHandler.
func NewAccountHandler(pool *accountpool.Manager) *AccountHandler {
	return &AccountHandler{pool: pool}
}

// CreateAccountRequest is the payload for registering an account. At least
// one of cookie_value and oauth_token is required.
type CreateAccountRequest struct {
	CookieValue    string               `json:"cookie_value"`
	OAuthToken     *models.OAuthToken   `json:"oauth_token"`
	OrganizationID string               `json:"organization_id"`
	Capabilities   *models.Capabilities `json:"capabilities"`
}

// List returns all accounts with masked credentials plus pool counters.
// GET /api/accounts
func (h *AccountHandler) List(c *gin.Context) {
	response.Success(c, gin.H{
		"accounts": h.pool.ListAccounts(),
		"status":   h.pool.Status(),
	})
}

// Create registers a new account or merges credentials into an existing one.
// POST /api/accounts
func (h *AccountHandler) Create(c *gin.Context) {
	var req CreateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, app_errors.NewAPIError(app_errors.ErrInvalidJSON, err.Error()))
		return
	}
	if req.CookieValue == "" && req.OAuthToken == nil {
		response.Error(c, app_errors.NewValidationError("Either cookie_value or oauth_token is required"))
		return
	}

	account, err := h.pool.AddAccount(c.Request.Context(), accountpool.AddAccountParams{
		CookieValue:    req.CookieValue,
		OAuthToken:     req.OAuthToken,
		OrganizationID: req.OrganizationID,
		Capabilities:   req.Capabilities,
	})
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}

	view, _ := h.pool.ViewAccount(account.OrganizationID)
	response.Success(c, view)
}

// Delete removes an account from the pool.
// DELETE /api/accounts/:id
func (h *AccountHandler) Delete(c *gin.Context) {
	orgID := c.Param("id")
	if _, ok := h.pool.ViewAccount(orgID); !ok {
		response.Error(c, app_errors.ErrResourceNotFound)
		return
	}
	h.pool.RemoveAccount(orgID)
	response.Success(c, gin.H{"organization_id": orgID})
}

// Test actively re-validates an account's credentials.
// POST /api/accounts/:id/test
func (h *AccountHandler) Test(c *gin.Context) {
	result, err := h.pool.TestAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, app_errors.ErrResourceNotFound) {
			response.Error(c, app_errors.ErrResourceNotFound)
			return
		}
		response.ErrorFrom(c, err)
		return
	}
	response.Success(c, result)
}

// Status returns pool-wide counters.
// GET /api/accounts/status
func (h *AccountHandler) Status(c *gin.Context) {
	response.Success(c, h.pool.Status())
}
