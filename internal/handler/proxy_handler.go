package handler

import (
	"strconv"

	"claude-relay/internal/accountpool"
	app_errors "claude-relay/internal/errors"
	"claude-relay/internal/response"
	"claude-relay/internal/utils"

	"github.com/gin-gonic/gin"
)

// ProxyHandler manages the egress proxy pool over the admin API.
type ProxyHandler struct {
	pool *accountpool.Manager
}

// NewProxyHandler creates a new ProxyHandler.
func NewProxyHandler(pool *accountpool.Manager) *ProxyHandler {
	return &ProxyHandler{pool: pool}
}

// ProxyView is the admin-facing projection of one pool proxy.
type ProxyView struct {
	Index     int    `json:"index"`
	MaskedURL string `json:"masked_url"`
}

// CreateProxyRequest is the payload for adding a proxy.
type CreateProxyRequest struct {
	URL string `json:"url" binding:"required"`
}

// List returns all proxies with masked credentials.
// GET /api/proxies
func (h *ProxyHandler) List(c *gin.Context) {
	proxies := h.pool.ProxyPool()
	views := make([]ProxyView, 0, len(proxies))
	for index, proxyURL := range proxies {
		views = append(views, ProxyView{
			Index:     index,
			MaskedURL: utils.MaskProxyURL(proxyURL),
		})
	}
	response.Success(c, views)
}

// Create adds a proxy to the pool.
// POST /api/proxies
func (h *ProxyHandler) Create(c *gin.Context) {
	var req CreateProxyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, app_errors.NewAPIError(app_errors.ErrInvalidJSON, err.Error()))
		return
	}

	index, err := h.pool.AddProxy(req.URL)
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}
	response.Success(c, ProxyView{Index: index, MaskedURL: utils.MaskProxyURL(req.URL)})
}

// Delete removes the proxy at the given index.
// DELETE /api/proxies/:index
func (h *ProxyHandler) Delete(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		response.Error(c, app_errors.NewValidationError("Proxy index must be an integer"))
		return
	}
	if err := h.pool.DeleteProxy(index); err != nil {
		response.ErrorFrom(c, err)
		return
	}
	response.Success(c, gin.H{"index": index})
}
