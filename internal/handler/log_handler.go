package handler

import (
	"encoding/json"
	"strconv"

	"claude-relay/internal/convlog"
	app_errors "claude-relay/internal/errors"
	"claude-relay/internal/response"

	"github.com/gin-gonic/gin"
)

// LogHandler serves conversation log queries.
type LogHandler struct {
	logger *convlog.Logger
}

// NewLogHandler creates a new LogHandler.
func NewLogHandler(logger *convlog.Logger) *LogHandler {
	return &LogHandler{logger: logger}
}

// Query returns conversation records newest first.
// GET /api/logs?start_date=&end_date=&session_id=&status=&limit=&offset=
func (h *LogHandler) Query(c *gin.Context) {
	params := convlog.QueryParams{
		StartDate: c.Query("start_date"),
		EndDate:   c.Query("end_date"),
		SessionID: c.Query("session_id"),
		Status:    c.Query("status"),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			response.Error(c, app_errors.NewValidationError("limit must be a non-negative integer"))
			return
		}
		params.Limit = limit
	}
	if raw := c.Query("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			response.Error(c, app_errors.NewValidationError("offset must be a non-negative integer"))
			return
		}
		params.Offset = offset
	}

	records, err := h.logger.Query(params)
	if err != nil {
		response.Error(c, app_errors.NewValidationError(err.Error()))
		return
	}

	items := make([]json.RawMessage, 0, len(records))
	for _, record := range records {
		items = append(items, json.RawMessage(record))
	}
	response.Success(c, gin.H{"logs": items, "count": len(items)})
}

// GetByID returns a single conversation record.
// GET /api/logs/:id
func (h *LogHandler) GetByID(c *gin.Context) {
	record, ok := h.logger.GetByID(c.Param("id"))
	if !ok {
		response.Error(c, app_errors.ErrResourceNotFound)
		return
	}
	response.Success(c, json.RawMessage(record))
}
