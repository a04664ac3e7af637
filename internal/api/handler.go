// Package api exposes the gateway's read-only query surface: execution
// history, item results and the active execution per session.
package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/termgate/internal/domain"
	"github.com/xiaot623/termgate/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Handler handles HTTP requests.
type Handler struct {
	store    store.Store
	sessions func() int
}

// NewHandler creates a new handler. sessions reports the live host
// session count for the health endpoint.
func NewHandler(st store.Store, sessions func() int) *Handler {
	return &Handler{store: st, sessions: sessions}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/v1/executions", h.ListExecutions)
	e.GET("/v1/executions/:execution_id", h.GetExecution)
	e.GET("/v1/executions/:execution_id/items", h.GetItemResults)
	e.GET("/v1/sessions/:session_id/executions/active", h.GetActiveExecution)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	sessions := 0
	if h.sessions != nil {
		sessions = h.sessions()
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"sessions": sessions,
	})
}

// ListExecutions lists executions newest first.
// GET /v1/executions?date=YYYY-MM-DD&status=&limit=&before=
func (h *Handler) ListExecutions(c echo.Context) error {
	ctx := c.Request().Context()

	limit := defaultListLimit
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid limit"})
		}
		limit = parsed
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	executions, err := h.store.ListExecutions(ctx, store.ExecutionQuery{
		Date:   c.QueryParam("date"),
		Status: domain.ExecutionStatus(c.QueryParam("status")),
		Limit:  limit,
		Before: c.QueryParam("before"),
	})
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	nextCursor := ""
	if len(executions) == limit {
		nextCursor = executions[len(executions)-1].ExecutionID
	}
	if executions == nil {
		executions = []domain.Execution{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"executions":  executions,
		"next_cursor": nextCursor,
	})
}

// GetExecution gets a specific execution by ID.
// GET /v1/executions/:execution_id
func (h *Handler) GetExecution(c echo.Context) error {
	ctx := c.Request().Context()
	executionID := c.Param("execution_id")

	execution, err := h.store.GetExecution(ctx, executionID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if execution == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "execution not found"})
	}
	return c.JSON(http.StatusOK, execution)
}

// GetItemResults gets the item results of an execution in completion
// order.
// GET /v1/executions/:execution_id/items?status=
func (h *Handler) GetItemResults(c echo.Context) error {
	ctx := c.Request().Context()
	executionID := c.Param("execution_id")

	execution, err := h.store.GetExecution(ctx, executionID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if execution == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "execution not found"})
	}

	results, err := h.store.GetItemResults(ctx, executionID, domain.ItemStatus(c.QueryParam("status")))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if results == nil {
		results = []domain.ItemResult{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"execution_id": executionID,
		"items":        results,
	})
}

// GetActiveExecution returns the running or paused execution bound to a
// session. Observers recovering after a reconnect call this before
// resuming the live stream.
// GET /v1/sessions/:session_id/executions/active
func (h *Handler) GetActiveExecution(c echo.Context) error {
	ctx := c.Request().Context()
	sessionID := c.Param("session_id")

	execution, err := h.store.GetActiveExecution(ctx, sessionID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if execution == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "no active execution"})
	}
	return c.JSON(http.StatusOK, execution)
}
