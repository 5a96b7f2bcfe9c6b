// Package server exposes the datasource arbiter over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"roadsync/internal/core"
	"roadsync/internal/datasource"
)

// DataSource is the routing surface the handlers need.
type DataSource interface {
	ConnectionStatus(ctx context.Context) datasource.Status
	Force(src datasource.Source)
	Reset()
	Write(ctx context.Context, resourceType string, data json.RawMessage) (bool, error)
	Read(ctx context.Context, resourceType string, params map[string]string) (json.RawMessage, error)
}

// Handler holds the HTTP handlers
type Handler struct {
	ds DataSource
}

// NewHandler creates a new handler backed by ds
func NewHandler(ds DataSource) *Handler {
	return &Handler{ds: ds}
}

// ForceRequest is the body of POST /api/datasource/force.
type ForceRequest struct {
	Source string `json:"source" example:"mirror"`
}

// Health handles GET /health
//
//	@Summary	Liveness probe
//	@Tags		system
//	@Produce	json
//	@Success	200	{object}	map[string]string
//	@Router		/health [get]
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// DataSourceStatus handles GET /api/datasource/status
//
//	@Summary	Probe reachability and report the active datasource
//	@Tags		datasource
//	@Produce	json
//	@Success	200	{object}	datasource.Status
//	@Router		/api/datasource/status [get]
func (h *Handler) DataSourceStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, h.ds.ConnectionStatus(c.Request().Context()))
}

// ForceDataSource handles POST /api/datasource/force
//
//	@Summary	Pin the datasource until reset
//	@Tags		datasource
//	@Accept		json
//	@Produce	json
//	@Param		body	body		ForceRequest	true	"source to pin"
//	@Success	200		{object}	map[string]string
//	@Failure	400		{object}	map[string]interface{}
//	@Router		/api/datasource/force [post]
func (h *Handler) ForceDataSource(c echo.Context) error {
	var req ForceRequest
	if err := c.Bind(&req); err != nil {
		return handleError(c, errors.Join(core.ErrInvalidArgument, err))
	}
	src, err := datasource.ParseSource(req.Source)
	if err != nil {
		return handleError(c, err)
	}
	h.ds.Force(src)
	return c.JSON(http.StatusOK, map[string]string{"active_datasource": string(src)})
}

// ResetDataSource handles POST /api/datasource/reset
//
//	@Summary	Drop the cached or forced decision
//	@Tags		datasource
//	@Produce	json
//	@Success	200	{object}	map[string]string
//	@Router		/api/datasource/reset [post]
func (h *Handler) ResetDataSource(c echo.Context) error {
	h.ds.Reset()
	return c.JSON(http.StatusOK, map[string]string{"status": "reset"})
}

// ReadResource handles GET /api/data/:resource
//
//	@Summary	Read from the active datasource
//	@Tags		data
//	@Produce	json
//	@Param		resource	path	string	true	"resource type"
//	@Param		id			query	string	false	"record id"
//	@Param		limit		query	int		false	"max records"
//	@Success	200	{object}	interface{}
//	@Failure	400	{object}	map[string]interface{}
//	@Failure	404	{object}	map[string]interface{}
//	@Router		/api/data/{resource} [get]
func (h *Handler) ReadResource(c echo.Context) error {
	params := make(map[string]string)
	for k, v := range c.QueryParams() {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	resource := c.Param("resource")
	data, err := h.ds.Read(c.Request().Context(), resource, params)
	if err != nil {
		return handleError(c, err)
	}
	if data == nil {
		return handleError(c, core.NewNotFoundError(resource+" record not found"))
	}
	return c.JSONBlob(http.StatusOK, data)
}

// WriteResource handles POST /api/data/:resource
//
//	@Summary	Write to the active datasource
//	@Tags		data
//	@Accept		json
//	@Produce	json
//	@Param		resource	path	string	true	"resource type"
//	@Success	201	{object}	map[string]interface{}
//	@Failure	400	{object}	map[string]interface{}
//	@Router		/api/data/{resource} [post]
func (h *Handler) WriteResource(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return handleError(c, errors.Join(core.ErrInvalidArgument, err))
	}
	resource := c.Param("resource")
	ok, err := h.ds.Write(c.Request().Context(), resource, body)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"success": ok, "resource": resource})
}

// handleError converts sync errors to appropriate HTTP responses
func handleError(c echo.Context, err error) error {
	var syncErr *core.SyncError
	if errors.As(err, &syncErr) {
		return c.JSON(syncErr.HTTPStatusCode(), syncErr.ToJSON())
	}

	if errors.Is(err, core.ErrInvalidArgument) {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": map[string]interface{}{
				"type":    "invalid_request_error",
				"message": err.Error(),
			},
		})
	}

	slog.Error("request failed", "path", c.Path(), "error", err)
	return c.JSON(http.StatusInternalServerError, map[string]interface{}{
		"error": map[string]interface{}{
			"type":    "internal_error",
			"message": "an unexpected error occurred",
		},
	})
}
