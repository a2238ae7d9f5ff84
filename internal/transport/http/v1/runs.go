package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/xiaot623/crawlwatch/internal/domain"
)

// ListRuns returns every run, newest first.
// GET /v1/runs
func (h *Handler) ListRuns(c echo.Context) error {
	runs, err := h.service.ListRuns(c.Request().Context())
	if err != nil {
		return serviceError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"runs": runs,
	})
}

// CreateRun creates a pending run.
// POST /v1/runs
func (h *Handler) CreateRun(c echo.Context) error {
	var req domain.CreateRunRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}

	run, err := h.service.CreateRun(c.Request().Context(), req)
	if err != nil {
		return serviceError(c, err)
	}
	return c.JSON(http.StatusCreated, run)
}

// GetRun gets a run by ID.
// GET /v1/runs/:run_id
func (h *Handler) GetRun(c echo.Context) error {
	run, err := h.service.GetRun(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return serviceError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// UpdateRun changes the status or error count of a run.
// PATCH /v1/runs/:run_id
func (h *Handler) UpdateRun(c echo.Context) error {
	var req domain.UpdateRunRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}

	run, err := h.service.UpdateRun(c.Request().Context(), c.Param("run_id"), req)
	if err != nil {
		return serviceError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// DeleteRun deletes a run and its pages.
// DELETE /v1/runs/:run_id
func (h *Handler) DeleteRun(c echo.Context) error {
	if err := h.service.DeleteRun(c.Request().Context(), c.Param("run_id")); err != nil {
		return serviceError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
