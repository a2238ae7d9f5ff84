package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/xiaot623/crawlwatch/internal/domain"
)

// ListRunPages returns the pages of a run, newest first.
// GET /v1/runs/:run_id/pages
func (h *Handler) ListRunPages(c echo.Context) error {
	return h.listPages(c, c.Param("run_id"))
}

// ListPages returns every page, newest first.
// GET /v1/pages
func (h *Handler) ListPages(c echo.Context) error {
	return h.listPages(c, "")
}

func (h *Handler) listPages(c echo.Context, runID string) error {
	pages, err := h.service.ListPages(c.Request().Context(), runID)
	if err != nil {
		return serviceError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"pages": pages,
	})
}

// CreatePage records a page discovered by a run. Recording a known url
// returns the existing page.
// POST /v1/runs/:run_id/pages
func (h *Handler) CreatePage(c echo.Context) error {
	var req domain.CreatePageRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}

	page, created, err := h.service.CreatePage(c.Request().Context(), c.Param("run_id"), req)
	if err != nil {
		return serviceError(c, err)
	}
	if !created {
		return c.JSON(http.StatusOK, page)
	}
	return c.JSON(http.StatusCreated, page)
}

// GetPage gets a page by ID.
// GET /v1/pages/:page_id
func (h *Handler) GetPage(c echo.Context) error {
	page, err := h.service.GetPage(c.Request().Context(), c.Param("page_id"))
	if err != nil {
		return serviceError(c, err)
	}
	return c.JSON(http.StatusOK, page)
}

// UpdatePage changes the scan result of a page.
// PATCH /v1/pages/:page_id
func (h *Handler) UpdatePage(c echo.Context) error {
	var req domain.UpdatePageRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}

	page, err := h.service.UpdatePage(c.Request().Context(), c.Param("page_id"), req)
	if err != nil {
		return serviceError(c, err)
	}
	return c.JSON(http.StatusOK, page)
}

// DeletePage deletes a page.
// DELETE /v1/pages/:page_id
func (h *Handler) DeletePage(c echo.Context) error {
	if err := h.service.DeletePage(c.Request().Context(), c.Param("page_id")); err != nil {
		return serviceError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
