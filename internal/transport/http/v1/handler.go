// Package v1 provides the HTTP handlers of the feed daemon.
package v1

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xiaot623/crawlwatch/internal/config"
	"github.com/xiaot623/crawlwatch/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	service  *service.Service
	cfg      *config.Config
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// NewHandler creates a new handler.
func NewHandler(svc *service.Service) *Handler {
	return &Handler{
		service: svc,
		cfg:     svc.Config(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: slog.Default().With("component", "http"),
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Runs
	e.GET("/v1/runs", h.ListRuns)
	e.POST("/v1/runs", h.CreateRun)
	e.GET("/v1/runs/:run_id", h.GetRun)
	e.PATCH("/v1/runs/:run_id", h.UpdateRun)
	e.DELETE("/v1/runs/:run_id", h.DeleteRun)

	// Pages
	e.GET("/v1/runs/:run_id/pages", h.ListRunPages)
	e.POST("/v1/runs/:run_id/pages", h.CreatePage)
	e.GET("/v1/pages", h.ListPages)
	e.GET("/v1/pages/:page_id", h.GetPage)
	e.PATCH("/v1/pages/:page_id", h.UpdatePage)
	e.DELETE("/v1/pages/:page_id", h.DeletePage)

	// Change stream
	e.GET("/v1/changes", h.StreamChanges)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, h.service.Health())
}

func errorJSON(c echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]string{"error": msg})
}

// serviceError maps a service error onto a JSON error response.
func serviceError(c echo.Context, err error) error {
	var ve *service.ValidationError
	switch {
	case errors.As(err, &ve):
		return errorJSON(c, http.StatusBadRequest, ve.Message)
	case errors.Is(err, service.ErrRunNotFound), errors.Is(err, service.ErrPageNotFound):
		return errorJSON(c, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrFeedClosed):
		return errorJSON(c, http.StatusServiceUnavailable, err.Error())
	default:
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
}
