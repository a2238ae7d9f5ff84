// Package http provides the HTTP server of the feed daemon.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/xiaot623/crawlwatch/internal/service"
	v1 "github.com/xiaot623/crawlwatch/internal/transport/http/v1"
)

// NewServer creates the echo server exposing the service, its change stream and metrics.
func NewServer(svc *service.Service) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	// Handlers
	v1Handler := v1.NewHandler(svc)

	// Register Routes
	v1Handler.RegisterRoutes(e)

	return e
}
