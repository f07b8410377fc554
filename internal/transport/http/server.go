// Package http provides the HTTP server for the coordinator.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/huddle/internal/service"
	v1 "github.com/xiaot623/huddle/internal/transport/http/v1"
	"github.com/xiaot623/huddle/internal/transport/ws"
)

// NewServer creates and configures the HTTP server.
// This server handles the session API, the party directory and the live
// websocket stream.
func NewServer(svc *service.Service, wsServer *ws.Server) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Handlers
	v1Handler := v1.NewHandler(svc)

	// Register Routes
	v1Handler.RegisterRoutes(e)
	e.GET("/v1/sessions/:id/ws", wsServer.HandleWebSocket)

	return e
}
