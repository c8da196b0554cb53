package handler

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes wires the proxy and health handlers onto the Echo instance.
// Preflight requests never reach these routes; the CORS middleware answers
// them first.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	e.POST("/", proxy.Handle)
	e.POST("/gateioProxy", proxy.Handle)
}
