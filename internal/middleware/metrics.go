package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"gateio-proxy/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that counts inbound requests
// and observes their latency. Watch sockets are counted but not timed: their
// duration is a connection lifetime, and it would swamp the latency buckets.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			upgrade := isWebsocketUpgrade(c)
			if !upgrade {
				m.RequestsInFlight.Inc()
				defer m.RequestsInFlight.Dec()
			}

			start := time.Now()
			err := next(c)

			method := metrics.NormalizeMethod(c.Request().Method)
			path := metrics.NormalizePath(c.Request().URL.Path)
			status := strconv.Itoa(responseStatus(c, err))

			m.RequestsTotal.WithLabelValues(method, status, path).Inc()
			if !upgrade {
				m.RequestDuration.WithLabelValues(method, status, path).Observe(time.Since(start).Seconds())
			}
			return err
		}
	}
}

// responseStatus is the status the client will see. A returned *echo.HTTPError
// has not been written yet; echo's error handler writes it after us.
func responseStatus(c echo.Context, err error) int {
	var he *echo.HTTPError
	if err != nil && errors.As(err, &he) {
		return he.Code
	}
	return c.Response().Status
}
