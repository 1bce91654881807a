package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

// routeKey is the echo.Context key holding the matched route id.
const routeKey = "gateway.route_id"

// SetRoute records the id of the route serving the request, for logs and metrics.
func SetRoute(c echo.Context, id string) {
	c.Set(routeKey, id)
}

// RouteID returns the id recorded by SetRoute, or empty string.
func RouteID(c echo.Context) string {
	id, _ := c.Get(routeKey).(string)
	return id
}

// RequestLogger returns an Echo middleware that logs each request with slog.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			req := c.Request()
			res := c.Response()
			logger.Info("request",
				"method", req.Method,
				"path", req.URL.Path,
				"route", RouteID(c),
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			)

			return err
		}
	}
}
