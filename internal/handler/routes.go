package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bff-gateway/internal/config"
	"bff-gateway/internal/metrics"
)

// RegisterRoutes wires the gateway onto the Echo instance. Every path goes
// through the gateway's own ordered route table; only the metrics endpoint,
// when enabled, is served directly.
func RegisterRoutes(e *echo.Echo, gw *GatewayHandler, cfg *config.Config, m *metrics.Metrics) {
	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	e.Any("/", gw.Handle)
	e.Any("/*", gw.Handle)
}
