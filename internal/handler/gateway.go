package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"bff-gateway/internal/authz"
	"bff-gateway/internal/config"
	"bff-gateway/internal/metrics"
	"bff-gateway/internal/middleware"
	"bff-gateway/internal/model"
	"bff-gateway/internal/route"
	"bff-gateway/internal/service"
)

// SessionReader resolves the session of an inbound request; nil means anonymous.
type SessionReader interface {
	Read(req *http.Request) *model.Session
}

// LocalHandler serves a local route. sess is the session resolved for the
// request, or nil.
type LocalHandler func(c echo.Context, sess *model.Session) error

type localRoute struct {
	serve        LocalHandler
	needsSession bool
}

// GatewayHandler runs every inbound request through route resolution, the
// authorization gate and then a local handler or the forwarder, in that
// order.
type GatewayHandler struct {
	routes    *route.Table
	gate      *authz.Gate
	sessions  SessionReader
	forwarder *service.Forwarder
	local     map[string]localRoute
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewGatewayHandler creates a GatewayHandler. The metrics parameter is optional.
func NewGatewayHandler(
	routes *route.Table,
	gate *authz.Gate,
	sessions SessionReader,
	forwarder *service.Forwarder,
	health *HealthHandler,
	user *UserHandler,
	logger *slog.Logger,
	m *metrics.Metrics,
) *GatewayHandler {
	return &GatewayHandler{
		routes:    routes,
		gate:      gate,
		sessions:  sessions,
		forwarder: forwarder,
		local: map[string]localRoute{
			config.HandlerHealthz: {serve: health.Healthz},
			config.HandlerStatus:  {serve: health.Status},
			config.HandlerUser:    {serve: user.Current, needsSession: true},
		},
		logger:  logger.With("component", "gateway"),
		metrics: m,
	}
}

// Handle serves any path.
func (h *GatewayHandler) Handle(c echo.Context) error {
	req := c.Request()

	if !route.Canonical(req.URL.Path) {
		return h.mapError(c, route.ErrNonCanonical)
	}

	rt, err := h.routes.Resolve(req.URL.Path)
	if err != nil {
		return h.mapError(c, err)
	}
	middleware.SetRoute(c, rt.ID)

	var local localRoute
	if rt.Kind == model.RouteLocal {
		local = h.local[rt.Handler]
		if local.serve == nil {
			return h.mapError(c, route.ErrNotFound)
		}
	}

	var sess *model.Session
	if !rt.Public() || rt.Kind == model.RouteProxy || local.needsSession {
		sess = h.sessions.Read(req)
	}

	err = h.gate.Authorize(rt, sess)
	if h.metrics != nil {
		h.metrics.AuthzDecisions.WithLabelValues(rt.ID, authz.Outcome(err)).Inc()
	}
	if err != nil {
		return h.mapError(c, err)
	}

	if rt.Kind == model.RouteLocal {
		return local.serve(c, sess)
	}
	return h.forward(c, rt, sess)
}

// forward proxies an authorized request and streams the response back.
func (h *GatewayHandler) forward(c echo.Context, rt *model.Route, sess *model.Session) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Method:   req.Method,
		Path:     req.URL.Path,
		RawPath:  req.URL.RawPath,
		RawQuery: req.URL.RawQuery,
		Header:   req.Header,
		Body:     req.Body,
	}

	resp, err := h.forwarder.Forward(req.Context(), rt, pr, sess)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	// The status line is already sent; a failed copy (client gone, upstream
	// reset) leaves the browser with a truncated body. Log it and move on.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"route", rt.ID,
			"path", req.URL.Path,
		)
	}

	return nil
}

func (h *GatewayHandler) mapError(c echo.Context, err error) error {
	path := c.Request().URL.Path
	routeID := middleware.RouteID(c)

	switch {
	case errors.Is(err, route.ErrNonCanonical):
		h.logger.Info("request rejected", "path", path, "reason", err)
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid path",
		})

	case errors.Is(err, route.ErrNotFound):
		h.logger.Debug("no route", "path", path)
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "not found",
		})

	case errors.Is(err, authz.ErrUnauthenticated):
		h.logger.Info("request rejected", "route", routeID, "path", path, "reason", err)
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error": "authentication required",
		})

	case errors.Is(err, authz.ErrUnauthorized):
		h.logger.Info("request rejected", "route", routeID, "path", path, "reason", err)
		return c.JSON(http.StatusForbidden, map[string]string{
			"error": "forbidden",
		})

	case errors.Is(err, service.ErrMissingCredential):
		// Logged and counted by the forwarder.
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "session has no access token",
		})

	case errors.Is(err, service.ErrUnknownCluster):
		h.logger.Error("proxy misconfigured", "err", err, "route", routeID)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "upstream not configured",
		})
	}

	h.logger.Error("proxy error",
		"err", err,
		"route", routeID,
		"path", path,
	)

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}
