package handler

import (
	"net/http"
	"slices"

	"github.com/labstack/echo/v4"

	"bff-gateway/internal/config"
	"bff-gateway/internal/model"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context, _ *model.Session) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type statusResponse struct {
	Status      string   `json:"status"`
	Version     string   `json:"version"`
	Development bool     `json:"development"`
	Routes      int      `json:"routes"`
	Clusters    []string `json:"clusters"`
}

// Status returns gateway status information.
func (h *HealthHandler) Status(c echo.Context, _ *model.Session) error {
	clusters := make([]string, 0, len(h.cfg.Clusters))
	for name := range h.cfg.Clusters {
		clusters = append(clusters, name)
	}
	slices.Sort(clusters)

	return c.JSON(http.StatusOK, statusResponse{
		Status:      "ok",
		Version:     string(h.version),
		Development: h.cfg.Environment.Development,
		Routes:      len(h.cfg.Routes),
		Clusters:    clusters,
	})
}
