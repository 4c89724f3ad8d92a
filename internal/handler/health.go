// Package handler contains the HTTP handlers: the forwarding engine and the
// proxy's own health endpoints.
package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"openai-proxy-go/internal/config"
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
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// StatusBody is the payload of the status endpoint.
type StatusBody struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	UpstreamURL string `json:"upstream_url"`
	PathPrefix  string `json:"path_prefix"`
	AllowList   bool   `json:"allow_list"`
}

// Status returns proxy status information. The allowed address itself is
// not disclosed.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, StatusBody{
		Status:      "ok",
		Version:     string(h.version),
		UpstreamURL: h.cfg.Upstream.BaseURL,
		PathPrefix:  h.cfg.Server.PathPrefix,
		AllowList:   h.cfg.Access.AllowIP != "",
	})
}
