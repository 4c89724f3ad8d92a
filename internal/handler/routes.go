package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"openai-proxy-go/internal/config"
	"openai-proxy-go/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Everything
// outside the reserved /_proxy space (and under the configured prefix) is
// forwarded.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, proxy *ProxyHandler, health *HealthHandler) {
	e.GET(config.ReservedPrefix+"/healthz", health.Healthz)
	e.GET(config.ReservedPrefix+"/status", health.Status)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	prefix := cfg.Server.PathPrefix
	if prefix != "" {
		e.Any(prefix, proxy.Handle)
	}
	e.Any(prefix+"/*", proxy.Handle)
}
