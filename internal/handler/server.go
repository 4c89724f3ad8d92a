package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"openai-proxy-go/internal/access"
	"openai-proxy-go/internal/config"
	"openai-proxy-go/internal/events"
	"openai-proxy-go/internal/header"
	"openai-proxy-go/internal/middleware"
)

// NewEcho creates the Echo instance with server timeouts and the middleware
// chain every request passes through. Routes are added by RegisterRoutes.
func NewEcho(cfg *config.Config, sink events.Sink, guard *access.Guard, tr *header.Translator) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout is disabled (0) so long completions and event streams are
	// not cut off. The upstream client timeout bounds each exchange instead.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	// Preflight responses carry the CORS set and nothing else.
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{
		Skipper: func(c echo.Context) bool { return c.Request().Method == http.MethodOptions },
	}))
	// Recover sits inside RequestEvents and CORS so a recovered panic is
	// still recorded and its 500 still carries CORS headers.
	e.Use(middleware.RequestEvents(sink, guard))
	e.Use(middleware.CORS(tr))
	e.Use(echomw.Recover())
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))

	return e
}
