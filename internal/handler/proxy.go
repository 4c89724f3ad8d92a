package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"openai-proxy-go/internal/access"
	"openai-proxy-go/internal/config"
	"openai-proxy-go/internal/header"
	"openai-proxy-go/internal/middleware"
	"openai-proxy-go/internal/model"
	"openai-proxy-go/internal/service"
)

// StatusClientClosedRequest records requests whose caller went away before
// the upstream answered. Nothing is sent on the wire with it.
const StatusClientClosedRequest = 499

// ErrorBody is the JSON envelope for responses generated by the proxy itself.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ProxyHandler relays requests to the upstream and streams responses back.
type ProxyHandler struct {
	service    *service.ProxyService
	guard      *access.Guard
	translator *header.Translator
	prefix     string
	logger     *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, guard *access.Guard, tr *header.Translator, cfg *config.Config, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service:    svc,
		guard:      guard,
		translator: tr,
		prefix:     cfg.Server.PathPrefix,
		logger:     logger.With("component", "proxy_handler"),
	}
}

// Handle runs one request through the pipeline: preflights are answered
// locally, denied clients are rejected, everything else is forwarded once
// and the upstream response streamed back with CORS headers merged in.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	if h.translator.IsPreflight(req) {
		middleware.SetOutcome(c, model.OutcomePreflight)
		h.translator.ApplyCORS(c.Response().Header(), req)
		return c.NoContent(http.StatusOK)
	}

	clientIP, err := h.guard.Check(req)
	if err != nil {
		middleware.SetOutcome(c, model.OutcomeDenied)
		return h.writeError(c, http.StatusForbidden, "client IP is not allowed to use this proxy")
	}

	path, rawPath := h.upstreamPath(req)
	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          path,
		RawPath:       rawPath,
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
		ClientIP:      clientIP,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, clientIP, err)
	}
	defer func() { _ = resp.Body.Close() }()

	middleware.SetOutcome(c, model.OutcomeForwarded)

	// Upstream values replace anything middleware already set, such as the
	// proxy's own X-Request-Id.
	dst := c.Response().Header()
	for key, vals := range resp.Header {
		dst.Del(key)
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
	h.translator.ApplyCORS(dst, req)

	c.Response().WriteHeader(resp.StatusCode)
	if req.Method == http.MethodHead {
		return nil
	}

	// Stream the upstream body chunk by chunk, flushing each so event streams
	// reach the caller as they arrive. Once headers are out, a failure can only
	// truncate the response; it is logged and the status stays as sent.
	for chunk, err := range model.Chunks(resp.Body) {
		if err != nil {
			h.logger.Error("reading upstream body",
				"err", err,
				"client_ip", clientIP,
				"path", req.URL.Path,
			)
			break
		}
		if _, err := c.Response().Write(chunk); err != nil {
			h.logger.Debug("writing response body",
				"err", err,
				"client_ip", clientIP,
				"path", req.URL.Path,
			)
			break
		}
		c.Response().Flush()
	}

	return nil
}

// upstreamPath strips the configured route prefix from the request path.
func (h *ProxyHandler) upstreamPath(req *http.Request) (string, string) {
	path := strings.TrimPrefix(req.URL.Path, h.prefix)
	rawPath := ""
	if req.URL.RawPath != "" {
		rawPath = strings.TrimPrefix(req.URL.RawPath, h.prefix)
	}
	if path == "" {
		path = "/"
	}
	if rawPath != "" && !strings.HasPrefix(rawPath, "/") {
		rawPath = "/" + rawPath
	}
	return path, rawPath
}

func (h *ProxyHandler) mapError(c echo.Context, clientIP string, err error) error {
	path := c.Request().URL.Path

	// A body rejected while streaming to the upstream (BodyLimit) is the
	// caller's fault, not the upstream's.
	var he *echo.HTTPError
	if errors.As(err, &he) {
		h.logger.Warn("request rejected while forwarding",
			"err", he,
			"status", he.Code,
			"client_ip", clientIP,
			"path", path,
		)
		return h.writeError(c, he.Code, strings.ToLower(http.StatusText(he.Code)))
	}

	if errors.Is(err, service.ErrClientDisconnected) {
		middleware.SetOutcome(c, model.OutcomeClientDisconnected)
		h.logger.Debug("client disconnected before upstream responded",
			"client_ip", clientIP,
			"path", path,
		)
		c.Response().Status = StatusClientClosedRequest
		return nil
	}

	middleware.SetOutcome(c, model.OutcomeUpstreamError)

	status, kind, msg := http.StatusBadGateway, "protocol_error", "upstream returned an invalid response"
	switch {
	case errors.Is(err, service.ErrUpstreamTimeout):
		status, kind, msg = http.StatusGatewayTimeout, "timeout", "upstream request timed out"
	case errors.Is(err, service.ErrUpstreamUnreachable):
		kind, msg = "unreachable", "upstream host unreachable"
	}

	h.logger.Error("proxy error",
		"err", err,
		"kind", kind,
		"client_ip", clientIP,
		"path", path,
	)
	return h.writeError(c, status, msg)
}

// writeError sends the JSON error envelope with CORS headers attached.
func (h *ProxyHandler) writeError(c echo.Context, status int, msg string) error {
	h.translator.ApplyCORS(c.Response().Header(), c.Request())
	return c.JSON(status, ErrorBody{
		Error:   http.StatusText(status),
		Message: msg,
	})
}
