// Package service implements the core proxy forwarding logic.
package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"openai-proxy-go/internal/config"
	"openai-proxy-go/internal/header"
	"openai-proxy-go/internal/model"
)

// Upstream dispatches one request to the forwarding target.
type Upstream interface {
	DoStream(ctx context.Context, method, url string, header http.Header, body io.Reader, contentLength int64) (*model.ProxyResponse, error)
}

// ProxyService turns inbound requests into upstream requests and back.
type ProxyService struct {
	upstream   Upstream
	translator *header.Translator
	logger     *slog.Logger
	baseURL    *url.URL
	userAgent  string
}

// NewProxyService creates a ProxyService targeting cfg.Upstream.BaseURL.
func NewProxyService(up Upstream, tr *header.Translator, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	return &ProxyService{
		upstream:   up,
		translator: tr,
		logger:     logger.With("component", "proxy_service"),
		baseURL:    u,
		userAgent:  cfg.Upstream.UserAgent,
	}, nil
}

// Forward sends a ProxyRequest to the upstream and returns the response with
// hop-by-hop headers removed. The caller is responsible for closing the
// response body.
//
// A single attempt is made. Every returned error wraps one of
// ErrUpstreamUnreachable, ErrUpstreamTimeout, ErrUpstreamProtocol or
// ErrClientDisconnected.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	upstreamURL := s.buildUpstreamURL(pr.Path, pr.RawPath, pr.RawQuery)
	hdr := s.translator.FilterRequestHeaders(pr.Header)
	if s.userAgent != "" && len(hdr.Values("User-Agent")) == 0 {
		hdr.Set("User-Agent", s.userAgent)
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
		"client_ip", pr.ClientIP,
	)

	resp, err := s.upstream.DoStream(pr.Ctx, pr.Method, upstreamURL, hdr, pr.Body, pr.ContentLength)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", classify(pr.Ctx, err))
	}

	resp.Header = s.translator.FilterResponseHeaders(resp.Header)
	return resp, nil
}

// Target returns the upstream origin.
func (s *ProxyService) Target() string {
	return s.baseURL.String()
}

func (s *ProxyService) buildUpstreamURL(path, rawPath, rawQuery string) string {
	u := *s.baseURL
	u.Path = path
	u.RawPath = rawPath
	u.RawQuery = rawQuery
	return u.String()
}
