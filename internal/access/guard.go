// Package access resolves the effective client address of a request and
// checks it against the configured allow-list.
package access

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"openai-proxy-go/internal/config"
)

// ErrAccessDenied is returned when the client address is not on the allow-list.
var ErrAccessDenied = errors.New("client IP not allowed")

// Guard admits or denies clients by IP. It is read-only after construction
// and safe for concurrent use.
type Guard struct {
	allowIP string
	logger  *slog.Logger
}

// NewGuard creates a Guard from the access section of cfg. An empty
// allow_ip admits every client.
func NewGuard(cfg *config.Config, logger *slog.Logger) *Guard {
	return &Guard{
		allowIP: cfg.Access.AllowIP,
		logger:  logger.With("component", "access_guard"),
	}
}

// ResolveClientIP returns the client address for r. The first non-empty
// source wins: the first X-Forwarded-For entry, X-Real-IP, then the
// connection peer.
func (g *Guard) ResolveClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// IsAllowed reports whether ip may use the proxy. Matching is exact string
// equality against the configured literal.
func (g *Guard) IsAllowed(ip string) bool {
	return g.allowIP == "" || ip == g.allowIP
}

// Enabled reports whether an allow-list is configured.
func (g *Guard) Enabled() bool {
	return g.allowIP != ""
}

// Check resolves the client address of r and returns it together with
// ErrAccessDenied when it is not allowed. Denials are logged at WARN.
func (g *Guard) Check(r *http.Request) (string, error) {
	ip := g.ResolveClientIP(r)
	if g.IsAllowed(ip) {
		return ip, nil
	}
	g.logger.Warn("access denied",
		"client_ip", ip,
		"path", r.URL.Path,
		"method", r.Method,
	)
	return ip, ErrAccessDenied
}
