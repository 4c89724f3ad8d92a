package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// CORSApplier sets the CORS header set for a request on a response header.
type CORSApplier interface {
	ApplyCORS(dst http.Header, r *http.Request)
}

// CORS returns an Echo middleware that puts CORS headers on the response
// before the handler runs, so responses produced outside the proxy handler
// (body limit rejections, recovered panics, health checks) carry them too.
// The proxy handler applies them again after merging upstream headers.
func CORS(cors CORSApplier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cors.ApplyCORS(c.Response().Header(), c.Request())
			return next(c)
		}
	}
}
