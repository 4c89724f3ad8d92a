// Package middleware provides Echo middleware for request events and CORS.
package middleware

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"openai-proxy-go/internal/events"
	"openai-proxy-go/internal/model"
)

const outcomeKey = "proxy.outcome"

// ClientResolver resolves the effective client address of a request.
type ClientResolver interface {
	ResolveClientIP(r *http.Request) string
}

// SetOutcome records the pipeline outcome of the current request.
func SetOutcome(c echo.Context, o model.Outcome) {
	c.Set(outcomeKey, o)
}

// Outcome returns the recorded outcome, or OutcomeLocal when no proxy
// handler ran.
func Outcome(c echo.Context) model.Outcome {
	if o, ok := c.Get(outcomeKey).(model.Outcome); ok {
		return o
	}
	return model.OutcomeLocal
}

// RequestEvents returns an Echo middleware that emits one RequestEvent per
// request to sink.
func RequestEvents(sink events.Sink, resolver ClientResolver) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			// Errors returned to Echo are written by its central error
			// handler after this middleware; report the code they will get.
			status := res.Status
			if err != nil {
				status = http.StatusInternalServerError
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				}
			}

			sink.Record(req.Context(), model.RequestEvent{
				Time:      start,
				Method:    req.Method,
				Path:      req.URL.Path,
				ClientIP:  resolver.ResolveClientIP(req),
				Status:    status,
				Duration:  time.Since(start),
				Outcome:   Outcome(c),
				RequestID: res.Header().Get(echo.HeaderXRequestID),
				BytesOut:  res.Size,
			})

			return err
		}
	}
}
