// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"iter"
	"net/http"
	"time"
)

// ProxyRequest represents a client request to be forwarded upstream.
// Path is already relative to the upstream origin (any route prefix removed);
// RawPath carries its original encoding when it differs from Path's default.
type ProxyRequest struct {
	Ctx           context.Context
	Method        string
	Path          string
	RawPath       string
	RawQuery      string
	Header        http.Header
	Body          io.Reader
	ContentLength int64
	ClientIP      string
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Outcome is the terminal state a request reached in the forwarding pipeline.
type Outcome string

const (
	OutcomePreflight          Outcome = "preflight"
	OutcomeDenied             Outcome = "denied"
	OutcomeForwarded          Outcome = "forwarded"
	OutcomeUpstreamError      Outcome = "upstream_error"
	OutcomeClientDisconnected Outcome = "client_disconnected"
	OutcomeLocal              Outcome = "local"
)

// RequestEvent is the structured record emitted once per inbound request.
type RequestEvent struct {
	Time      time.Time
	Method    string
	Path      string
	ClientIP  string
	Status    int
	Duration  time.Duration
	Outcome   Outcome
	RequestID string
	BytesOut  int64
}

// chunkSize is the read size used when relaying bodies.
const chunkSize = 32 * 1024

// Chunks returns a lazy, single-use sequence over the bytes of r. Each yielded
// slice is only valid until the next iteration. The sequence ends after io.EOF
// (not yielded) or after the first other error, which is yielded with a nil chunk.
func Chunks(r io.Reader) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		buf := make([]byte, chunkSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				if !yield(buf[:n], nil) {
					return
				}
			}
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
		}
	}
}
