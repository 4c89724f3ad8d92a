// Package header classifies headers crossing the proxy and builds the CORS
// response header set.
//
// The proxy sits between a browser (or any local client) and one upstream:
//
//	Client <--> Proxy <--> Upstream
//
// Each leg negotiates its own connection, so hop-by-hop headers are dropped
// in both directions while everything else is relayed untouched.
package header

import (
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"openai-proxy-go/internal/config"
)

// hopByHop is the set of headers that only describe a single transport leg.
// Keys are canonical.
var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Trailers":            {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},

	// The upstream leg gets a Host derived from the forwarding target.
	"Host": {},
}

// IsHopByHop reports whether name is in the fixed hop-by-hop set, case-insensitively.
func IsHopByHop(name string) bool {
	_, ok := hopByHop[http.CanonicalHeaderKey(name)]
	return ok
}

// Translator filters headers and produces CORS headers. It holds only
// configuration and is safe for concurrent use.
type Translator struct {
	allowMethods string
	allowHeaders string
	maxAge       string
}

// NewTranslator creates a Translator from the cors section of cfg.
func NewTranslator(cfg *config.Config) *Translator {
	return &Translator{
		allowMethods: cfg.CORS.AllowMethods,
		allowHeaders: cfg.CORS.AllowHeaders,
		maxAge:       strconv.Itoa(cfg.CORS.MaxAgeSeconds),
	}
}

// FilterRequestHeaders returns a copy of src without hop-by-hop headers.
func (t *Translator) FilterRequestHeaders(src http.Header) http.Header {
	return filter(src)
}

// FilterResponseHeaders returns a copy of src without hop-by-hop headers.
func (t *Translator) FilterResponseHeaders(src http.Header) http.Header {
	return filter(src)
}

// filter copies src, dropping the fixed hop-by-hop set and any header
// nominated by a Connection token. Value order per key is kept.
func filter(src http.Header) http.Header {
	nominated := connectionTokens(src)
	dst := make(http.Header, len(src))
	for key, vals := range src {
		ck := http.CanonicalHeaderKey(key)
		if _, skip := hopByHop[ck]; skip {
			continue
		}
		if _, skip := nominated[ck]; skip {
			continue
		}
		dst[ck] = append(dst[ck], vals...)
	}
	return dst
}

// connectionTokens collects the header names listed in every Connection
// header of h, whatever its key casing.
func connectionTokens(h http.Header) map[string]struct{} {
	var out map[string]struct{}
	for key, vals := range h {
		if !strings.EqualFold(key, "Connection") {
			continue
		}
		for _, v := range vals {
			for tok := range strings.SplitSeq(v, ",") {
				tok = strings.TrimSpace(tok)
				if !httpguts.ValidHeaderFieldName(tok) {
					continue
				}
				if out == nil {
					out = make(map[string]struct{})
				}
				out[http.CanonicalHeaderKey(tok)] = struct{}{}
			}
		}
	}
	return out
}

// IsPreflight reports whether r is a CORS preflight. Any OPTIONS request is
// treated as one.
func (t *Translator) IsPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions
}

// CORSHeaders returns the CORS header set for a request carrying the given
// Origin and Access-Control-Request-Headers values (either may be empty).
// The origin is reflected when present, otherwise any origin is allowed.
func (t *Translator) CORSHeaders(origin, requestedHeaders string) http.Header {
	h := make(http.Header, 5)
	if origin != "" {
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Vary", "Origin")
	} else {
		h.Set("Access-Control-Allow-Origin", "*")
	}
	h.Set("Access-Control-Allow-Methods", t.allowMethods)
	if requestedHeaders != "" {
		h.Set("Access-Control-Allow-Headers", requestedHeaders)
	} else {
		h.Set("Access-Control-Allow-Headers", t.allowHeaders)
	}
	h.Set("Access-Control-Max-Age", t.maxAge)
	return h
}

// CORSHeadersFor is CORSHeaders with both inputs read from r.
func (t *Translator) CORSHeadersFor(r *http.Request) http.Header {
	return t.CORSHeaders(r.Header.Get("Origin"), r.Header.Get("Access-Control-Request-Headers"))
}

// ApplyCORS sets the CORS header set for r on dst, replacing any values
// already present for those keys. Vary is merged instead of replaced.
func (t *Translator) ApplyCORS(dst http.Header, r *http.Request) {
	for k, v := range t.CORSHeadersFor(r) {
		if k == "Vary" {
			if !httpguts.HeaderValuesContainsToken(dst.Values("Vary"), "Origin") {
				dst.Add("Vary", "Origin")
			}
			continue
		}
		dst[k] = v
	}
}
