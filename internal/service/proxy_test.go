package service

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"openai-proxy-go/internal/client"
	"openai-proxy-go/internal/config"
	"openai-proxy-go/internal/header"
	"openai-proxy-go/internal/model"
)

// fakeUpstream records the outbound call and returns a canned result.
type fakeUpstream struct {
	calls   int
	method  string
	url     string
	header  http.Header
	body    string
	length  int64
	resp    *model.ProxyResponse
	respErr error
}

func (f *fakeUpstream) DoStream(_ context.Context, method, u string, h http.Header, body io.Reader, n int64) (*model.ProxyResponse, error) {
	f.calls++
	f.method, f.url, f.header, f.length = method, u, h, n
	if body != nil {
		b, _ := io.ReadAll(body)
		f.body = string(b)
	}
	if f.respErr != nil {
		return nil, f.respErr
	}
	if f.resp != nil {
		return f.resp, nil
	}
	return &model.ProxyResponse{StatusCode: http.StatusOK, Header: http.Header{}, Body: http.NoBody}, nil
}

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			BaseURL:   baseURL,
			UserAgent: "openai-proxy-go/1.0",
		},
		CORS: config.CORSConfig{AllowMethods: "GET, POST", AllowHeaders: "*", MaxAgeSeconds: 60},
	}
}

func newTestService(t *testing.T, up Upstream, baseURL string) *ProxyService {
	t.Helper()
	cfg := testConfig(baseURL)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := NewProxyService(up, header.NewTranslator(cfg), cfg, logger)
	if err != nil {
		t.Fatalf("NewProxyService: %v", err)
	}
	return svc
}

func TestBuildUpstreamURL(t *testing.T) {
	baseURL, _ := url.Parse("https://api.openai.com")
	s := &ProxyService{baseURL: baseURL}

	tests := []struct {
		name     string
		path     string
		rawPath  string
		rawQuery string
		want     string
	}{
		{"plain path", "/v1/models", "", "", "https://api.openai.com/v1/models"},
		{"query preserved verbatim", "/v1/files", "", "limit=10&order=desc&b=2&a=1", "https://api.openai.com/v1/files?limit=10&order=desc&b=2&a=1"},
		{"encoded path preserved", "/v1/files/a/b", "/v1/files/a%2Fb", "", "https://api.openai.com/v1/files/a%2Fb"},
		{"root", "/", "", "", "https://api.openai.com/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.buildUpstreamURL(tt.path, tt.rawPath, tt.rawQuery); got != tt.want {
				t.Errorf("buildUpstreamURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestForward_BuildsOutboundRequest(t *testing.T) {
	up := &fakeUpstream{}
	svc := newTestService(t, up, "https://api.openai.com")

	pr := &model.ProxyRequest{
		Ctx:      context.Background(),
		Method:   http.MethodPost,
		Path:     "/v1/chat/completions",
		RawQuery: "stream=true",
		Header: http.Header{
			"Authorization":     {"Bearer sk-test"},
			"Content-Type":      {"application/json"},
			"Connection":        {"keep-alive"},
			"Transfer-Encoding": {"chunked"},
			"Host":              {"localhost:8080"},
		},
		Body:          strings.NewReader(`{"model":"gpt-4o"}`),
		ContentLength: 18,
	}

	resp, err := svc.Forward(pr)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	_ = resp.Body.Close()

	if up.method != http.MethodPost {
		t.Errorf("method = %q, want POST", up.method)
	}
	if up.url != "https://api.openai.com/v1/chat/completions?stream=true" {
		t.Errorf("url = %q", up.url)
	}
	if up.body != `{"model":"gpt-4o"}` {
		t.Errorf("body = %q", up.body)
	}
	if up.length != 18 {
		t.Errorf("content length = %d, want 18", up.length)
	}
	if up.header.Get("Authorization") != "Bearer sk-test" {
		t.Errorf("Authorization = %q, want relayed", up.header.Get("Authorization"))
	}
	for _, h := range []string{"Connection", "Transfer-Encoding", "Host"} {
		if v := up.header.Values(h); len(v) != 0 {
			t.Errorf("%s should be stripped, got %v", h, v)
		}
	}
	if up.header.Get("User-Agent") != "openai-proxy-go/1.0" {
		t.Errorf("User-Agent = %q, want default", up.header.Get("User-Agent"))
	}
}

func TestForward_KeepsCallerUserAgent(t *testing.T) {
	up := &fakeUpstream{}
	svc := newTestService(t, up, "https://api.openai.com")

	resp, err := svc.Forward(&model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Path:   "/v1/models",
		Header: http.Header{"User-Agent": {"my-sdk/2.0"}},
	})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	_ = resp.Body.Close()

	if got := up.header.Get("User-Agent"); got != "my-sdk/2.0" {
		t.Errorf("User-Agent = %q, want %q", got, "my-sdk/2.0")
	}
}

func TestForward_FiltersResponseHeaders(t *testing.T) {
	up := &fakeUpstream{resp: &model.ProxyResponse{
		StatusCode: http.StatusCreated,
		Header: http.Header{
			"Content-Type":      {"application/json"},
			"Set-Cookie":        {"session=abc"},
			"Connection":        {"close"},
			"Transfer-Encoding": {"chunked"},
		},
		Body: io.NopCloser(strings.NewReader("{}")),
	}}
	svc := newTestService(t, up, "https://api.openai.com")

	resp, err := svc.Forward(&model.ProxyRequest{Ctx: context.Background(), Method: http.MethodGet, Path: "/"})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	if resp.Header.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q", resp.Header.Get("Content-Type"))
	}
	if resp.Header.Get("Set-Cookie") != "session=abc" {
		t.Errorf("Set-Cookie = %q, want relayed", resp.Header.Get("Set-Cookie"))
	}
	if resp.Header.Get("Connection") != "" || resp.Header.Get("Transfer-Encoding") != "" {
		t.Errorf("hop-by-hop response headers survived: %v", resp.Header)
	}
}

func TestForward_ClassifiesErrors(t *testing.T) {
	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name string
		ctx  context.Context
		err  error
		want error
	}{
		{"dns", context.Background(), &net.DNSError{Err: "no such host", Name: "api.openai.com"}, ErrUpstreamUnreachable},
		{"dial refused", context.Background(), &url.Error{Op: "Post", URL: "https://x", Err: &net.OpError{Op: "dial", Err: errors.New("connection refused")}}, ErrUpstreamUnreachable},
		{"tls verify", context.Background(), &tls.CertificateVerificationError{Err: x509.UnknownAuthorityError{}}, ErrUpstreamUnreachable},
		{"deadline", context.Background(), fmt.Errorf("wrapped: %w", context.DeadlineExceeded), ErrUpstreamTimeout},
		{"net timeout", context.Background(), &url.Error{Op: "Get", URL: "https://x", Err: timeoutErr{}}, ErrUpstreamTimeout},
		{"malformed response", context.Background(), errors.New(`net/http: HTTP/1.x transport connection broken: malformed HTTP response "garbage"`), ErrUpstreamProtocol},
		{"premature close", context.Background(), io.ErrUnexpectedEOF, ErrUpstreamProtocol},
		{"client gone", canceled, context.Canceled, ErrClientDisconnected},
		{"client gone wins over timeout", canceled, context.DeadlineExceeded, ErrClientDisconnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := &fakeUpstream{respErr: tt.err}
			svc := newTestService(t, up, "https://api.openai.com")

			_, err := svc.Forward(&model.ProxyRequest{Ctx: tt.ctx, Method: http.MethodGet, Path: "/"})
			if !errors.Is(err, tt.want) {
				t.Errorf("Forward() error = %v, want %v", err, tt.want)
			}
			if !errors.Is(err, tt.err) && !errors.Is(err, context.Canceled) {
				t.Errorf("Forward() error = %v does not wrap the cause", err)
			}
			if up.calls != 1 {
				t.Errorf("upstream calls = %d, want exactly 1 (no retries)", up.calls)
			}
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestForward_HappyPath(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("Authorization = %q, want %q", r.Header.Get("Authorization"), "Bearer sk-test")
		}
		if r.URL.RawQuery != "limit=5" {
			t.Errorf("query = %q, want %q", r.URL.RawQuery, "limit=5")
		}
		if r.Host != upstreamHost(r) {
			t.Errorf("Host = %q, want the upstream's own %q", r.Host, upstreamHost(r))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"object":"list"}`))
	}))
	defer upstream.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	uc := client.NewUpstreamClient(client.Options{Timeout: 10 * time.Second, ConnectTimeout: time.Second, IdleConnections: 10, IdleConnectionsPerHost: 10}, logger, nil)
	svc := newTestService(t, uc, upstream.URL)

	resp, err := svc.Forward(&model.ProxyRequest{
		Ctx:      context.Background(),
		Method:   http.MethodGet,
		Path:     "/v1/models",
		RawQuery: "limit=5",
		Header:   http.Header{"Authorization": {"Bearer sk-test"}, "Host": {"localhost:8080"}},
	})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != `{"object":"list"}` {
		t.Errorf("body = %q", body)
	}
}

// upstreamHost returns the address the test server is listening on.
func upstreamHost(r *http.Request) string {
	return r.Context().Value(http.LocalAddrContextKey).(net.Addr).String()
}

func TestForward_UnreachableUpstream(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	uc := client.NewUpstreamClient(client.Options{Timeout: 2 * time.Second, ConnectTimeout: time.Second}, logger, nil)
	svc := newTestService(t, uc, "http://127.0.0.1:1")

	_, err := svc.Forward(&model.ProxyRequest{Ctx: context.Background(), Method: http.MethodGet, Path: "/"})
	if !errors.Is(err, ErrUpstreamUnreachable) {
		t.Errorf("Forward() error = %v, want ErrUpstreamUnreachable", err)
	}
}

func TestTarget(t *testing.T) {
	svc := newTestService(t, &fakeUpstream{}, "https://api.openai.com")
	if got := svc.Target(); got != "https://api.openai.com" {
		t.Errorf("Target() = %q", got)
	}
}
