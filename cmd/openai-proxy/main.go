package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"openai-proxy-go/internal/access"
	"openai-proxy-go/internal/client"
	"openai-proxy-go/internal/config"
	"openai-proxy-go/internal/events"
	"openai-proxy-go/internal/handler"
	"openai-proxy-go/internal/header"
	"openai-proxy-go/internal/metrics"
	"openai-proxy-go/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("openai-proxy"),
		kong.Description("Transparent forwarding proxy for the OpenAI API."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			l := &fxevent.SlogLogger{Logger: logger}
			l.UseLogLevel(slog.LevelDebug)
			return l
		}),
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			handler.NewEcho,
			newSink,
			metrics.New,
			client.OptionsFromConfig,
			fx.Annotate(client.NewUpstreamClient, fx.As(new(service.Upstream))),
			header.NewTranslator,
			access.NewGuard,
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, logTarget, startServer),
	).Run()
}

func newLogger(lc fx.Lifecycle, cfg *config.Config) (*slog.Logger, error) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var out io.Writer = os.Stdout
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		lc.Append(fx.StopHook(f.Close))
		out = io.MultiWriter(os.Stdout, f)
	}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(out, opts)
	default:
		h = slog.NewJSONHandler(out, opts)
	}

	return slog.New(h), nil
}

// newSink fans request events out to the log and, when enabled, to Prometheus.
func newSink(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) events.Sink {
	sinks := events.Fanout{events.NewLogSink(logger)}
	if cfg.Metrics.Enabled {
		sinks = append(sinks, m)
	}
	return sinks
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func logTarget(svc *service.ProxyService, guard *access.Guard, cfg *config.Config, logger *slog.Logger) {
	logger.Info("forwarding configured",
		"upstream", svc.Target(),
		"path_prefix", cfg.Server.PathPrefix,
		"allow_list", guard.Enabled(),
	)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
