package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"bff-gateway/internal/authz"
	"bff-gateway/internal/client"
	"bff-gateway/internal/config"
	"bff-gateway/internal/handler"
	"bff-gateway/internal/metrics"
	"bff-gateway/internal/middleware"
	"bff-gateway/internal/route"
	"bff-gateway/internal/service"
	"bff-gateway/internal/session"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	_ = godotenv.Load()

	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("bff-gateway"),
		kong.Description("Backend-for-frontend gateway: serves the SPA's API surface and forwards calls to resource servers with the session's access token."),
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
			metrics.New,
			newEcho,
			client.NewUpstreamClient,
			service.NewForwarder,
			newRouteTable,
			newGate,
			newSessionStore,
			newCookieCodec,
			fx.Annotate(newSessionReader, fx.As(new(handler.SessionReader))),
			handler.NewHealthHandler,
			handler.NewUserHandler,
			handler.NewGatewayHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
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

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout stays 0 so long streamed upstream responses are not cut off;
	// the upstream client timeout bounds them instead.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	// Installed before anything that can answer early (body limit, rate
	// limiter) so those responses carry the policy too.
	e.Use(middleware.SecurityHeaders(middleware.SecurityPolicy(
		cfg.Environment.Development,
		cfg.IdentityProvider.Origin,
		cfg.Security.ScriptHash,
	)))
	e.Use(middleware.RequestLogger(logger))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimiter(cfg.Server.RateLimit.RequestsPerSecond))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	if cfg.Environment.Development {
		logger.Warn("development mode: HSTS disabled and plain-http clusters allowed")
	}

	return e
}

func newRouteTable(cfg *config.Config, logger *slog.Logger) *route.Table {
	routes := cfg.RouteTable()
	for i, r := range routes {
		logger.Debug("route", "order", i, "id", r.ID, "match", r.Match, "kind", r.Kind, "policy", r.Policy)
	}
	return route.NewTable(routes)
}

func newGate(cfg *config.Config) *authz.Gate {
	return authz.NewGate(cfg.PolicyTable())
}

func newSessionStore(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (session.Store, error) {
	driver := cfg.Session.Store.Driver
	if driver == "memory" {
		logger.Warn("using in-memory session store; no sessions will be found until one is created in-process")
		return session.NewMemoryStore(), nil
	}

	store, err := session.Open(driver, cfg.Session.Store.DSN)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// An unreachable store is not fatal: requests are served as
			// anonymous until it comes back.
			if err := store.Ping(ctx); err != nil {
				logger.Warn("session store unreachable at startup", "driver", driver, "err", err)
				return nil
			}
			if err := store.Init(ctx); err != nil {
				logger.Warn("session store schema not applied", "driver", driver, "err", err)
			}
			logger.Info("session store ready", "driver", driver)
			return nil
		},
		OnStop: func(_ context.Context) error {
			return store.Close()
		},
	})

	return store, nil
}

func newCookieCodec(cfg *config.Config) *session.CookieCodec {
	return session.NewCookieCodec(cfg.Session.SigningKey)
}

func newSessionReader(cfg *config.Config, codec *session.CookieCodec, store session.Store, logger *slog.Logger, m *metrics.Metrics) *session.Reader {
	return session.NewReader(session.ReaderOptions{
		CookieName:    cfg.Session.CookieName,
		Codec:         codec,
		Store:         store,
		LookupTimeout: time.Duration(cfg.Session.LookupTimeoutSeconds) * time.Second,
		Logger:        logger,
		Metrics:       m,
	})
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr, "routes", len(cfg.Routes))
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
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
