package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"golang.org/x/time/rate"

	"gateio-proxy/internal/client"
	"gateio-proxy/internal/config"
	"gateio-proxy/internal/docstore"
	"gateio-proxy/internal/handler"
	"gateio-proxy/internal/metrics"
	"gateio-proxy/internal/middleware"
	"gateio-proxy/internal/service"
	"gateio-proxy/internal/userdata"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type cli struct {
	Flags config.CLI `embed:""`

	Version kong.VersionFlag `help:"Print version and exit."`

	Serve serveCmd `cmd:"" default:"1" help:"Run the proxy server (default)."`
	Token tokenCmd `cmd:"" help:"Mint a bearer token for the sync API."`
}

type serveCmd struct{}

func (serveCmd) Run(flags *config.CLI) error {
	cfg, err := config.Load(flags)
	if err != nil {
		return err
	}
	fx.New(appOptions(cfg)...).Run()
	return nil
}

type tokenCmd struct {
	UID   string        `arg:"" help:"User id carried as the token subject."`
	Email string        `help:"Email claim."`
	Name  string        `help:"Display name claim."`
	Photo string        `help:"Photo URL claim."`
	TTL   time.Duration `help:"Token lifetime (defaults to sync.token_ttl_minutes)."`
}

func (t *tokenCmd) Run(flags *config.CLI) error {
	cfg, err := config.Load(flags)
	if err != nil {
		return err
	}
	if cfg.Sync.JWTSecret == "" {
		return errors.New("sync.jwt_secret is not set")
	}
	ttl := t.TTL
	if ttl <= 0 {
		ttl = cfg.Sync.TokenTTL()
	}
	token, err := middleware.IssueToken(cfg.Sync.JWTSecret, cfg.Sync.Issuer, ttl, userdata.Identity{
		UID:         t.UID,
		Email:       t.Email,
		DisplayName: t.Name,
		PhotoURL:    t.Photo,
	})
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func main() {
	// A .env file is optional; the environment feeds kong's env tags.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	var c cli
	ctx := kong.Parse(&c,
		kong.Name("gateio-proxy"),
		kong.Description("Signing proxy for the Gate.io API v4 with a user data sync API."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)
	ctx.FatalIfErrorf(ctx.Run(&c.Flags))
}

func appOptions(cfg *config.Config) []fx.Option {
	opts := []fx.Option{
		fx.Supply(cfg, handler.Version(version)),
		fx.Provide(
			newLogger,
			metrics.New,
			newEcho,
			client.NewGateioClient,
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, registerMetrics, warnConfigPermissions, startServer),
	}
	if cfg.Sync.Enabled {
		opts = append(opts, syncModule)
	}
	return opts
}

var syncModule = fx.Module("sync",
	fx.Provide(
		openDocStore,
		newUserService,
		handler.NewSyncHandler,
	),
	fx.Invoke(func(e *echo.Echo, h *handler.SyncHandler) { h.Register(e) }),
)

func openDocStore(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (*docstore.Store, error) {
	store, err := docstore.Open(context.Background(), cfg.Sync.Driver, cfg.Sync.DSN, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(store.Close))
	logger.Info("document store ready", "driver", cfg.Sync.Driver)
	return store, nil
}

func newUserService(store *docstore.Store, cfg *config.Config, logger *slog.Logger) *userdata.Service {
	return userdata.NewService(store, userdata.Options{
		SuperAdminUID: cfg.Sync.SuperAdminUID,
		AutoEnroll:    cfg.Sync.AutoEnroll,
	}, logger)
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
	// The write deadline bounds one invocation. Upgraded watch sockets manage
	// their own deadlines.
	e.Server.WriteTimeout = cfg.Server.RequestTimeout()
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	// Preflight is answered before routing so OPTIONS never hits a 405.
	e.Pre(middleware.CORS(cfg.CORS.AllowMethods, cfg.CORS.AllowHeaders, middleware.CORSMethods{
		Prefix:  handler.SyncPrefix,
		Methods: cfg.CORS.SyncAllowMethods,
	}))

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())

	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}

	if cfg.Server.RateLimit.Enabled {
		store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.Server.RateLimit.RequestsPerSecond))
		e.Use(echomw.RateLimiter(store))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func registerMetrics(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) {
	if !cfg.Metrics.Enabled {
		return
	}
	e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	logger.Info("metrics enabled", "path", cfg.Metrics.Path)
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
			logger.Info("starting server", "addr", addr, "upstream", cfg.Upstream.BaseURL, "sync", cfg.Sync.Enabled)
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
