package http

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo-contrib/prometheus"
	"github.com/labstack/echo/v4"
	mw "github.com/labstack/echo/v4/middleware"
	gommonlog "github.com/labstack/gommon/log"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/ziflex/lecho/v3"
)

type Config struct {
	Address         string        `yaml:"address" env:"WEB_ADDRESS" env-default:"0.0.0.0"`
	Port            string        `yaml:"port" env:"WEB_PORT" env-default:"8080"`
	AdminAPIKey     string        `yaml:"admin_api_key" env:"WEB_ADMIN_API_KEY"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"WEB_SHUTDOWN_TIMEOUT" env-default:"10s"`
}

type Server struct {
	cfg    Config
	echo   *echo.Echo
	logger *zerolog.Logger
}

type Opt func(s *Server)

func New(cfg Config, logger *zerolog.Logger, opts ...Opt) *Server {
	log := logger.With().Str("channel", "web_server").Logger()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	echoLogger := lecho.From(log, lecho.WithLevel(gommonlog.INFO))
	e.Logger = echoLogger

	e.Use(
		mw.RequestID(),
		lecho.Middleware(lecho.Config{Logger: echoLogger}),
		mw.Recover(),
	)

	s := &Server{cfg: cfg, echo: e, logger: &log}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Run blocks until the server is shut down.
func (s *Server) Run() error {
	addr := net.JoinHostPort(s.cfg.Address, s.cfg.Port)
	s.logger.Info().Str("address", addr).Msg("starting web server")

	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "web server stopped unexpectedly")
	}

	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return s.echo.Shutdown(ctx)
}

// WithMetrics exposes request metrics on /metrics. Collectors go to the
// default prometheus registry, so it must be applied once per process.
func WithMetrics(subsystem string) Opt {
	return func(s *Server) {
		p := prometheus.NewPrometheus(subsystem, nil)
		p.Use(s.echo)
	}
}

type Pinger interface {
	Ping(ctx context.Context) error
}

func WithHealth(db Pinger) Opt {
	return func(s *Server) {
		s.echo.GET("/health", func(c echo.Context) error {
			if err := db.Ping(c.Request().Context()); err != nil {
				s.logger.Error().Err(err).Msg("health check failed")
				return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			}

			return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
		})
	}
}
