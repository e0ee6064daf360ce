package moderation

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	slogecho "github.com/samber/slog-echo"
	"golang.org/x/time/rate"
)

const maxBody = "64K"

type moderateRequest struct {
	Text string `json:"text"`
}

type healthResponse struct {
	OK bool `json:"ok"`
}

// Server exposes Classify over HTTP. It holds no state besides the router.
type Server struct {
	echo   *echo.Echo
	logger *slog.Logger
	httpd  *http.Server
}

type ServerConfig struct {
	Addr string
	// RateLimit is requests per second per client IP; zero disables limiting.
	// Throttled calls surface to the feed as ErrUnavailable, so it is off by
	// default.
	RateLimit float64
	Logger    *slog.Logger
}

func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "moderation")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(slogecho.New(logger))
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	// Oversized bodies get 413, the only answer that is not a verdict.
	e.Use(middleware.BodyLimit(maxBody))
	if cfg.RateLimit > 0 {
		store := middleware.NewRateLimiterMemoryStore(rate.Limit(cfg.RateLimit))
		e.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
			Skipper: func(c echo.Context) bool { return c.Path() != "/moderate" },
			Store:   store,
		}))
	}

	s := &Server{echo: e, logger: logger}
	e.GET("/health", s.HandleHealth)
	e.POST("/moderate", s.HandleModerate)
	e.GET("/metrics", echoprometheus.NewHandler())

	s.httpd = &http.Server{
		Addr:              cfg.Addr,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return s
}

func (s *Server) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	s.echo.ServeHTTP(rw, req)
}

func (s *Server) Run() error {
	s.logger.Info("starting moderation server", "addr", s.httpd.Addr)
	if err := s.httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpd.Shutdown(ctx)
}

func (s *Server) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{OK: true})
}

// HandleModerate never fails on input: a body that does not decode is
// moderated as empty text.
func (s *Server) HandleModerate(c echo.Context) error {
	var req moderateRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Debug("unreadable moderation payload", "err", err)
		req = moderateRequest{}
	}

	v := Classify(req.Text)
	verdicts.WithLabelValues(verdictLabel(v.Safe)).Inc()
	if !v.Safe {
		s.logger.Info("text rejected", "reason", v.Reason)
	}
	return c.JSON(http.StatusOK, v)
}
