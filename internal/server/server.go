package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ButyrinIA/yaksafe/internal/config"
	"github.com/ButyrinIA/yaksafe/internal/feed"
	"github.com/ButyrinIA/yaksafe/internal/identity"
	"github.com/ButyrinIA/yaksafe/internal/models"
	"github.com/ButyrinIA/yaksafe/internal/moderation"
	"github.com/ButyrinIA/yaksafe/internal/storage"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	slogecho "github.com/samber/slog-echo"
)

const maxPageSize = 100

// requestMetrics registers its collectors once per process.
var requestMetrics = sync.OnceValue(func() echo.MiddlewareFunc {
	return echoprometheus.NewMiddleware("yaksafe")
})

type Server struct {
	cfg       *config.Config
	storage   storage.Storage
	moderator feed.Moderator
	issuer    *identity.Issuer
	pipeline  *feed.Pipeline
	logger    *slog.Logger

	echo     *echo.Echo
	httpd    *http.Server
	upgrader websocket.Upgrader

	// feeds is cancelled on Shutdown to end hijacked websocket sessions,
	// which http.Server.Shutdown does not track.
	feeds      context.Context
	stopFeeds  context.CancelFunc
	feedsMu    sync.Mutex
	feedsDone  bool
	feedsGroup sync.WaitGroup
}

type sessionResponse struct {
	Token   string `json:"token"`
	OwnerID string `json:"ownerId"`
}

type createPostRequest struct {
	Text string `json:"text"`
	Zone string `json:"zone"`
}

type rejectionResponse struct {
	Rejected bool   `json:"rejected"`
	Reason   string `json:"reason"`
}

type hiddenRequest struct {
	Hidden *bool `json:"hidden"`
}

func New(cfg *config.Config, store storage.Storage, moderator feed.Moderator) *Server {
	s := &Server{
		cfg:       cfg,
		storage:   store,
		moderator: moderator,
		issuer:    identity.NewIssuer(cfg.Auth.Secret, cfg.Auth.TTL),
		logger:    slog.Default().With("component", "server"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.pipeline = feed.NewPipeline(moderator, store, nil, s.pipelineConfig())
	s.feeds, s.stopFeeds = context.WithCancel(context.Background())

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(slogecho.New(s.logger))
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.BodyLimit("16K"))
	e.Use(requestMetrics())

	e.GET("/health", s.HandleHealth)
	e.GET("/metrics", echoprometheus.NewHandler())
	e.POST("/session", s.HandleSession)
	e.GET("/posts", s.HandleListPosts)
	e.POST("/posts", s.HandleCreatePost)
	e.POST("/posts/:id/report", s.HandleReport)
	e.PUT("/posts/:id/hidden", s.HandleSetHidden)
	e.GET("/feed", s.HandleFeed)
	s.echo = e

	s.httpd = &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) pipelineConfig() feed.PipelineConfig {
	return feed.PipelineConfig{
		MaxLength:    s.cfg.Feed.MaxLength,
		RewardPoints: s.cfg.Feed.RewardPoints,
		Author:       s.cfg.Feed.Author,
	}
}

func (s *Server) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	s.echo.ServeHTTP(rw, req)
}

func (s *Server) Run() error {
	s.logger.Info("starting feed server", "addr", s.httpd.Addr)
	if err := s.httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and closes open websocket sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpd.Shutdown(ctx)

	s.feedsMu.Lock()
	s.feedsDone = true
	s.feedsMu.Unlock()
	s.stopFeeds()

	done := make(chan struct{})
	go func() {
		s.feedsGroup.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// trackFeed registers a websocket session with Shutdown. It fails once
// Shutdown has started, so no Add races the final Wait.
func (s *Server) trackFeed() bool {
	s.feedsMu.Lock()
	defer s.feedsMu.Unlock()
	if s.feedsDone {
		return false
	}
	s.feedsGroup.Add(1)
	return true
}

func (s *Server) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) HandleSession(c echo.Context) error {
	token, ownerID, err := s.issuer.IssueAnonymous()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, sessionResponse{Token: token, OwnerID: ownerID})
}

func (s *Server) HandleListPosts(c echo.Context) error {
	zone, err := models.ParseZone(c.QueryParam("zone"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown zone")
	}

	limit := s.cfg.Feed.Window
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = min(n, maxPageSize)
	}

	filter := models.PostFilter{Zone: zone, Limit: limit}
	if cursor := c.QueryParam("cursor"); cursor != "" {
		if _, err := models.ParseCursor(cursor); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "malformed cursor")
		}
		filter.Cursor = &cursor
	}

	page, err := s.storage.ListPosts(c.Request().Context(), filter)
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, page)
}

func (s *Server) HandleCreatePost(c echo.Context) error {
	owner, err := s.owner(c.Request().Header.Get(echo.HeaderAuthorization))
	if err != nil {
		return err
	}

	var req createPostRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request")
	}
	zone, err := models.ParseZone(req.Zone)
	if err != nil {
		return s.httpError(err)
	}

	res, err := s.pipeline.Submit(c.Request().Context(), req.Text, zone, owner)
	if err != nil {
		return s.httpError(err)
	}
	if res.IsRejected() {
		return c.JSON(http.StatusUnprocessableEntity, rejectionResponse{Rejected: true, Reason: res.Rejected})
	}
	return c.JSON(http.StatusCreated, res.Accepted)
}

func (s *Server) HandleReport(c echo.Context) error {
	reported := true
	post, err := s.storage.UpdatePost(c.Request().Context(), c.Param("id"), models.PostPatch{Reported: &reported})
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, post)
}

func (s *Server) HandleSetHidden(c echo.Context) error {
	var req hiddenRequest
	if err := c.Bind(&req); err != nil || req.Hidden == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "hidden must be set")
	}
	post, err := s.storage.UpdatePost(c.Request().Context(), c.Param("id"), models.PostPatch{Hidden: req.Hidden})
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, post)
}

// owner resolves an optional bearer token. No token is an anonymous
// request; a bad token is rejected.
func (s *Server) owner(authorization string) (*string, error) {
	owner, err := s.issuer.Lookup(authorization)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	return owner, nil
}

func (s *Server) httpError(err error) error {
	switch {
	case errors.Is(err, feed.ErrEmptyText),
		errors.Is(err, feed.ErrTextTooLong),
		errors.Is(err, feed.ErrNoZone),
		errors.Is(err, models.ErrUnknownZone):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, moderation.ErrUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "moderation unavailable, try again")
	case errors.Is(err, identity.ErrInvalidToken):
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	default:
		s.logger.Error("request failed", "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
