package server

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ButyrinIA/yaksafe/internal/feed"
	"github.com/ButyrinIA/yaksafe/internal/models"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
	outboxSize     = 64
)

// Client commands.
const (
	cmdZone   = "zone"
	cmdSubmit = "submit"
	cmdReport = "report"
	cmdHide   = "hide"
	cmdSeed   = "seed"
)

// Server messages besides the feed.Change kinds.
const (
	msgRejected = "rejected"
	msgError    = "error"
)

type clientCommand struct {
	Type   string `json:"type"`
	Zone   string `json:"zone,omitempty"`
	Text   string `json:"text,omitempty"`
	ID     string `json:"id,omitempty"`
	Hidden *bool  `json:"hidden,omitempty"`
}

type serverMessage struct {
	Type   string         `json:"type"`
	Zone   models.Zone    `json:"zone,omitempty"`
	Post   *models.Post   `json:"post,omitempty"`
	Posts  []*models.Post `json:"posts,omitempty"`
	Points int            `json:"points"`
	Reason string         `json:"reason,omitempty"`
	Error  string         `json:"error,omitempty"`
}

func changeMessage(ch feed.Change) serverMessage {
	return serverMessage{Type: string(ch.Kind), Zone: ch.Zone, Post: ch.Post, Posts: ch.Posts, Points: ch.Points}
}

// feedConn is one websocket client. All writes go through outbox and are
// performed by a single writer goroutine.
type feedConn struct {
	srv     *Server
	conn    *websocket.Conn
	session *feed.Session
	outbox  chan serverMessage
	// lagged is set when the outbox overflowed; the writer then replaces
	// the lost changes with a fresh snapshot.
	lagged atomic.Bool
	kick   chan struct{}
}

// HandleFeed upgrades to a websocket and runs a feed session for it. The
// zone query parameter selects the initial zone, token the owner.
func (s *Server) HandleFeed(c echo.Context) error {
	token := c.QueryParam("token")
	if token == "" {
		token = c.Request().Header.Get(echo.HeaderAuthorization)
	}
	owner, err := s.owner(token)
	if err != nil {
		return err
	}

	zoneParam := c.QueryParam("zone")
	if zoneParam == "" {
		zoneParam = s.cfg.Feed.DefaultZone
	}
	zone, err := models.ParseZone(zoneParam)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown zone")
	}

	if !s.trackFeed() {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "shutting down")
	}
	defer s.feedsGroup.Done()

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "err", err)
		return nil
	}

	fc := &feedConn{
		srv:    s,
		conn:   conn,
		outbox: make(chan serverMessage, outboxSize),
		kick:   make(chan struct{}, 1),
	}
	fc.session = feed.NewSession(s.storage, s.moderator, owner, feed.SessionConfig{
		Window:   s.cfg.Feed.Window,
		Pipeline: s.pipelineConfig(),
	}, fc.observe)

	ctx, cancel := context.WithCancel(s.feeds)
	defer cancel()
	stop := context.AfterFunc(c.Request().Context(), cancel)
	defer stop()

	if err := fc.run(ctx, zone); err != nil && !isClosure(err) {
		s.logger.Warn("feed session ended", "err", err)
	}
	return nil
}

func (fc *feedConn) run(ctx context.Context, zone models.Zone) error {
	defer fc.conn.Close()
	defer fc.session.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return fc.writeLoop(ctx) })
	g.Go(func() error {
		fc.activate(ctx, zone)
		return fc.readLoop(ctx, g)
	})
	return g.Wait()
}

// observe runs outside the session's locks and must not block.
func (fc *feedConn) observe(ch feed.Change) {
	fc.send(changeMessage(ch))
}

func (fc *feedConn) send(msg serverMessage) {
	select {
	case fc.outbox <- msg:
	default:
		fc.lagged.Store(true)
		select {
		case fc.kick <- struct{}{}:
		default:
		}
	}
}

func (fc *feedConn) readLoop(ctx context.Context, g *errgroup.Group) error {
	fc.conn.SetReadLimit(maxMessageSize)
	fc.conn.SetReadDeadline(time.Now().Add(pongWait))
	fc.conn.SetPongHandler(func(string) error {
		return fc.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// ReadJSON does not observe ctx; closing the connection unblocks it.
	stop := context.AfterFunc(ctx, func() { fc.conn.Close() })
	defer stop()

	for {
		var cmd clientCommand
		if err := fc.conn.ReadJSON(&cmd); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		switch cmd.Type {
		case cmdZone:
			zone, err := models.ParseZone(cmd.Zone)
			if err != nil {
				fc.sendError(err)
				continue
			}
			// Switches run inline so they apply in the order received.
			fc.activate(ctx, zone)
		case cmdSubmit:
			// Moderation can take seconds; do not hold up zone switches.
			g.Go(func() error {
				fc.submit(ctx, cmd.Text)
				return nil
			})
		case cmdReport:
			if err := fc.session.Report(ctx, cmd.ID); err != nil {
				fc.sendError(err)
			}
		case cmdHide:
			hidden := cmd.Hidden == nil || *cmd.Hidden
			if err := fc.session.SetHidden(ctx, cmd.ID, hidden); err != nil {
				fc.sendError(err)
			}
		case cmdSeed:
			if _, err := fc.session.Seed(ctx); err != nil {
				fc.sendError(err)
			}
		default:
			fc.send(serverMessage{Type: msgError, Error: "unknown command " + cmd.Type})
		}
	}
}

func (fc *feedConn) activate(ctx context.Context, zone models.Zone) {
	err := fc.session.Activate(ctx, zone)
	if err != nil && !errors.Is(err, feed.ErrSuperseded) && !errors.Is(err, feed.ErrClosed) {
		fc.sendError(err)
	}
}

func (fc *feedConn) submit(ctx context.Context, text string) {
	res, err := fc.session.Submit(ctx, text)
	if err != nil {
		fc.sendError(err)
		return
	}
	if res.IsRejected() {
		fc.send(serverMessage{Type: msgRejected, Zone: fc.session.Zone(), Reason: res.Rejected, Points: fc.session.Points()})
	}
}

func (fc *feedConn) sendError(err error) {
	var httpErr *echo.HTTPError
	if errors.As(fc.srv.httpError(err), &httpErr) {
		if msg, ok := httpErr.Message.(string); ok {
			fc.send(serverMessage{Type: msgError, Error: msg})
			return
		}
	}
	fc.send(serverMessage{Type: msgError, Error: err.Error()})
}

func (fc *feedConn) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fc.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return nil
		case msg := <-fc.outbox:
			if err := fc.write(msg); err != nil {
				return err
			}
		case <-fc.kick:
			if !fc.lagged.Swap(false) {
				continue
			}
			// Drain what is queued; the snapshot supersedes it.
			for len(fc.outbox) > 0 {
				<-fc.outbox
			}
			snap := serverMessage{
				Type:   string(feed.ChangeSnapshot),
				Zone:   fc.session.Zone(),
				Posts:  fc.session.Snapshot(),
				Points: fc.session.Points(),
			}
			if err := fc.write(snap); err != nil {
				return err
			}
		case <-ticker.C:
			fc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := fc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}

func (fc *feedConn) write(msg serverMessage) error {
	fc.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return fc.conn.WriteJSON(msg)
}

func isClosure(err error) bool {
	return errors.Is(err, context.Canceled) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
