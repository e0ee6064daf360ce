package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ButyrinIA/yaksafe/internal/models"
)

var (
	ErrEmptyText   = errors.New("post text is empty")
	ErrTextTooLong = errors.New("post text is too long")
	ErrStorage     = errors.New("storage failure")
)

const (
	DefaultMaxLength      = 280
	DefaultRewardPoints   = 10
	DefaultAuthor         = "Anonymous"
	defaultStorageTimeout = 10 * time.Second
	defaultRejectReason   = "Blocked"
)

// Moderator produces a verdict for a text. An error means no verdict was
// obtained and must never be read as a rejection.
type Moderator interface {
	Moderate(ctx context.Context, text string) (models.Verdict, error)
}

type PostCreator interface {
	CreatePost(ctx context.Context, p models.NewPost) (*models.Post, error)
}

type PipelineConfig struct {
	MaxLength      int
	RewardPoints   int
	Author         string
	StorageTimeout time.Duration
}

func (c PipelineConfig) withDefaults() PipelineConfig {
	if c.MaxLength <= 0 {
		c.MaxLength = DefaultMaxLength
	}
	if c.RewardPoints < 0 {
		c.RewardPoints = 0
	}
	if c.Author == "" {
		c.Author = DefaultAuthor
	}
	if c.StorageTimeout <= 0 {
		c.StorageTimeout = defaultStorageTimeout
	}
	return c
}

// Result is the outcome of a submission that reached a verdict. Exactly one
// of Accepted and Rejected is set.
type Result struct {
	Accepted *models.Post
	Rejected string
}

func (r Result) IsRejected() bool {
	return r.Accepted == nil
}

// Pipeline runs a submission through validation, moderation and storage,
// then merges the created post into the session state, if there is one.
type Pipeline struct {
	moderator Moderator
	store     PostCreator
	state     *State
	cfg       PipelineConfig
	logger    *slog.Logger
}

func NewPipeline(moderator Moderator, store PostCreator, state *State, cfg PipelineConfig) *Pipeline {
	return &Pipeline{
		moderator: moderator,
		store:     store,
		state:     state,
		cfg:       cfg.withDefaults(),
		logger:    slog.Default().With("component", "pipeline"),
	}
}

// Submit returns a Result when moderation produced a verdict. Validation,
// moderation transport and storage failures are errors, matched with
// ErrEmptyText, ErrTextTooLong, models.ErrUnknownZone,
// moderation.ErrUnavailable and ErrStorage.
func (p *Pipeline) Submit(ctx context.Context, text string, zone models.Zone, ownerID *string) (Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		submissions.WithLabelValues("invalid").Inc()
		return Result{}, ErrEmptyText
	}
	if n := utf8.RuneCountInString(text); n > p.cfg.MaxLength {
		submissions.WithLabelValues("invalid").Inc()
		return Result{}, fmt.Errorf("%w: %d characters, limit %d", ErrTextTooLong, n, p.cfg.MaxLength)
	}
	canonical, err := models.ParseZone(string(zone))
	if err != nil {
		submissions.WithLabelValues("invalid").Inc()
		return Result{}, fmt.Errorf("%w: %q", err, zone)
	}
	zone = canonical

	verdict, err := p.moderator.Moderate(ctx, text)
	if err != nil {
		submissions.WithLabelValues("unavailable").Inc()
		p.logger.Warn("moderation unavailable", "zone", zone, "err", err)
		return Result{}, err
	}
	if !verdict.Safe {
		submissions.WithLabelValues("rejected").Inc()
		reason := verdict.Reason
		if reason == "" {
			reason = defaultRejectReason
		}
		return Result{Rejected: reason}, nil
	}

	cctx, cancel := context.WithTimeout(ctx, p.cfg.StorageTimeout)
	defer cancel()
	post, err := p.store.CreatePost(cctx, models.NewPost{
		Text:    text,
		Author:  p.cfg.Author,
		Points:  p.cfg.RewardPoints,
		Zone:    zone,
		OwnerID: ownerID,
	})
	if err != nil {
		submissions.WithLabelValues("storage_error").Inc()
		p.logger.Error("failed to create post", "zone", zone, "err", err)
		return Result{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	submissions.WithLabelValues("accepted").Inc()
	if p.state != nil && !post.Hidden {
		p.state.Insert(post)
	}
	return Result{Accepted: post}, nil
}
