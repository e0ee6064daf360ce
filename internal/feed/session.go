package feed

import (
	"context"
	"errors"
	"fmt"

	"github.com/ButyrinIA/yaksafe/internal/models"
	"github.com/ButyrinIA/yaksafe/internal/storage"
)

var ErrNoZone = errors.New("no active zone")

type SessionConfig struct {
	Window     int
	Pipeline   PipelineConfig
	Reconciler []ReconcilerOption
}

// Session is the per-client context: it owns the feed window, the
// submission pipeline writing into it and the reconciler feeding it from
// storage. Nothing in it is shared with other sessions.
type Session struct {
	owner      *string
	store      storage.Storage
	state      *State
	pipeline   *Pipeline
	reconciler *Reconciler
	cfg        SessionConfig
}

// NewSession builds a session for owner (nil for anonymous). observer, if
// set, receives every feed change.
func NewSession(store storage.Storage, moderator Moderator, owner *string, cfg SessionConfig, observer Observer) *Session {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	cfg.Pipeline = cfg.Pipeline.withDefaults()

	state := NewState(cfg.Window, observer)
	return &Session{
		owner:      owner,
		store:      store,
		state:      state,
		pipeline:   NewPipeline(moderator, store, state, cfg.Pipeline),
		reconciler: NewReconciler(store, state, cfg.Window, cfg.Reconciler...),
		cfg:        cfg,
	}
}

func (s *Session) Owner() *string {
	return s.owner
}

// Activate switches the session to zone. Responses still in flight for the
// previous zone are discarded.
func (s *Session) Activate(ctx context.Context, zone models.Zone) error {
	parsed, err := models.ParseZone(string(zone))
	if err != nil {
		return fmt.Errorf("%w: %q", err, zone)
	}
	return s.reconciler.Activate(ctx, parsed)
}

func (s *Session) Zone() models.Zone {
	return s.state.Zone()
}

func (s *Session) Submit(ctx context.Context, text string) (Result, error) {
	zone := s.state.Zone()
	if zone == "" {
		return Result{}, ErrNoZone
	}
	return s.pipeline.Submit(ctx, text, zone, s.owner)
}

// Report flags a post for moderators. The post stays visible.
func (s *Session) Report(ctx context.Context, id string) error {
	reported := true
	if _, err := s.store.UpdatePost(ctx, id, models.PostPatch{Reported: &reported}); err != nil {
		return storageErr(err)
	}
	s.state.MarkReported(id)
	return nil
}

// SetHidden is the moderator toggle. Hiding drops the post from the window;
// unhiding reloads it so the post reappears in order.
func (s *Session) SetHidden(ctx context.Context, id string, hidden bool) error {
	if _, err := s.store.UpdatePost(ctx, id, models.PostPatch{Hidden: &hidden}); err != nil {
		return storageErr(err)
	}
	if hidden {
		s.state.Remove(id)
		return nil
	}
	return s.reconciler.Reload(ctx)
}

func (s *Session) Seed(ctx context.Context) ([]*models.Post, error) {
	zone := s.state.Zone()
	if zone == "" {
		return nil, ErrNoZone
	}
	posts, err := Seed(ctx, s.store, zone, s.owner, s.cfg.Pipeline)
	for _, p := range posts {
		s.state.Insert(p)
	}
	return posts, err
}

func (s *Session) Reload(ctx context.Context) error {
	return s.reconciler.Reload(ctx)
}

func (s *Session) Snapshot() []*models.Post {
	return s.state.Snapshot()
}

func (s *Session) Points() int {
	return s.state.Points()
}

func (s *Session) SubscriptionState() SubscriptionState {
	return s.reconciler.State()
}

func (s *Session) Close() error {
	return s.reconciler.Close()
}

func storageErr(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStorage, err)
}
