package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ButyrinIA/yaksafe/internal/models"
	"github.com/ButyrinIA/yaksafe/internal/storage"
)

var (
	// ErrSuperseded is returned by an activation that lost to a later zone
	// switch or to Close. Nothing it loaded was applied.
	ErrSuperseded = errors.New("zone activation superseded")
	ErrClosed     = errors.New("session closed")
)

type SubscriptionState int

const (
	Unsubscribed SubscriptionState = iota
	Subscribing
	Active
)

func (s SubscriptionState) String() string {
	switch s {
	case Unsubscribed:
		return "unsubscribed"
	case Subscribing:
		return "subscribing"
	case Active:
		return "active"
	default:
		return fmt.Sprintf("SubscriptionState(%d)", int(s))
	}
}

// Source is the part of the storage collaborator the reconciler reads from.
type Source interface {
	ListPosts(ctx context.Context, filter models.PostFilter) (*models.PaginatedPosts, error)
	SubscribeInserts(ctx context.Context, filter models.PostFilter) (storage.Subscription, error)
}

// TransitionFunc observes subscription state changes.
type TransitionFunc func(from, to SubscriptionState)

// Reconciler keeps a State in step with storage for the active zone: a bulk
// reload on activation plus a realtime insert subscription. It owns the
// subscription handle and never lets it outlive its zone.
type Reconciler struct {
	source       Source
	state        *State
	window       int
	resyncPolicy func(attempt int) time.Duration
	onTransition TransitionFunc
	logger       *slog.Logger

	mu       sync.Mutex
	subState SubscriptionState
	sub      storage.Subscription
	cancel   context.CancelFunc
	closed   bool
	wg       sync.WaitGroup
}

type ReconcilerOption func(*Reconciler)

// WithResyncBackoff sets the wait before resubscribe attempt n after the
// realtime channel is lost.
func WithResyncBackoff(f func(attempt int) time.Duration) ReconcilerOption {
	return func(r *Reconciler) { r.resyncPolicy = f }
}

func WithTransitionHook(f TransitionFunc) ReconcilerOption {
	return func(r *Reconciler) { r.onTransition = f }
}

func WithReconcilerLogger(logger *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) { r.logger = logger }
}

func NewReconciler(source Source, state *State, window int, opts ...ReconcilerOption) *Reconciler {
	if window <= 0 {
		window = DefaultWindow
	}
	r := &Reconciler{
		source: source,
		state:  state,
		window: window,
		resyncPolicy: func(attempt int) time.Duration {
			return 250 * time.Millisecond << min(attempt, 7)
		},
		logger: slog.Default().With("component", "reconciler"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reconciler) State() SubscriptionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subState
}

// Activate tears down the current zone's subscription, switches the state
// to zone, subscribes to its inserts and bulk loads its window. ctx bounds
// the setup calls only; the subscription lives until the next Activate or
// Close.
func (r *Reconciler) Activate(ctx context.Context, zone models.Zone) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.teardownLocked()
	ticket := r.state.Activate(zone)
	zctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.transitionLocked(Subscribing)
	r.mu.Unlock()

	setupCtx, stop := context.WithCancel(ctx)
	defer stop()
	unregister := context.AfterFunc(zctx, stop)
	defer unregister()

	err := r.establish(setupCtx, zctx, ticket)
	if err != nil && !errors.Is(err, ErrSuperseded) {
		r.retryLater(zctx, ticket)
	}
	return err
}

// Reload re-queries the active zone and replaces the window. A response
// that arrives after a zone switch is dropped.
func (r *Reconciler) Reload(ctx context.Context) error {
	ticket := r.state.Ticket()
	if ticket.Zone == "" {
		return nil
	}
	page, err := r.source.ListPosts(ctx, r.filter(ticket.Zone))
	if err != nil {
		return fmt.Errorf("%w: reload %s: %v", ErrStorage, ticket.Zone, err)
	}
	r.state.Reload(ticket, page.Posts)
	return nil
}

// Close unsubscribes and waits for the event pump to stop.
func (r *Reconciler) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.teardownLocked()
	r.mu.Unlock()

	r.wg.Wait()
	return nil
}

func (r *Reconciler) filter(zone models.Zone) models.PostFilter {
	return models.PostFilter{Zone: zone, Limit: r.window}
}

// establish subscribes first and loads second, so that no insert committed
// between the two is missed. Callers must have moved to Subscribing.
func (r *Reconciler) establish(setupCtx, zctx context.Context, ticket Ticket) error {
	sub, err := r.source.SubscribeInserts(zctx, models.PostFilter{Zone: ticket.Zone})
	if err != nil {
		r.mu.Lock()
		if r.isCurrentLocked(zctx, ticket) {
			r.transitionLocked(Unsubscribed)
		}
		r.mu.Unlock()
		return fmt.Errorf("%w: subscribe %s: %v", ErrStorage, ticket.Zone, err)
	}

	page, loadErr := r.source.ListPosts(setupCtx, r.filter(ticket.Zone))

	r.mu.Lock()
	if !r.isCurrentLocked(zctx, ticket) {
		r.mu.Unlock()
		sub.Close()
		r.logger.Debug("dropping stale activation", "zone", ticket.Zone)
		return ErrSuperseded
	}
	if loadErr != nil {
		r.transitionLocked(Unsubscribed)
		r.mu.Unlock()
		sub.Close()
		return fmt.Errorf("%w: reload %s: %v", ErrStorage, ticket.Zone, loadErr)
	}
	r.sub = sub
	r.transitionLocked(Active)
	r.wg.Add(1)
	go r.pump(zctx, ticket, sub)
	r.mu.Unlock()

	r.state.Reload(ticket, page.Posts)
	return nil
}

func (r *Reconciler) pump(zctx context.Context, ticket Ticket, sub storage.Subscription) {
	defer r.wg.Done()

	for p := range sub.Posts() {
		if r.state.InsertFor(ticket, p) {
			realtimeInserts.WithLabelValues("applied").Inc()
		} else {
			realtimeInserts.WithLabelValues("ignored").Inc()
		}
	}

	if zctx.Err() != nil || sub.Err() == nil {
		return
	}

	r.mu.Lock()
	if r.sub != sub {
		r.mu.Unlock()
		return
	}
	r.sub = nil
	r.transitionLocked(Unsubscribed)
	r.mu.Unlock()
	sub.Close()

	r.logger.Warn("realtime channel lost, resynchronising", "zone", ticket.Zone, "err", sub.Err())
	realtimeResyncs.Inc()
	r.resync(zctx, ticket)
}

// retryLater hands a failed activation to resync, so a zone that could not
// be set up heals the same way as one whose channel was lost.
func (r *Reconciler) retryLater(zctx context.Context, ticket Ticket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.isCurrentLocked(zctx, ticket) {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		select {
		case <-zctx.Done():
			return
		case <-time.After(r.resyncPolicy(0)):
		}
		realtimeResyncs.Inc()
		r.resync(zctx, ticket)
	}()
}

// resync re-establishes the subscription and reloads the window until it
// succeeds or the zone is superseded.
func (r *Reconciler) resync(zctx context.Context, ticket Ticket) {
	for attempt := 0; ; attempt++ {
		r.mu.Lock()
		if !r.isCurrentLocked(zctx, ticket) {
			r.mu.Unlock()
			return
		}
		r.transitionLocked(Subscribing)
		r.mu.Unlock()

		err := r.establish(zctx, zctx, ticket)
		if err == nil || errors.Is(err, ErrSuperseded) {
			return
		}
		wait := r.resyncPolicy(attempt)
		r.logger.Warn("resync failed", "zone", ticket.Zone, "attempt", attempt+1, "err", err, "retry_in", wait)

		select {
		case <-zctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (r *Reconciler) isCurrentLocked(zctx context.Context, ticket Ticket) bool {
	return !r.closed && zctx.Err() == nil && r.state.IsCurrent(ticket)
}

// teardownLocked moves to Unsubscribed, closing the live subscription if
// there is one and cancelling any setup in flight.
func (r *Reconciler) teardownLocked() {
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	if r.sub != nil {
		r.sub.Close()
		r.sub = nil
	}
	if r.subState != Unsubscribed {
		r.transitionLocked(Unsubscribed)
	}
}

func (r *Reconciler) transitionLocked(to SubscriptionState) {
	from := r.subState
	if from == to {
		return
	}
	r.subState = to
	if r.onTransition != nil {
		r.onTransition(from, to)
	}
}
