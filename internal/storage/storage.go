package storage

import (
	"context"
	"errors"

	"github.com/ButyrinIA/yaksafe/internal/models"
)

var (
	ErrNotFound = errors.New("post not found")
	// ErrSubscriptionLost ends a subscription the consumer did not close.
	ErrSubscriptionLost = errors.New("subscription lost")
	ErrClosed           = errors.New("storage closed")
)

type Storage interface {
	// CreatePost persists p and returns the stored record with its
	// identifier and creation time assigned.
	CreatePost(ctx context.Context, p models.NewPost) (*models.Post, error)
	GetPost(ctx context.Context, id string) (*models.Post, error)
	// GetPosts returns the posts with the given ids, in no particular
	// order. Unknown ids are skipped.
	GetPosts(ctx context.Context, ids []string) ([]*models.Post, error)
	ListPosts(ctx context.Context, filter models.PostFilter) (*models.PaginatedPosts, error)
	UpdatePost(ctx context.Context, id string, patch models.PostPatch) (*models.Post, error)
	// SubscribeInserts streams posts created after the call that match
	// filter. The subscription ends when ctx is done or Close is called.
	SubscribeInserts(ctx context.Context, filter models.PostFilter) (Subscription, error)
	Close() error
}

type Subscription interface {
	// Posts is closed when the subscription ends.
	Posts() <-chan *models.Post
	// Err reports why Posts was closed. It is nil after Close or context
	// cancellation and ErrSubscriptionLost-wrapped otherwise.
	Err() error
	Close() error
}
