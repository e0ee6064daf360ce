package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ButyrinIA/yaksafe/internal/models"
	"github.com/ButyrinIA/yaksafe/internal/storage"
	"github.com/google/uuid"
)

type MemoryStorage struct {
	posts  map[string]*models.Post
	broker *storage.Broker
	now    func() time.Time
	mu     sync.RWMutex
}

type Option func(*MemoryStorage)

// WithClock replaces the clock used to stamp new posts.
func WithClock(now func() time.Time) Option {
	return func(s *MemoryStorage) { s.now = now }
}

func New(opts ...Option) *MemoryStorage {
	s := &MemoryStorage{
		posts:  make(map[string]*models.Post),
		broker: storage.NewBroker(storage.DefaultSubscriptionBuffer),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStorage) CreatePost(ctx context.Context, np models.NewPost) (*models.Post, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	post := &models.Post{
		ID:        uuid.New().String(),
		Text:      np.Text,
		Author:    np.Author,
		Points:    np.Points,
		Zone:      np.Zone,
		OwnerID:   np.OwnerID,
		CreatedAt: s.now().UTC(),
	}

	s.mu.Lock()
	s.posts[post.ID] = post
	out := *post
	s.mu.Unlock()

	s.broker.Publish(&out)
	return &out, nil
}

func (s *MemoryStorage) GetPost(ctx context.Context, id string) (*models.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	post, exists := s.posts[id]
	if !exists {
		return nil, storage.ErrNotFound
	}
	out := *post
	return &out, nil
}

func (s *MemoryStorage) GetPosts(ctx context.Context, ids []string) ([]*models.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Post, 0, len(ids))
	for _, id := range ids {
		if post, ok := s.posts[id]; ok {
			cp := *post
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStorage) ListPosts(ctx context.Context, filter models.PostFilter) (*models.PaginatedPosts, error) {
	var after *models.Cursor
	if filter.Cursor != nil {
		c, err := models.ParseCursor(*filter.Cursor)
		if err != nil {
			return nil, err
		}
		after = &c
	}

	s.mu.RLock()
	var posts []*models.Post
	for _, post := range s.posts {
		if filter.Matches(post) {
			cp := *post
			posts = append(posts, &cp)
		}
	}
	s.mu.RUnlock()

	sort.Slice(posts, func(i, j int) bool {
		if posts[i].CreatedAt.Equal(posts[j].CreatedAt) {
			return posts[i].ID > posts[j].ID
		}
		return posts[i].CreatedAt.After(posts[j].CreatedAt)
	})

	totalCount := len(posts)

	startIdx := 0
	if after != nil {
		startIdx = len(posts)
		for i, post := range posts {
			if after.Before(post) {
				startIdx = i
				break
			}
		}
	}

	endIdx := len(posts)
	if filter.Limit > 0 && startIdx+filter.Limit < endIdx {
		endIdx = startIdx + filter.Limit
	}

	result := posts[startIdx:endIdx]
	var nextCursor *string
	if endIdx < len(posts) && endIdx > startIdx {
		cursorVal := models.CursorFor(posts[endIdx-1])
		nextCursor = &cursorVal
	}

	return &models.PaginatedPosts{
		Posts:      result,
		TotalCount: totalCount,
		NextCursor: nextCursor,
	}, nil
}

func (s *MemoryStorage) UpdatePost(ctx context.Context, id string, patch models.PostPatch) (*models.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	post, exists := s.posts[id]
	if !exists {
		return nil, storage.ErrNotFound
	}
	if patch.Hidden != nil {
		post.Hidden = *patch.Hidden
	}
	if patch.Reported != nil {
		post.Reported = *patch.Reported
	}
	out := *post
	return &out, nil
}

func (s *MemoryStorage) SubscribeInserts(ctx context.Context, filter models.PostFilter) (storage.Subscription, error) {
	return s.broker.Subscribe(ctx, filter)
}

// Broker exposes the fan-out hub, mainly so tests can simulate a dropped
// realtime channel.
func (s *MemoryStorage) Broker() *storage.Broker {
	return s.broker
}

// Close drops all data and ends every open subscription.
func (s *MemoryStorage) Close() error {
	s.mu.Lock()
	s.posts = make(map[string]*models.Post)
	s.mu.Unlock()

	s.broker.Close()
	return nil
}
