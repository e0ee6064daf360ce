package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ButyrinIA/yaksafe/internal/models"
	"github.com/ButyrinIA/yaksafe/internal/storage"
	"github.com/google/uuid"
	"github.com/graph-gophers/dataloader/v7"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const insertChannel = "post_inserts"

const schema = `
	CREATE TABLE IF NOT EXISTS posts (
		id TEXT PRIMARY KEY,
		text TEXT NOT NULL,
		author TEXT NOT NULL,
		points INTEGER NOT NULL DEFAULT 0,
		zone TEXT NOT NULL,
		hidden BOOLEAN NOT NULL DEFAULT FALSE,
		reported BOOLEAN NOT NULL DEFAULT FALSE,
		user_id TEXT,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_posts_zone_created_at ON posts(zone, created_at DESC);

	CREATE OR REPLACE FUNCTION notify_post_insert() RETURNS trigger AS $$
	BEGIN
		PERFORM pg_notify('post_inserts', NEW.id);
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql;

	DROP TRIGGER IF EXISTS posts_notify_insert ON posts;
	CREATE TRIGGER posts_notify_insert AFTER INSERT ON posts
		FOR EACH ROW EXECUTE FUNCTION notify_post_insert();
`

const postColumns = `id, text, author, points, zone, hidden, reported, user_id, created_at`

type PostgresStorage struct {
	pool   *pgxpool.Pool
	broker *storage.Broker
	loader *dataloader.Loader[string, *models.Post]
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New connects to dsn, applies the schema and starts the LISTEN loop that
// feeds insert subscriptions.
func New(ctx context.Context, dsn string) (*PostgresStorage, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	s := &PostgresStorage{
		pool:   pool,
		broker: storage.NewBroker(storage.DefaultSubscriptionBuffer),
		logger: slog.Default().With("component", "postgres"),
	}
	s.loader = dataloader.NewBatchedLoader(s.batchLoadPosts,
		dataloader.WithWait[string, *models.Post](2*time.Millisecond),
		dataloader.WithCache[string, *models.Post](&dataloader.NoCache[string, *models.Post]{}),
	)

	lctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.listen(lctx)
	}()

	return s, nil
}

func (s *PostgresStorage) CreatePost(ctx context.Context, np models.NewPost) (*models.Post, error) {
	p := &models.Post{
		ID:        uuid.New().String(),
		Text:      np.Text,
		Author:    np.Author,
		Points:    np.Points,
		Zone:      np.Zone,
		OwnerID:   np.OwnerID,
		CreatedAt: time.Now().UTC(),
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO posts (id, text, author, points, zone, user_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING hidden, reported, created_at`,
		p.ID, p.Text, p.Author, p.Points, string(p.Zone), p.OwnerID, p.CreatedAt,
	).Scan(&p.Hidden, &p.Reported, &p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert post: %w", err)
	}
	return p, nil
}

func (s *PostgresStorage) GetPost(ctx context.Context, id string) (*models.Post, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+postColumns+` FROM posts WHERE id=$1`, id)
	p, err := scanPost(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return p, err
}

func (s *PostgresStorage) GetPosts(ctx context.Context, ids []string) ([]*models.Post, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+postColumns+` FROM posts WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []*models.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

func (s *PostgresStorage) ListPosts(ctx context.Context, filter models.PostFilter) (*models.PaginatedPosts, error) {
	var (
		beforeTime *time.Time
		beforeID   string
	)
	if filter.Cursor != nil {
		c, err := models.ParseCursor(*filter.Cursor)
		if err != nil {
			return nil, err
		}
		beforeTime, beforeID = &c.CreatedAt, c.ID
	}

	var totalCount int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM posts
		WHERE ($1::TEXT = '' OR zone = $1) AND ($2 OR NOT hidden)`,
		string(filter.Zone), filter.IncludeHidden,
	).Scan(&totalCount)
	if err != nil {
		return nil, err
	}

	var limit *int
	if filter.Limit > 0 {
		n := filter.Limit + 1
		limit = &n
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+postColumns+`
		FROM posts
		WHERE ($1::TEXT = '' OR zone = $1)
		AND ($2 OR NOT hidden)
		AND ($3::TIMESTAMPTZ IS NULL OR (created_at, id) < ($3, $4::TEXT))
		ORDER BY created_at DESC, id DESC
		LIMIT $5`,
		string(filter.Zone), filter.IncludeHidden, beforeTime, beforeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []*models.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var nextCursor *string
	if filter.Limit > 0 && len(posts) > filter.Limit {
		posts = posts[:filter.Limit]
		c := models.CursorFor(posts[filter.Limit-1])
		nextCursor = &c
	}

	return &models.PaginatedPosts{
		Posts:      posts,
		TotalCount: totalCount,
		NextCursor: nextCursor,
	}, nil
}

func (s *PostgresStorage) UpdatePost(ctx context.Context, id string, patch models.PostPatch) (*models.Post, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE posts
		SET hidden = COALESCE($2, hidden), reported = COALESCE($3, reported)
		WHERE id = $1
		RETURNING `+postColumns,
		id, patch.Hidden, patch.Reported)
	p, err := scanPost(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return p, err
}

func (s *PostgresStorage) SubscribeInserts(ctx context.Context, filter models.PostFilter) (storage.Subscription, error) {
	return s.broker.Subscribe(ctx, filter)
}

func (s *PostgresStorage) Close() error {
	s.cancel()
	s.wg.Wait()
	s.broker.Close()
	s.pool.Close()
	return nil
}

// batchLoadPosts resolves ids from insert notifications in one query.
func (s *PostgresStorage) batchLoadPosts(ctx context.Context, ids []string) []*dataloader.Result[*models.Post] {
	results := make([]*dataloader.Result[*models.Post], len(ids))

	posts, err := s.GetPosts(ctx, ids)
	if err != nil {
		for i := range results {
			results[i] = &dataloader.Result[*models.Post]{Error: err}
		}
		return results
	}

	byID := make(map[string]*models.Post, len(posts))
	for _, p := range posts {
		byID[p.ID] = p
	}
	for i, id := range ids {
		if p, ok := byID[id]; ok {
			results[i] = &dataloader.Result[*models.Post]{Data: p}
		} else {
			results[i] = &dataloader.Result[*models.Post]{Error: storage.ErrNotFound}
		}
	}
	return results
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (*models.Post, error) {
	var p models.Post
	var zone string
	if err := row.Scan(&p.ID, &p.Text, &p.Author, &p.Points, &zone, &p.Hidden, &p.Reported, &p.OwnerID, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Zone = models.Zone(zone)
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}
