package postgres

import (
	"context"
	"time"

	"github.com/ButyrinIA/yaksafe/internal/models"
	"github.com/graph-gophers/dataloader/v7"
)

const (
	listenRetryMin = 500 * time.Millisecond
	listenRetryMax = 30 * time.Second
)

// listen holds a dedicated connection on LISTEN post_inserts until ctx is
// done, reconnecting with capped backoff. Whenever the connection drops,
// open subscriptions are failed so consumers resynchronise.
func (s *PostgresStorage) listen(ctx context.Context) {
	wait := listenRetryMin
	for {
		started := time.Now()
		err := s.listenOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) > listenRetryMax {
			wait = listenRetryMin
		}
		s.logger.Warn("insert listener dropped", "err", err, "retry_in", wait)
		s.broker.Fail(err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		wait *= 2
		if wait > listenRetryMax {
			wait = listenRetryMax
		}
	}
}

func (s *PostgresStorage) listenOnce(ctx context.Context) error {
	pc, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn := pc.Hijack()
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+insertChannel); err != nil {
		return err
	}
	s.logger.Info("listening for inserts", "channel", insertChannel)

	// Thunks are resolved in notification order by a single publisher so
	// that subscribers observe inserts in commit order, while the loader
	// batches ids that arrive close together.
	pending := make(chan dataloader.Thunk[*models.Post], 256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for thunk := range pending {
			post, err := thunk()
			if err != nil {
				s.logger.Warn("failed to load inserted post", "err", err)
				continue
			}
			s.broker.Publish(post)
		}
	}()
	defer func() {
		close(pending)
		<-done
	}()

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		if n.Channel != insertChannel || n.Payload == "" {
			continue
		}
		select {
		case pending <- s.loader.Load(ctx, n.Payload):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
