package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/ButyrinIA/yaksafe/internal/models"
)

const DefaultSubscriptionBuffer = 64

// Broker fans inserted posts out to every matching subscription. A
// subscriber that falls a full buffer behind is dropped with
// ErrSubscriptionLost rather than blocking the publisher.
type Broker struct {
	mu     sync.Mutex
	subs   map[uint64]*brokerSub
	next   uint64
	buffer int
	closed bool
}

type brokerSub struct {
	broker *Broker
	id     uint64
	filter models.PostFilter
	ch     chan *models.Post
	done   chan struct{}
	err    error
}

func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = DefaultSubscriptionBuffer
	}
	return &Broker{subs: make(map[uint64]*brokerSub), buffer: buffer}
}

func (b *Broker) Subscribe(ctx context.Context, filter models.PostFilter) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.next++
	s := &brokerSub{
		broker: b,
		id:     b.next,
		filter: filter,
		ch:     make(chan *models.Post, b.buffer),
		done:   make(chan struct{}),
	}
	b.subs[s.id] = s
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			b.end(s, nil)
		case <-s.done:
		}
	}()

	return s, nil
}

// Publish delivers p to every subscription whose filter matches.
func (b *Broker) Publish(p *models.Post) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.subs {
		if !s.filter.Matches(p) {
			continue
		}
		cp := *p
		select {
		case s.ch <- &cp:
		default:
			b.endLocked(s, fmt.Errorf("%w: subscriber fell behind", ErrSubscriptionLost))
		}
	}
}

// Fail ends every subscription with err wrapped in ErrSubscriptionLost.
func (b *Broker) Fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.subs {
		b.endLocked(s, fmt.Errorf("%w: %w", ErrSubscriptionLost, err))
	}
}

// Len is the number of live subscriptions.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, s := range b.subs {
		b.endLocked(s, fmt.Errorf("%w: %w", ErrSubscriptionLost, ErrClosed))
	}
}

func (b *Broker) end(s *brokerSub, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.endLocked(s, err)
}

func (b *Broker) endLocked(s *brokerSub, err error) {
	if _, ok := b.subs[s.id]; !ok {
		return
	}
	delete(b.subs, s.id)
	s.err = err
	close(s.ch)
	close(s.done)
}

func (s *brokerSub) Posts() <-chan *models.Post {
	return s.ch
}

func (s *brokerSub) Err() error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	return s.err
}

func (s *brokerSub) Close() error {
	s.broker.end(s, nil)
	return nil
}
