// Package notify carries list invalidation notices between processes sharing
// one backend. Notices travel over Redis Pub/Sub, so delivery is at most once;
// a missed notice only delays a refresh until the next explicit load.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"invent/internal/domain"
)

// Notice announces that the list of one kind in one portfolio changed.
type Notice struct {
	Kind        domain.Kind `json:"kind"`
	PortfolioID string      `json:"portfolio_id"`
	// Origin identifies the publishing process so it can ignore its own
	// notices.
	Origin string `json:"origin"`
}

// Channel returns the Pub/Sub channel for an instance.
func Channel(instance string) string {
	return fmt.Sprintf("invent:%s:list_invalidated", instance)
}

// Bus publishes and subscribes to notices of one instance.
type Bus struct {
	rdb      *redis.Client
	instance string
}

func NewBus(opts *redis.Options, instance string) (*Bus, error) {
	if instance == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}
	return &Bus{rdb: redis.NewClient(opts), instance: instance}, nil
}

func (b *Bus) Close() error { return b.rdb.Close() }

func (b *Bus) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

func (b *Bus) Publish(ctx context.Context, n Notice) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}
	if err := b.rdb.Publish(ctx, Channel(b.instance), data).Err(); err != nil {
		return fmt.Errorf("publish notice: %w", err)
	}
	return nil
}

// Subscription delivers notices until closed or its context ends.
type Subscription struct {
	notices <-chan Notice
	errors  <-chan error
	cancel  func()
	once    sync.Once
}

func (s *Subscription) Notices() <-chan Notice { return s.notices }

// Errors reports undecodable messages; the subscription keeps running.
func (s *Subscription) Errors() <-chan error { return s.errors }

// Close is safe to call more than once.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so notices
// published after it returns are not missed.
func (b *Bus) Subscribe(ctx context.Context) (*Subscription, error) {
	pubsub := b.rdb.Subscribe(ctx, Channel(b.instance))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", Channel(b.instance), err)
	}

	notices := make(chan Notice, 16)
	errs := make(chan error, 16)
	subCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(notices)
		defer close(errs)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var n Notice
				if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
					select {
					case errs <- fmt.Errorf("decode notice: %w", err):
					case <-subCtx.Done():
						return
					default:
					}
					continue
				}
				select {
				case notices <- n:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{notices: notices, errors: errs, cancel: cancel}, nil
}

// Follow calls fn for every notice until ctx ends or the subscription closes.
// Decode errors are passed to onErr when it is non-nil.
func Follow(ctx context.Context, sub *Subscription, fn func(context.Context, Notice), onErr func(error)) {
	notices, errs := sub.Notices(), sub.Errors()
	for notices != nil || errs != nil {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notices:
			if !ok {
				notices = nil
				continue
			}
			fn(ctx, n)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if onErr != nil {
				onErr(err)
			}
		}
	}
}
