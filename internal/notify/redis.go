package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/rogers-f/signoff/internal/metrics"
)

// ErrQueueFull is returned by RedisPublisher.Dispatch when the buffer is full.
var ErrQueueFull = errors.New("notification queue full")

// ErrPublisherClosed is returned by Dispatch after Close.
var ErrPublisherClosed = errors.New("notification publisher closed")

// RedisOptions tunes a RedisPublisher. Zero values take defaults.
type RedisOptions struct {
	Channel      string
	QueueSize    int
	MaxRetries   uint64
	RetryInitial time.Duration
	DrainTimeout time.Duration
}

// RedisPublisher publishes notifications as JSON on a Redis pub/sub channel.
// Dispatch only enqueues; Run does the network work with exponential backoff.
type RedisPublisher struct {
	client  *redis.Client
	opts    RedisOptions
	queue   chan Notification
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
}

// NewRedisPublisher creates a publisher. m may be nil.
func NewRedisPublisher(client *redis.Client, opts RedisOptions, log zerolog.Logger, m *metrics.Metrics) *RedisPublisher {
	if opts.Channel == "" {
		opts.Channel = "signoff.events"
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = 100 * time.Millisecond
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 2 * time.Second
	}
	return &RedisPublisher{
		client:  client,
		opts:    opts,
		queue:   make(chan Notification, opts.QueueSize),
		log:     log.With().Str("component", "notify.redis").Str("channel", opts.Channel).Logger(),
		metrics: m,
	}
}

// Dispatch enqueues n without blocking.
func (p *RedisPublisher) Dispatch(_ context.Context, n Notification) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}
	select {
	case p.queue <- n:
		return nil
	default:
		p.metrics.NotifyFailed("redis")
		return ErrQueueFull
	}
}

// Run publishes queued notifications until the queue is closed. When ctx is
// cancelled Run closes the publisher and drains what is already queued, each
// send bounded by DrainTimeout. It always returns nil; delivery failures are
// logged.
func (p *RedisPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			p.Close()
			p.drain()
			return nil
		case n, ok := <-p.queue:
			if !ok {
				return nil
			}
			if ctx.Err() != nil {
				p.Close()
				p.deliverBounded(n)
				p.drain()
				return nil
			}
			p.deliver(ctx, n)
		}
	}
}

// Close stops accepting notifications. Anything still queued is published by
// Run before it returns.
func (p *RedisPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
}

// drain must only run after Close.
func (p *RedisPublisher) drain() {
	for n := range p.queue {
		p.deliverBounded(n)
	}
}

func (p *RedisPublisher) deliverBounded(n Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.DrainTimeout)
	defer cancel()
	p.deliver(ctx, n)
}

func (p *RedisPublisher) deliver(ctx context.Context, n Notification) {
	if err := p.publish(ctx, n); err != nil {
		p.metrics.NotifyFailed("redis")
		p.log.Warn().Err(err).
			Str("kind", string(n.Kind)).
			Str("instance_id", n.InstanceID).
			Msg("notification dropped")
	}
}

func (p *RedisPublisher) publish(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("marshal notification: %w", err))
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.RetryInitial
	policy := backoff.WithContext(backoff.WithMaxRetries(b, p.opts.MaxRetries), ctx)

	return backoff.Retry(func() error {
		return p.client.Publish(ctx, p.opts.Channel, payload).Err()
	}, policy)
}
