// Package broker wraps the Valkey/Redis pub-sub connection used to route
// envelopes between the routing tier and session gateways.
package broker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	publishAttempts = 4
	publishBaseWait = 100 * time.Millisecond
)

// Subscription is a live upstream subscription; Close unsubscribes.
type Subscription interface {
	Close() error
}

// Client is a pub-sub client with an explicit connect/close lifecycle.
// Construct one per process and inject it; there is no package-level
// singleton.
type Client struct {
	rdb *redis.Client
}

// New connects to the broker at the given URL and verifies the
// connection with a ping.
func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// Publish sends a payload to a channel, retrying transient failures with
// backoff. Failures are logged and returned, never fatal to the process.
func (c *Client) Publish(ctx context.Context, channel, payload string) error {
	var err error
	for attempt := 0; attempt < publishAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(publishBaseWait << (attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = c.rdb.Publish(ctx, channel, payload).Err(); err == nil {
			return nil
		}
		log.Printf("WARN: publish to %s failed (attempt %d): %v", channel, attempt+1, err)
	}
	return fmt.Errorf("publish to %s: %w", channel, err)
}

// Subscribe attaches a handler to a channel. The handler is invoked from
// a dedicated goroutine until the subscription is closed; go-redis
// re-establishes the underlying subscription after transient connection
// loss.
func (c *Client) Subscribe(ctx context.Context, channel string, handler func(payload string)) (Subscription, error) {
	ps := c.rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	go func() {
		for msg := range ps.Channel() {
			handler(msg.Payload)
		}
	}()

	return &subscription{ps: ps, channel: channel}, nil
}

// Close releases the broker connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

type subscription struct {
	ps      *redis.PubSub
	channel string
}

func (s *subscription) Close() error {
	if err := s.ps.Close(); err != nil {
		return fmt.Errorf("unsubscribe from %s: %w", s.channel, err)
	}
	return nil
}
