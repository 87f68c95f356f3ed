package busclient

import (
	"log/slog"
	"time"

	"servicebus/internal/infra/config"
)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets a custom slog.Logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithPromiseTimeout bounds how long a promise subscription waits for its
// event before it is rejected.
func WithPromiseTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.promiseTimeout = d
		}
	}
}

// WithSyncTimeout bounds a RequestSync round trip.
func WithSyncTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.syncTimeout = d
		}
	}
}

// WithConfig applies a client configuration block. Zero values keep the
// defaults.
func WithConfig(cfg config.ClientConfig) Option {
	return func(c *Client) {
		WithPromiseTimeout(cfg.PromiseTimeout)(c)
		WithSyncTimeout(cfg.SyncTimeout)(c)
		WithEventBuffer(cfg.EventBuffer)(c)
	}
}

// WithEventBuffer sets how many events the Events feed and each stream
// listener hold before new ones are dropped.
func WithEventBuffer(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.eventBuffer = n
		}
	}
}
