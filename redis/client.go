// Package redis provides the durable queue backend: a job journal that lets
// pending extraction jobs survive process restarts, and an asynq publisher
// for the downstream synthesis bus.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const healthTimeout = 2 * time.Second

// NewClient connects to Redis from a URL of the form
// redis://[:password@]host:port[/db] and verifies the connection.
func NewClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 5 * time.Second
	opts.WriteTimeout = 5 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

// Ping reports whether the backend answers within the health timeout.
func Ping(ctx context.Context, client redis.UniversalClient) bool {
	pingCtx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	return client.Ping(pingCtx).Err() == nil
}
