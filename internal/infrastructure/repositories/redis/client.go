package redis

import (
	"context"
	"fmt"
	"time"

	"streamsight/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ClientOptions is the subset of connection settings the report store exposes.
type ClientOptions struct {
	Address  string
	Password string
	DB       int
	PoolSize int
	// ConnectAttempts retries the initial ping; 0 means a single attempt.
	ConnectAttempts int
}

// NewRedisClient connects, waiting out a briefly unavailable server, and
// brings the key schema up to date.
func NewRedisClient(opts ClientOptions, logger *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Address,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	connect := retry.DefaultConfig()
	connect.Enabled = opts.ConnectAttempts > 0
	connect.MaxAttempts = opts.ConnectAttempts
	connect.InitialDelay = 250 * time.Millisecond
	if logger != nil {
		connect.OnRetry = func(attempt int, err error, wait time.Duration) {
			logger.Warnw("Redis not reachable, retrying",
				"address", opts.Address,
				"attempt", attempt,
				"wait", wait,
				"error", err,
			)
		}
	}
	err := retry.Retry(ctx, connect, func() error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Address, err)
	}

	if err := Migrate(ctx, client, logger); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if logger != nil {
		logger.Infow("Connected to Redis",
			"address", opts.Address,
			"db", opts.DB,
			"pool_size", opts.PoolSize,
		)
	}
	return client, nil
}

// CloseRedisClient closes client; nil is a no-op.
func CloseRedisClient(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
