package repositories

import (
	"context"
	"fmt"
	"time"

	"streamsight/internal/core/ports"
	"streamsight/internal/infrastructure/repositories/memory"
	redisrepo "streamsight/internal/infrastructure/repositories/redis"
	"streamsight/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// RepositoryFactory picks the report store. Redis is used when enabled and
// reachable; otherwise reports live in process memory unless Redis is
// marked required.
type RepositoryFactory struct {
	client    *redis.Client
	reportTTL time.Duration
	logger    *zap.SugaredLogger
}

func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	f := &RepositoryFactory{reportTTL: cfg.Redis.ReportTTL, logger: logger}
	if !cfg.Redis.Enabled {
		logger.Infow("Using report store", "backend", BackendMemory)
		return f, nil
	}

	client, err := redisrepo.NewRedisClient(redisrepo.ClientOptions{
		Address:         cfg.Redis.Address,
		Password:        cfg.Redis.Password,
		DB:              cfg.Redis.DB,
		PoolSize:        cfg.Redis.PoolSize,
		ConnectAttempts: cfg.Redis.ConnectAttempts,
	}, logger)
	switch {
	case err == nil:
		f.client = client
	case cfg.Redis.Required:
		return nil, fmt.Errorf("redis is required: %w", err)
	default:
		logger.Warnw("Redis unavailable, falling back to memory store", "address", cfg.Redis.Address, "error", err)
	}

	logger.Infow("Using report store", "backend", f.Backend())
	return f, nil
}

func (f *RepositoryFactory) CreateReportRepository() ports.ReportRepository {
	if f.client != nil {
		return redisrepo.NewRedisReportRepository(f.client, f.reportTTL)
	}
	return memory.NewMemoryReportRepository()
}

func (f *RepositoryFactory) Backend() string {
	if f.client != nil {
		return BackendRedis
	}
	return BackendMemory
}

// RedisClient returns the shared client. The result is a nil interface when
// Redis is not in use, so callers can compare it against nil directly.
func (f *RepositoryFactory) RedisClient() redis.UniversalClient {
	if f.client == nil {
		return nil
	}
	return f.client
}

func (f *RepositoryFactory) Close() error {
	if f.client != nil {
		return redisrepo.CloseRedisClient(f.client)
	}
	return nil
}

// HealthCheck pings Redis; the memory store is always healthy.
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.client == nil {
		return nil
	}
	return f.client.Ping(ctx).Err()
}
