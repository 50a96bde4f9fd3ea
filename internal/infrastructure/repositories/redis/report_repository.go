package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"streamsight/internal/core/domain"
	"streamsight/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix    = "streamsight:"
	reportPrefix = keyPrefix + "report:"
	// indexKey is a sorted set of report ids scored by creation time.
	indexKey = keyPrefix + "reports"
	// summariesKey is a hash of report id to ReportSummary JSON.
	summariesKey = keyPrefix + "report:summaries"
)

type RedisReportRepository struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisReportRepository stores reports as JSON documents expiring after
// ttl; zero keeps them forever.
func NewRedisReportRepository(client redis.UniversalClient, ttl time.Duration) ports.ReportRepository {
	return &RedisReportRepository{
		client: client,
		ttl:    ttl,
	}
}

func reportKey(id domain.ReportID) string {
	return reportPrefix + string(id)
}

func (r *RedisReportRepository) Save(ctx context.Context, report *domain.Report) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	summary, err := json.Marshal(report.Summary())
	if err != nil {
		return fmt.Errorf("failed to marshal report summary: %w", err)
	}

	id := string(report.ID)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, reportKey(report.ID), data, r.ttl)
		pipe.ZAdd(ctx, indexKey, redis.Z{Score: float64(report.CreatedAt.UnixNano()), Member: id})
		pipe.HSet(ctx, summariesKey, id, summary)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save report in Redis: %w", err)
	}

	return nil
}

func (r *RedisReportRepository) GetByID(ctx context.Context, id domain.ReportID) (*domain.Report, error) {
	data, err := r.client.Get(ctx, reportKey(id)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrReportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report from Redis: %w", err)
	}

	var report domain.Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to unmarshal report: %w", err)
	}

	return &report, nil
}

// List returns summaries newest first, dropping reports that expired.
func (r *RedisReportRepository) List(ctx context.Context) ([]domain.ReportSummary, error) {
	if _, err := pruneIndex(ctx, r.client); err != nil {
		return nil, fmt.Errorf("failed to prune report index: %w", err)
	}

	ids, err := r.client.ZRevRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list reports from Redis: %w", err)
	}
	if len(ids) == 0 {
		return []domain.ReportSummary{}, nil
	}

	raw, err := r.client.HMGet(ctx, summariesKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get report summaries from Redis: %w", err)
	}

	summaries := make([]domain.ReportSummary, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var summary domain.ReportSummary
		if err := json.Unmarshal([]byte(s), &summary); err != nil {
			continue
		}
		summaries = append(summaries, summary)
	}

	return summaries, nil
}

func (r *RedisReportRepository) Delete(ctx context.Context, id domain.ReportID) error {
	var del *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, reportKey(id))
		pipe.ZRem(ctx, indexKey, string(id))
		pipe.HDel(ctx, summariesKey, string(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete report from Redis: %w", err)
	}
	if del.Val() == 0 {
		return domain.ErrReportNotFound
	}

	return nil
}

// pruneIndex removes index and summary entries whose report key is gone.
func pruneIndex(ctx context.Context, client redis.UniversalClient) (int, error) {
	ids, err := client.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil || len(ids) == 0 {
		return 0, err
	}

	pipe := client.Pipeline()
	exists := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		exists[i] = pipe.Exists(ctx, reportKey(domain.ReportID(id)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}

	var stale []interface{}
	var staleFields []string
	for i, cmd := range exists {
		if cmd.Val() == 0 {
			stale = append(stale, ids[i])
			staleFields = append(staleFields, ids[i])
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	_, err = client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, indexKey, stale...)
		pipe.HDel(ctx, summariesKey, staleFields...)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(stale), nil
}
