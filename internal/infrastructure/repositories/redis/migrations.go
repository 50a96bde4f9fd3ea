package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"streamsight/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const schemaVersionKey = keyPrefix + "schema:version"

// migration upgrades the keyspace by one version. Steps must be safe to run
// again if a previous attempt died before the version was recorded.
type migration struct {
	version     int
	description string
	up          func(ctx context.Context, client redis.UniversalClient) error
}

var migrations = []migration{
	{1, "drop index entries of expired reports", func(ctx context.Context, client redis.UniversalClient) error {
		_, err := pruneIndex(ctx, client)
		return err
	}},
	{2, "backfill missing report summaries", backfillSummaries},
}

// SchemaVersion is the version a fully migrated keyspace reports.
func SchemaVersion() int {
	return migrations[len(migrations)-1].version
}

// Migrate applies every migration newer than the stored schema version.
func Migrate(ctx context.Context, client redis.UniversalClient, logger *zap.SugaredLogger) error {
	current, err := client.Get(ctx, schemaVersionKey).Int()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if logger != nil {
			logger.Infow("Running Redis migration", "version", m.version, "description", m.description)
		}
		if err := m.up(ctx, client); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.description, err)
		}
		if err := client.Set(ctx, schemaVersionKey, m.version, 0).Err(); err != nil {
			return fmt.Errorf("failed to record schema version %d: %w", m.version, err)
		}
		current = m.version
	}
	return nil
}

// backfillSummaries writes the summary hash entry for indexed reports that
// were stored before summaries existed.
func backfillSummaries(ctx context.Context, client redis.UniversalClient) error {
	ids, err := client.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil || len(ids) == 0 {
		return err
	}

	for _, id := range ids {
		ok, err := client.HExists(ctx, summariesKey, id).Result()
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		data, err := client.Get(ctx, reportKey(domain.ReportID(id))).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return err
		}
		var report domain.Report
		if err := json.Unmarshal(data, &report); err != nil {
			return fmt.Errorf("report %s: %w", id, err)
		}
		summary, err := json.Marshal(report.Summary())
		if err != nil {
			return err
		}
		if err := client.HSet(ctx, summariesKey, id, summary).Err(); err != nil {
			return err
		}
	}
	return nil
}
