package redis

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"streamsight/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// newTestClient connects to STREAMSIGHT_TEST_REDIS or skips.
func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("STREAMSIGHT_TEST_REDIS")
	if addr == "" {
		t.Skip("STREAMSIGHT_TEST_REDIS not set")
	}
	client, err := NewRedisClient(ClientOptions{Address: addr, DB: 15, PoolSize: 4}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, client.FlushDB(ctx).Err())
	t.Cleanup(func() {
		_ = client.FlushDB(ctx).Err()
		_ = CloseRedisClient(client)
	})
	return client
}

func TestRedisReportRepositoryRoundTrip(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	repo := NewRedisReportRepository(client, time.Hour)

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	key, _ := domain.NewFlowKey(domain.ProtocolUDP, "10.0.0.1", 5004, "10.0.0.2", 5004)
	report := &domain.Report{
		ID:        "r1",
		Source:    "rtp.pcap",
		CreatedAt: base,
		Flows:     []domain.FlowSummary{{Key: key, Protocol: domain.ProtocolUDP}},
		Metrics:   []domain.DelayMetric{domain.ExactMetric(key, domain.KindUDPJitter, 0.001, 3)},
	}
	require.NoError(t, repo.Save(ctx, report))
	require.NoError(t, repo.Save(ctx, &domain.Report{ID: "r2", CreatedAt: base.Add(time.Second)}))

	got, err := repo.GetByID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "rtp.pcap", got.Source)
	require.Len(t, got.Metrics, 1)
	assert.Equal(t, domain.KindUDPJitter, got.Metrics[0].Kind)

	list, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, domain.ReportID("r2"), list[0].ID)

	require.NoError(t, repo.Delete(ctx, "r1"))
	_, err = repo.GetByID(ctx, "r1")
	assert.ErrorIs(t, err, domain.ErrReportNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, "r1"), domain.ErrReportNotFound)
}

func TestRedisReportRepositoryPrunesExpired(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	repo := NewRedisReportRepository(client, 0)

	require.NoError(t, repo.Save(ctx, &domain.Report{ID: "gone", CreatedAt: time.Now()}))
	require.NoError(t, client.Del(ctx, reportKey("gone")).Err())

	list, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Equal(t, int64(0), client.ZCard(ctx, indexKey).Val())
}

func TestMigrateBackfillsSummaries(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	// a report written without its summary entry, as older versions did
	report := &domain.Report{ID: "legacy", Source: "old.pcap", CreatedAt: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)}
	data, err := json.Marshal(report)
	require.NoError(t, err)
	require.NoError(t, client.Set(ctx, reportKey(report.ID), data, 0).Err())
	require.NoError(t, client.ZAdd(ctx, indexKey, redis.Z{Score: 1, Member: "legacy"}).Err())
	require.NoError(t, client.Set(ctx, schemaVersionKey, 1, 0).Err())

	require.NoError(t, Migrate(ctx, client, zaptest.NewLogger(t).Sugar()))

	version, err := client.Get(ctx, schemaVersionKey).Int()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion(), version)

	summaries, err := NewRedisReportRepository(client, 0).List(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, domain.ReportID("legacy"), summaries[0].ID)
	assert.Equal(t, "old.pcap", summaries[0].Source)
}
