package backup

import (
	"context"
	"strings"
	"testing"
	"time"

	"streamsight/internal/core/domain"
	"streamsight/internal/core/ports"
	"streamsight/internal/infrastructure/repositories/memory"
	"streamsight/pkg/backup"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newService(t *testing.T) (*backup.BackupService, *backup.FileStorage) {
	t.Helper()
	storage, err := backup.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	return backup.NewBackupService(storage, "1"), storage
}

func storedReport(t *testing.T, repo ports.ReportRepository, id string) {
	t.Helper()
	key, _ := domain.NewFlowKey(domain.ProtocolTCP, "10.0.0.1", 50000, "10.0.0.2", 80)
	report := &domain.Report{
		ID:        domain.ReportID(id),
		Source:    "capture.pcap",
		CreatedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Flows:     []domain.FlowSummary{{Key: key}},
		Metrics: []domain.DelayMetric{
			domain.ExactMetric(key, domain.KindTCPRTT, 0.05, 1.5),
		},
		RootCauses: []domain.RootCauseRecord{},
	}
	require.NoError(t, repo.Save(context.Background(), report))
}

// seed writes a minimal versioned backup under the name for at.
func seed(t *testing.T, storage *backup.FileStorage, at time.Time) string {
	t.Helper()
	name := backup.BackupName(at)
	require.NoError(t, storage.Save(context.Background(), name, strings.NewReader(`{"version":"1"}`)))
	return name
}

func TestSnapshotAndRestore(t *testing.T) {
	ctx := context.Background()
	log := zaptest.NewLogger(t).Sugar()
	service, _ := newService(t)

	source := memory.NewMemoryReportRepository()
	storedReport(t, source, "r1")
	storedReport(t, source, "r2")

	scheduler := NewScheduler(service, source, Config{Interval: time.Hour}, log)
	name, err := scheduler.RunOnce(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, name)

	target := memory.NewMemoryReportRepository()
	restorer := NewRestoreService(service, target, log)
	n, err := restorer.RestoreLatest(ctx, RestoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := target.GetByID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "capture.pcap", got.Source)
	require.Len(t, got.Metrics, 1)
	assert.Equal(t, 0.05, got.Metrics[0].Value)
	assert.Equal(t, domain.ConfidenceExact, got.Metrics[0].Confidence)
}

func TestRestoreSkipsExistingUnlessOverwriting(t *testing.T) {
	ctx := context.Background()
	log := zaptest.NewLogger(t).Sugar()
	service, _ := newService(t)

	repo := memory.NewMemoryReportRepository()
	storedReport(t, repo, "r1")
	_, err := NewScheduler(service, repo, Config{Interval: time.Hour}, log).RunOnce(ctx)
	require.NoError(t, err)

	restorer := NewRestoreService(service, repo, log)
	n, err := restorer.RestoreLatest(ctx, RestoreOptions{})
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = restorer.RestoreLatest(ctx, RestoreOptions{OverwriteExisting: true})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRestoreWithoutBackups(t *testing.T) {
	service, _ := newService(t)
	restorer := NewRestoreService(service, memory.NewMemoryReportRepository(), zaptest.NewLogger(t).Sugar())

	n, err := restorer.RestoreLatest(context.Background(), RestoreOptions{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRetentionByAge(t *testing.T) {
	ctx := context.Background()
	service, storage := newService(t)
	old := seed(t, storage, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))

	scheduler := NewScheduler(service, memory.NewMemoryReportRepository(),
		Config{Interval: time.Hour, Retention: 24 * time.Hour}, zaptest.NewLogger(t).Sugar())
	name, err := scheduler.RunOnce(ctx)
	require.NoError(t, err)

	names, err := service.ListBackups(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{name}, names)
	assert.NotContains(t, names, old)
}

func TestRetentionByCount(t *testing.T) {
	ctx := context.Background()
	service, storage := newService(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	seed(t, storage, base)
	second := seed(t, storage, base.Add(time.Hour))
	third := seed(t, storage, base.Add(2*time.Hour))

	scheduler := NewScheduler(service, memory.NewMemoryReportRepository(),
		Config{Interval: time.Hour, MaxBackups: 3}, zaptest.NewLogger(t).Sugar())
	name, err := scheduler.RunOnce(ctx)
	require.NoError(t, err)

	names, err := service.ListBackups(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{second, third, name}, names)
}

type fakeLock struct {
	free     bool
	unlocked int
}

func (l *fakeLock) TryLock(context.Context) (bool, error) { return l.free, nil }
func (l *fakeLock) Unlock(context.Context) error {
	l.unlocked++
	return nil
}

func TestSchedulerHonoursLock(t *testing.T) {
	ctx := context.Background()
	service, _ := newService(t)
	lock := &fakeLock{}
	scheduler := NewScheduler(service, memory.NewMemoryReportRepository(),
		Config{Interval: time.Hour, Lock: lock}, zaptest.NewLogger(t).Sugar())

	name, err := scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, name)
	names, err := service.ListBackups(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	lock.free = true
	name, err = scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, name)
	assert.Equal(t, 1, lock.unlocked)
}

func TestSchedulerStop(t *testing.T) {
	service, _ := newService(t)
	scheduler := NewScheduler(service, memory.NewMemoryReportRepository(),
		Config{Interval: time.Hour}, zaptest.NewLogger(t).Sugar())

	done := make(chan struct{})
	go func() {
		scheduler.Start(context.Background())
		close(done)
	}()
	scheduler.Stop()
	scheduler.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
