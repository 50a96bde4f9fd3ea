package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"streamsight/internal/core/domain"
	"streamsight/internal/core/ports"
	"streamsight/pkg/backup"

	"go.uber.org/zap"
)

// Scheduler periodically snapshots every stored report.
type Scheduler struct {
	backupService *backup.BackupService
	reportRepo    ports.ReportRepository
	interval      time.Duration
	retention     time.Duration
	maxBackups    int
	lock          Locker
	logger        *zap.SugaredLogger
	now           func() time.Time

	stopOnce sync.Once
	stopChan chan struct{}
}

// Locker serializes snapshots between instances sharing one store.
type Locker interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

// Config contains scheduler configuration. Zero Retention or MaxBackups
// disables that limit. Lock may be nil.
type Config struct {
	Interval   time.Duration
	Retention  time.Duration
	MaxBackups int
	Lock       Locker
}

func NewScheduler(backupService *backup.BackupService, reportRepo ports.ReportRepository, cfg Config, logger *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		backupService: backupService,
		reportRepo:    reportRepo,
		interval:      cfg.Interval,
		retention:     cfg.Retention,
		maxBackups:    cfg.MaxBackups,
		lock:          cfg.Lock,
		logger:        logger,
		now:           time.Now,
		stopChan:      make(chan struct{}),
	}
}

// Start blocks, taking a snapshot every interval until Stop or ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runBackup(ctx)
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

func (s *Scheduler) runBackup(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Errorw("Scheduled backup failed", "error", err)
	}
}

// RunOnce writes one snapshot and applies retention. Retention failures are
// logged, not returned. It returns "" without error when another instance
// holds the lock.
func (s *Scheduler) RunOnce(ctx context.Context) (string, error) {
	if s.lock != nil {
		held, err := s.lock.TryLock(ctx)
		if err != nil {
			return "", err
		}
		if !held {
			s.logger.Debugw("Backup skipped, lock held elsewhere")
			return "", nil
		}
		defer func() {
			if err := s.lock.Unlock(ctx); err != nil {
				s.logger.Warnw("Failed to release backup lock", "error", err)
			}
		}()
	}

	data, err := s.collectData(ctx)
	if err != nil {
		return "", err
	}

	name, err := s.backupService.CreateBackup(ctx, data)
	if err != nil {
		return "", err
	}
	s.logger.Infow("Backup created", "backup_name", name, "reports", len(data.Reports))

	if err := s.cleanupOldBackups(ctx); err != nil {
		s.logger.Warnw("Failed to clean up old backups", "error", err)
	}
	return name, nil
}

func (s *Scheduler) collectData(ctx context.Context) (*backup.BackupData, error) {
	summaries, err := s.reportRepo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}

	data := &backup.BackupData{
		Reports:  make(map[string]json.RawMessage, len(summaries)),
		Metadata: make(map[string]interface{}),
	}
	for _, summary := range summaries {
		report, err := s.reportRepo.GetByID(ctx, summary.ID)
		if errors.Is(err, domain.ErrReportNotFound) {
			// deleted between List and GetByID
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load report %s: %w", summary.ID, err)
		}
		raw, err := json.Marshal(report)
		if err != nil {
			return nil, fmt.Errorf("failed to encode report %s: %w", summary.ID, err)
		}
		data.Reports[string(summary.ID)] = raw
	}

	data.Metadata["report_count"] = len(data.Reports)
	data.Metadata["backup_type"] = "scheduled"
	return data, nil
}

// cleanupOldBackups drops backups past the retention age, then the oldest
// ones beyond maxBackups. The newest backup is always kept.
func (s *Scheduler) cleanupOldBackups(ctx context.Context) error {
	names, err := s.backupService.ListBackups(ctx)
	if err != nil {
		return fmt.Errorf("failed to list backups: %w", err)
	}
	if len(names) <= 1 {
		return nil
	}

	cutoff := s.now().Add(-s.retention)
	var keep []string
	for _, name := range names[:len(names)-1] {
		if s.retention > 0 {
			ts, err := backup.ParseBackupTime(name)
			if err != nil {
				s.logger.Warnw("Failed to parse backup timestamp", "backup_name", name, "error", err)
				continue
			}
			if ts.Before(cutoff) {
				s.delete(ctx, name)
				continue
			}
		}
		keep = append(keep, name)
	}
	keep = append(keep, names[len(names)-1])

	if s.maxBackups > 0 && len(keep) > s.maxBackups {
		for _, name := range keep[:len(keep)-s.maxBackups] {
			s.delete(ctx, name)
		}
	}
	return nil
}

func (s *Scheduler) delete(ctx context.Context, name string) {
	if err := s.backupService.DeleteBackup(ctx, name); err != nil {
		s.logger.Warnw("Failed to delete old backup", "backup_name", name, "error", err)
		return
	}
	s.logger.Debugw("Deleted old backup", "backup_name", name)
}
