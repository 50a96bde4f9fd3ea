package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"streamsight/internal/core/domain"
	"streamsight/internal/core/ports"
	"streamsight/pkg/backup"

	"go.uber.org/zap"
)

// RestoreService loads report snapshots back into a repository.
type RestoreService struct {
	backupService *backup.BackupService
	reportRepo    ports.ReportRepository
	logger        *zap.SugaredLogger
}

func NewRestoreService(backupService *backup.BackupService, reportRepo ports.ReportRepository, logger *zap.SugaredLogger) *RestoreService {
	return &RestoreService{
		backupService: backupService,
		reportRepo:    reportRepo,
		logger:        logger,
	}
}

// RestoreOptions contains restore options
type RestoreOptions struct {
	OverwriteExisting bool
}

// RestoreLatest restores the newest backup. It returns 0 without error when
// there is nothing to restore.
func (rs *RestoreService) RestoreLatest(ctx context.Context, options RestoreOptions) (int, error) {
	name, err := rs.backupService.LatestBackup(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to find latest backup: %w", err)
	}
	if name == "" {
		return 0, nil
	}
	return rs.RestoreFromBackup(ctx, name, options)
}

// RestoreFromBackup saves every report in the named backup and returns how
// many were written.
func (rs *RestoreService) RestoreFromBackup(ctx context.Context, backupName string, options RestoreOptions) (int, error) {
	data, err := rs.backupService.RestoreBackup(ctx, backupName)
	if err != nil {
		return 0, err
	}

	restored := 0
	for id, raw := range data.Reports {
		if !options.OverwriteExisting {
			_, err := rs.reportRepo.GetByID(ctx, domain.ReportID(id))
			if err == nil {
				rs.logger.Debugw("Skipping existing report", "report_id", id)
				continue
			}
			if !errors.Is(err, domain.ErrReportNotFound) {
				return restored, fmt.Errorf("failed to check report %s: %w", id, err)
			}
		}

		var report domain.Report
		if err := json.Unmarshal(raw, &report); err != nil {
			rs.logger.Warnw("Skipping undecodable report", "report_id", id, "error", err)
			continue
		}
		if err := rs.reportRepo.Save(ctx, &report); err != nil {
			return restored, fmt.Errorf("failed to restore report %s: %w", id, err)
		}
		restored++
	}

	rs.logger.Infow("Restore completed", "backup_name", backupName, "restored", restored, "in_backup", len(data.Reports))
	return restored, nil
}
