package services

import (
	"context"
	"fmt"

	"streamsight/internal/core/domain"
	"streamsight/internal/core/ports"

	"go.uber.org/zap"
)

type reportService struct {
	analysis ports.AnalysisService
	repo     ports.ReportRepository
	metrics  ports.ReportStoreMetrics
	logger   *zap.SugaredLogger
}

// NewReportService runs analyses and keeps their reports. metrics may be nil.
func NewReportService(
	analysis ports.AnalysisService,
	repo ports.ReportRepository,
	metrics ports.ReportStoreMetrics,
	logger *zap.SugaredLogger,
) ports.ReportService {
	return &reportService{
		analysis: analysis,
		repo:     repo,
		metrics:  metrics,
		logger:   logger,
	}
}

// CreateReport analyzes source and stores the result. A capture with no usable
// packet is not stored: its report comes back alongside ErrEmptyCapture.
func (s *reportService) CreateReport(ctx context.Context, source ports.PacketSource) (*domain.Report, error) {
	report, err := s.analysis.Analyze(ctx, source)
	if err != nil {
		return nil, err
	}
	if report.Stats.Accepted == 0 {
		// not stored; the caller still gets the skip counts
		return report, domain.EmptyCaptureError(report.Stats)
	}

	if err := s.repo.Save(ctx, report); err != nil {
		return nil, fmt.Errorf("failed to store report %s: %w", report.ID, err)
	}
	if s.metrics != nil {
		s.metrics.ReportStored()
	}

	s.logger.Infow("Report stored", "report_id", report.ID, "source", report.Source)
	return report, nil
}

func (s *reportService) GetReport(ctx context.Context, id domain.ReportID) (*domain.Report, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *reportService) ListReports(ctx context.Context) ([]domain.ReportSummary, error) {
	return s.repo.List(ctx)
}

func (s *reportService) DeleteReport(ctx context.Context, id domain.ReportID) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.ReportDeleted()
	}

	s.logger.Infow("Report deleted", "report_id", id)
	return nil
}
