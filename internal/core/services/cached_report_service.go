package services

import (
	"context"
	"fmt"
	"time"

	"streamsight/internal/core/domain"
	"streamsight/internal/core/ports"
	"streamsight/pkg/cache"
)

const reportListKey = "reports:list"

// CachedReportService wraps ReportService with caching. Reports are
// immutable once stored, so only deletion evicts them.
type CachedReportService struct {
	baseService ports.ReportService
	reports     *cache.CacheWithFallback[*domain.Report]
	lists       *cache.CacheWithFallback[[]domain.ReportSummary]
	reportTTL   time.Duration
	events      ports.ReportEvents
}

// NewCachedReportService creates a new cached report service
func NewCachedReportService(baseService ports.ReportService, reportTTL time.Duration) *CachedReportService {
	return &CachedReportService{
		baseService: baseService,
		reports:     cache.NewCacheWithFallback[*domain.Report](reportTTL),
		lists:       cache.NewCacheWithFallback[[]domain.ReportSummary](reportTTL),
		reportTTL:   reportTTL,
	}
}

// WithEvents makes the service announce creations and deletions so that
// other instances can call Invalidate.
func (s *CachedReportService) WithEvents(events ports.ReportEvents) *CachedReportService {
	s.events = events
	return s
}

// Invalidate evicts the cached listing and, when id is set, that report.
func (s *CachedReportService) Invalidate(id domain.ReportID) {
	if id != "" {
		s.reports.Delete(reportCacheKey(id))
	}
	s.lists.Delete(reportListKey)
}

func reportCacheKey(id domain.ReportID) string {
	return fmt.Sprintf("report:%s", id)
}

// CreateReport creates a report and invalidates the listing
func (s *CachedReportService) CreateReport(ctx context.Context, source ports.PacketSource) (*domain.Report, error) {
	report, err := s.baseService.CreateReport(ctx, source)
	if err != nil {
		return report, err
	}

	s.lists.Delete(reportListKey)
	if s.events != nil {
		// publish failures are logged by the bus; peers fall back to TTL expiry
		_ = s.events.PublishReportCreated(ctx, report.ID)
	}
	return report, nil
}

// GetReport gets a report with caching
func (s *CachedReportService) GetReport(ctx context.Context, id domain.ReportID) (*domain.Report, error) {
	return s.reports.GetOrSet(ctx, reportCacheKey(id), func(ctx context.Context) (*domain.Report, error) {
		return s.baseService.GetReport(ctx, id)
	}, s.reportTTL)
}

// ListReports lists reports with caching
func (s *CachedReportService) ListReports(ctx context.Context) ([]domain.ReportSummary, error) {
	return s.lists.GetOrSet(ctx, reportListKey, func(ctx context.Context) ([]domain.ReportSummary, error) {
		return s.baseService.ListReports(ctx)
	}, s.reportTTL)
}

// DeleteReport deletes a report and evicts it
func (s *CachedReportService) DeleteReport(ctx context.Context, id domain.ReportID) error {
	if err := s.baseService.DeleteReport(ctx, id); err != nil {
		return err
	}

	s.Invalidate(id)
	if s.events != nil {
		_ = s.events.PublishReportDeleted(ctx, id)
	}
	return nil
}

// Stop stops the cache cleanup goroutines
func (s *CachedReportService) Stop() {
	s.reports.Stop()
	s.lists.Stop()
}
