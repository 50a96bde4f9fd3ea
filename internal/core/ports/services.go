package ports

import (
	"context"

	"streamsight/internal/core/domain"
)

// AnalysisService runs one bounded analysis over a packet source.
type AnalysisService interface {
	Analyze(ctx context.Context, source PacketSource) (*domain.Report, error)
}

type ReportService interface {
	CreateReport(ctx context.Context, source PacketSource) (*domain.Report, error)
	GetReport(ctx context.Context, id domain.ReportID) (*domain.Report, error)
	ListReports(ctx context.Context) ([]domain.ReportSummary, error)
	DeleteReport(ctx context.Context, id domain.ReportID) error
}

// AnalysisMetrics receives run-level observations. The Prometheus collector
// implements it.
type AnalysisMetrics interface {
	RecordRun(report *domain.Report)
	RecordRunFailure(reason string)
}

// ReportStoreMetrics tracks how many reports the store holds.
type ReportStoreMetrics interface {
	ReportStored()
	ReportDeleted()
}

// ReportEvents announces store changes to other instances sharing the store.
type ReportEvents interface {
	PublishReportCreated(ctx context.Context, id domain.ReportID) error
	PublishReportDeleted(ctx context.Context, id domain.ReportID) error
}
