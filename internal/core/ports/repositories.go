package ports

import (
	"context"

	"streamsight/internal/core/domain"
)

type ReportRepository interface {
	Save(ctx context.Context, report *domain.Report) error
	GetByID(ctx context.Context, id domain.ReportID) (*domain.Report, error)
	List(ctx context.Context) ([]domain.ReportSummary, error)
	Delete(ctx context.Context, id domain.ReportID) error
}
