package memory

import (
	"context"
	"sort"
	"sync"

	"streamsight/internal/core/domain"
	"streamsight/internal/core/ports"
)

type MemoryReportRepository struct {
	reports map[domain.ReportID]*domain.Report
	mu      sync.RWMutex
}

func NewMemoryReportRepository() ports.ReportRepository {
	return &MemoryReportRepository{
		reports: make(map[domain.ReportID]*domain.Report),
	}
}

// Save stores report, replacing any report with the same id.
func (r *MemoryReportRepository) Save(ctx context.Context, report *domain.Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reports[report.ID] = report
	return nil
}

func (r *MemoryReportRepository) GetByID(ctx context.Context, id domain.ReportID) (*domain.Report, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	report, exists := r.reports[id]
	if !exists {
		return nil, domain.ErrReportNotFound
	}

	return report, nil
}

// List returns summaries, newest first.
func (r *MemoryReportRepository) List(ctx context.Context) ([]domain.ReportSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	summaries := make([]domain.ReportSummary, 0, len(r.reports))
	for _, report := range r.reports {
		summaries = append(summaries, report.Summary())
	}
	sort.Slice(summaries, func(i, j int) bool {
		if !summaries[i].CreatedAt.Equal(summaries[j].CreatedAt) {
			return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
		}
		return summaries[i].ID < summaries[j].ID
	})

	return summaries, nil
}

func (r *MemoryReportRepository) Delete(ctx context.Context, id domain.ReportID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.reports[id]; !exists {
		return domain.ErrReportNotFound
	}

	delete(r.reports, id)
	return nil
}
