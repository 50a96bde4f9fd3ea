package reliability

import (
	"context"
	"errors"
	"time"

	"streamsight/internal/core/domain"
	"streamsight/internal/core/ports"
	"streamsight/pkg/circuitbreaker"
	"streamsight/pkg/config"
	"streamsight/pkg/retry"
	"streamsight/pkg/tracing"

	"go.uber.org/zap"
)

// ReportRepositoryWrapper wraps a ReportRepository with retry logic and a
// circuit breaker. A missing report is an answer, not an outage: it is
// neither retried nor counted against the backend.
type ReportRepositoryWrapper struct {
	repo    ports.ReportRepository
	backend string
	logger  *zap.SugaredLogger

	retryConfig    retry.Config
	circuitBreaker *circuitbreaker.CircuitBreaker
}

// NewReportRepositoryWrapper creates a new wrapper with retry and circuit breaker
func NewReportRepositoryWrapper(
	repo ports.ReportRepository,
	backend string,
	retryConfig retry.Config,
	cbConfig circuitbreaker.Config,
	logger *zap.SugaredLogger,
) *ReportRepositoryWrapper {
	retryConfig.NonRetryableErrors = append(retryConfig.NonRetryableErrors,
		domain.ErrReportNotFound,
		circuitbreaker.ErrOpen,
		context.Canceled,
		context.DeadlineExceeded,
	)
	cbConfig.IsFailure = isBackendFailure
	retryConfig.OnRetry = func(attempt int, err error, wait time.Duration) {
		logger.Debugw("report store call failed, retrying",
			"backend", backend,
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
	}

	wrapper := &ReportRepositoryWrapper{
		repo:           repo,
		backend:        backend,
		logger:         logger,
		retryConfig:    retryConfig,
		circuitBreaker: circuitbreaker.New(cbConfig),
	}

	wrapper.circuitBreaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Infow("report store circuit breaker state changed",
			"backend", backend,
			"from", from.String(),
			"to", to.String(),
		)
	})

	return wrapper
}

// NewFromConfig wraps repo using the reliability section of cfg.
func NewFromConfig(repo ports.ReportRepository, backend string, cfg *config.Config, logger *zap.SugaredLogger) *ReportRepositoryWrapper {
	retryConfig := retry.DefaultConfig()
	retryConfig.Enabled = cfg.Reliability.RetryEnabled
	retryConfig.MaxAttempts = cfg.Reliability.MaxAttempts
	retryConfig.InitialDelay = cfg.Reliability.InitialDelay

	cbConfig := circuitbreaker.DefaultConfig()
	cbConfig.FailureThreshold = cfg.Reliability.FailureThreshold
	cbConfig.Timeout = cfg.Reliability.OpenTimeout

	return NewReportRepositoryWrapper(repo, backend, retryConfig, cbConfig, logger)
}

func isBackendFailure(err error) bool {
	return !errors.Is(err, domain.ErrReportNotFound) &&
		!errors.Is(err, context.Canceled)
}

func (w *ReportRepositoryWrapper) Save(ctx context.Context, report *domain.Report) error {
	ctx, span := tracing.TraceRepositoryOperation(ctx, "save", w.backend)
	defer span.End()

	err := retry.Retry(ctx, w.retryConfig, func() error {
		return w.circuitBreaker.Execute(ctx, func() error {
			return w.repo.Save(ctx, report)
		})
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		w.logger.Warnw("failed to save report", "report_id", report.ID, "error", err)
	}
	return err
}

func (w *ReportRepositoryWrapper) GetByID(ctx context.Context, id domain.ReportID) (*domain.Report, error) {
	ctx, span := tracing.TraceRepositoryOperation(ctx, "get", w.backend)
	defer span.End()

	return retry.RetryWithResult(ctx, w.retryConfig, func() (*domain.Report, error) {
		return circuitbreaker.Call(ctx, w.circuitBreaker, func() (*domain.Report, error) {
			return w.repo.GetByID(ctx, id)
		})
	})
}

func (w *ReportRepositoryWrapper) List(ctx context.Context) ([]domain.ReportSummary, error) {
	ctx, span := tracing.TraceRepositoryOperation(ctx, "list", w.backend)
	defer span.End()

	return retry.RetryWithResult(ctx, w.retryConfig, func() ([]domain.ReportSummary, error) {
		return circuitbreaker.Call(ctx, w.circuitBreaker, func() ([]domain.ReportSummary, error) {
			return w.repo.List(ctx)
		})
	})
}

func (w *ReportRepositoryWrapper) Delete(ctx context.Context, id domain.ReportID) error {
	ctx, span := tracing.TraceRepositoryOperation(ctx, "delete", w.backend)
	defer span.End()

	return retry.Retry(ctx, w.retryConfig, func() error {
		return w.circuitBreaker.Execute(ctx, func() error {
			return w.repo.Delete(ctx, id)
		})
	})
}

// GetCircuitBreakerState returns the breaker state for health reporting.
func (w *ReportRepositoryWrapper) GetCircuitBreakerState() circuitbreaker.State {
	return w.circuitBreaker.GetState()
}

// CircuitBreakerStats exposes breaker counters for /health.
func (w *ReportRepositoryWrapper) CircuitBreakerStats() circuitbreaker.Stats {
	return w.circuitBreaker.GetStats()
}
