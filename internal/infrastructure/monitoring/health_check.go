package monitoring

import (
	"context"
	"sync"
	"time"

	"streamsight/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthChecker runs named dependency checks. A failing critical check makes
// the service unhealthy, a failing optional one only degraded.
type HealthChecker struct {
	mu      sync.RWMutex
	checks  []HealthCheck
	results map[string]CheckResult
}

type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) error
	Interval time.Duration
	Timeout  time.Duration
	Critical bool
}

type CheckResult struct {
	Status    string        `json:"status"`
	Error     string        `json:"error,omitempty"`
	Critical  bool          `json:"critical"`
	CheckedAt time.Time     `json:"checked_at"`
	Latency   time.Duration `json:"latency_ns"`
}

type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{results: make(map[string]CheckResult)}
}

func (h *HealthChecker) AddCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// AddRepositoryCheck verifies the report store answers a listing.
func (h *HealthChecker) AddRepositoryCheck(repo ports.ReportRepository, interval, timeout time.Duration) {
	h.AddCheck(HealthCheck{
		Name: "report_store",
		Check: func(ctx context.Context) error {
			_, err := repo.List(ctx)
			return err
		},
		Interval: interval,
		Timeout:  timeout,
		Critical: true,
	})
}

// AddRedisCheck pings Redis. It is optional: the report store check already
// covers Redis when it backs the store.
func (h *HealthChecker) AddRedisCheck(client redis.UniversalClient, interval, timeout time.Duration) {
	h.AddCheck(HealthCheck{
		Name: "redis",
		Check: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
		Interval: interval,
		Timeout:  timeout,
	})
}

// CheckAll runs every check now.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	results := make(map[string]CheckResult, len(checks))
	for _, check := range checks {
		results[check.Name] = h.run(ctx, check)
	}
	return aggregate(results)
}

// GetReadinessStatus answers from the latest background results and runs
// only checks that have no result yet.
func (h *HealthChecker) GetReadinessStatus(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	results := make(map[string]CheckResult, len(checks))
	for name, r := range h.results {
		results[name] = r
	}
	h.mu.RUnlock()

	for _, check := range checks {
		if _, ok := results[check.Name]; !ok {
			results[check.Name] = h.run(ctx, check)
		}
	}
	return aggregate(results)
}

// IsReady is false only when a critical check fails.
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.GetReadinessStatus(ctx).Status != StatusUnhealthy
}

// StartBackgroundChecks runs every check on its own interval until ctx is
// done, reporting failures to onFailure.
func (h *HealthChecker) StartBackgroundChecks(ctx context.Context, onFailure func(name string, err error)) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, check := range h.checks {
		go h.runCheckPeriodically(ctx, check, onFailure)
	}
}

func (h *HealthChecker) runCheckPeriodically(ctx context.Context, check HealthCheck, onFailure func(string, error)) {
	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r := h.run(ctx, check)
			if ctx.Err() != nil {
				return
			}
			if r.Status != StatusHealthy && onFailure != nil {
				onFailure(check.Name, checkError(r.Error))
			}
		}
	}
}

// run executes one check and records its result.
func (h *HealthChecker) run(ctx context.Context, check HealthCheck) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
	start := time.Now()
	err := check.Check(checkCtx)
	cancel()

	r := CheckResult{
		Status:    StatusHealthy,
		Critical:  check.Critical,
		CheckedAt: start,
		Latency:   time.Since(start),
	}
	if err != nil {
		r.Status = StatusUnhealthy
		r.Error = err.Error()
	}

	h.mu.Lock()
	h.results[check.Name] = r
	h.mu.Unlock()
	return r
}

func aggregate(results map[string]CheckResult) HealthStatus {
	status := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    results,
	}
	for _, r := range results {
		if r.Status == StatusHealthy {
			continue
		}
		if r.Critical {
			status.Status = StatusUnhealthy
			break
		}
		status.Status = StatusDegraded
	}
	return status
}

type checkError string

func (e checkError) Error() string { return string(e) }
