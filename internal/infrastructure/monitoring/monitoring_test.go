package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"streamsight/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollectorRecordRun(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	flow, _ := domain.NewFlowKey(domain.ProtocolTCP, "10.0.0.1", 40000, "10.0.0.2", 80)
	report := &domain.Report{
		Duration: 250 * time.Millisecond,
		Stats: domain.RunStats{
			TotalRecords: 12,
			Accepted:     10,
			Skipped:      map[domain.SkipReason]int{domain.SkipBadPort: 2},
			Flows:        1,
		},
		Flows: []domain.FlowSummary{{Key: flow, Protocol: domain.ProtocolTCP}},
		Metrics: []domain.DelayMetric{
			domain.ExactMetric(flow, domain.KindTCPRTT, 0.02, 1),
			domain.ExactMetric(flow, domain.KindTCPRTT, 0.03, 2),
			domain.HeuristicMetric(flow, domain.KindTCPCongestionSignal, 3, 2),
		},
		RootCauses: []domain.RootCauseRecord{{Category: domain.CategoryNetworkCongestion}},
	}
	c.RecordRun(report)
	c.RecordRunFailure("empty_capture")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsTotal.WithLabelValues("empty_capture")))
	assert.Equal(t, 12.0, testutil.ToFloat64(c.recordsTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.recordsSkipped.WithLabelValues("bad_port")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.flowsTotal.WithLabelValues("TCP")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.metricsTotal.WithLabelValues("tcp_rtt", "exact")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metricsTotal.WithLabelValues("tcp_congestion_signal", "heuristic")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.rootCausesTotal.WithLabelValues("network_congestion")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.tcpRTT))

	var m dto.Metric
	require.NoError(t, c.tcpRTT.Write(&m))
	assert.Equal(t, uint64(2), m.GetHistogram().GetSampleCount())
	assert.InDelta(t, 0.05, m.GetHistogram().GetSampleSum(), 1e-9)

	c.ReportStored()
	c.ReportStored()
	c.ReportDeleted()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.reportsStored))
}

func TestHealthCheckerCheckAll(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck(HealthCheck{Name: "ok", Check: func(context.Context) error { return nil }, Interval: time.Second, Timeout: time.Second, Critical: true})

	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusHealthy, status.Status)
	assert.Equal(t, StatusHealthy, status.Checks["ok"].Status)
	assert.True(t, h.IsReady(context.Background()))

	h.AddCheck(HealthCheck{Name: "cache", Check: func(context.Context) error { return errors.New("connection refused") }, Interval: time.Second, Timeout: time.Second})
	status = h.CheckAll(context.Background())
	assert.Equal(t, StatusDegraded, status.Status)
	assert.Equal(t, "connection refused", status.Checks["cache"].Error)
	assert.True(t, h.IsReady(context.Background()))

	h.AddCheck(HealthCheck{Name: "store", Check: func(context.Context) error { return errors.New("timeout") }, Interval: time.Second, Timeout: time.Second, Critical: true})
	status = h.GetReadinessStatus(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.True(t, status.Checks["store"].Critical)
	assert.False(t, h.IsReady(context.Background()))
}

func TestHealthCheckerReadinessUsesLatestResult(t *testing.T) {
	h := NewHealthChecker()
	calls := 0
	h.AddCheck(HealthCheck{Name: "store", Check: func(context.Context) error {
		calls++
		return nil
	}, Interval: time.Hour, Timeout: time.Second, Critical: true})

	for i := 0; i < 3; i++ {
		assert.Equal(t, StatusHealthy, h.GetReadinessStatus(context.Background()).Status)
	}
	assert.Equal(t, 1, calls)

	h.CheckAll(context.Background())
	assert.Equal(t, 2, calls)
}

type fakeRepo struct {
	err error
}

func (f fakeRepo) Save(context.Context, *domain.Report) error { return f.err }
func (f fakeRepo) GetByID(context.Context, domain.ReportID) (*domain.Report, error) {
	return nil, f.err
}
func (f fakeRepo) List(context.Context) ([]domain.ReportSummary, error) { return nil, f.err }
func (f fakeRepo) Delete(context.Context, domain.ReportID) error        { return f.err }

func TestRepositoryCheckIsCritical(t *testing.T) {
	h := NewHealthChecker()
	h.AddRepositoryCheck(fakeRepo{err: errors.New("store down")}, time.Second, time.Second)

	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, "store down", status.Checks["report_store"].Error)
}

func TestHealthCheckerBackgroundChecks(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck(HealthCheck{Name: "flaky", Check: func(context.Context) error { return errors.New("timeout") }, Interval: 10 * time.Millisecond, Timeout: time.Second})

	failures := make(chan string, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.StartBackgroundChecks(ctx, func(name string, err error) {
		select {
		case failures <- name + ": " + err.Error():
		default:
		}
	})

	select {
	case got := <-failures:
		assert.Equal(t, "flaky: timeout", got)
	case <-time.After(2 * time.Second):
		t.Fatal("background check never reported")
	}
}
