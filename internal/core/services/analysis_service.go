package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"time"

	"streamsight/internal/core/domain"
	"streamsight/internal/core/ports"
	"streamsight/pkg/config"
	"streamsight/pkg/logger"
	"streamsight/pkg/tracing"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ctxCheckEvery is how many packets are read between context checks.
const ctxCheckEvery = 4096

type analysisService struct {
	cfg     config.AnalysisConfig
	metrics ports.AnalysisMetrics
	logger  *zap.SugaredLogger
}

// NewAnalysisService returns the run orchestrator. metrics may be nil.
func NewAnalysisService(cfg config.AnalysisConfig, metrics ports.AnalysisMetrics, logger *zap.SugaredLogger) ports.AnalysisService {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &analysisService{
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
	}
}

// flowOutcome is what one worker leaves behind for a flow.
type flowOutcome struct {
	result *FlowResult
	err    error
}

// Analyze reads source to exhaustion and produces a report. The context is
// checked between packets and between flows, never inside one analyzer.
func (s *analysisService) Analyze(ctx context.Context, source ports.PacketSource) (*domain.Report, error) {
	started := time.Now()
	runID := uuid.NewString()
	ctx = logger.WithRunID(ctx, runID)
	log := s.logger.With("run_id", runID, "source", source.Name())

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	ctx, span := tracing.TraceAnalysisPhase(ctx, "run", runID, tracing.SourceKey.String(source.Name()))
	defer span.End()

	report, err := s.run(ctx, runID, source, log)
	if err != nil {
		tracing.RecordError(ctx, err)
		s.metrics.RecordRunFailure(failureReason(err))
		log.Errorw("Analysis failed", "error", err)
		return nil, err
	}

	report.Duration = time.Since(started)
	if report.Stats.Accepted == 0 {
		s.metrics.RecordRunFailure(failureReason(domain.ErrEmptyCapture))
		log.Warnw("Capture has no usable packets",
			"records", report.Stats.TotalRecords,
			"skipped", report.Stats.Skipped,
		)
		return report, nil
	}
	tracing.AddSpanAttributes(ctx,
		attribute.Int("analysis.flows", len(report.Flows)),
		attribute.Int("analysis.metrics", len(report.Metrics)),
	)
	s.metrics.RecordRun(report)
	log.Infow("Analysis completed",
		"records", report.Stats.TotalRecords,
		"accepted", report.Stats.Accepted,
		"flows", report.Stats.Flows,
		"failed_flows", report.Stats.FailedFlows,
		"metrics", len(report.Metrics),
		"root_causes", len(report.RootCauses),
		"duration", report.Duration,
	)
	return report, nil
}

func (s *analysisService) run(ctx context.Context, runID string, source ports.PacketSource, log *zap.SugaredLogger) (*domain.Report, error) {
	normalizer := NewNormalizer(s.cfg)
	table := NewFlowTable()
	defer table.Release()

	if err := s.ingest(ctx, source, normalizer, table); err != nil {
		return nil, err
	}
	table.Seal()

	report := &domain.Report{
		ID:         domain.ReportID(runID),
		Source:     source.Name(),
		CreatedAt:  time.Now().UTC(),
		Metrics:    []domain.DelayMetric{},
		RootCauses: []domain.RootCauseRecord{},
	}

	stats := normalizer.Stats()
	if stats.Accepted == 0 {
		// nothing to analyze, but the skip counts still explain why
		report.Stats = stats
		return report, nil
	}
	log.Debugw("Capture ingested", "accepted", stats.Accepted, "flows", table.Len())

	flows, err := table.Flows()
	if err != nil {
		return nil, err
	}

	analyzers := NewAnalyzerSet(s.cfg)
	outcomes, bucket, err := s.dispatch(ctx, runID, flows, analyzers, log)
	if err != nil {
		return nil, err
	}

	var keys []domain.FlowKey
	for i, f := range flows {
		o := outcomes[i]
		if o.err != nil {
			report.Failures = append(report.Failures, domain.FlowFailure{Flow: f.Key, Error: o.err.Error()})
			continue
		}
		if o.result == nil {
			continue
		}
		report.Flows = append(report.Flows, o.result.Summary)
		report.Metrics = append(report.Metrics, o.result.Metrics...)
		keys = append(keys, f.Key)
	}
	if bucket != nil {
		report.Metrics = append(report.Metrics, bucket.Metrics...)
		report.MQTT = bucket.MQTT
	}

	_, span := tracing.TraceAnalysisPhase(ctx, "classify", runID)
	report.RootCauses = NewRootCauseClassifier(s.cfg).Classify(keys, report.Metrics)
	report.Correlation = CorrelateFactors(report.Flows, report.Metrics)
	span.End()

	stats.Flows = len(report.Flows)
	stats.FailedFlows = len(report.Failures)
	report.Stats = stats
	if report.RootCauses == nil {
		report.RootCauses = []domain.RootCauseRecord{}
	}
	return report, nil
}

// ingest normalizes every packet into the flow table.
func (s *analysisService) ingest(ctx context.Context, source ports.PacketSource, n *Normalizer, table *FlowTable) error {
	ctx, span := tracing.StartSpan(ctx, "analysis.ingest")
	defer span.End()

	for i := 0; ; i++ {
		if i%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("reading %s: %w", source.Name(), err)
			}
		}
		p, err := source.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", source.Name(), err)
		}
		rec, ok := n.Normalize(p)
		if !ok {
			continue
		}
		if err := table.Append(rec); err != nil {
			if errors.Is(err, domain.ErrFlowKeyCollision) {
				n.CountSkip(domain.SkipFlowCollision)
				continue
			}
			return err
		}
	}
}

// dispatch runs TCP and UDP flows on a bounded pool and all MQTT flows on a
// single worker. Outcomes are indexed like flows.
func (s *analysisService) dispatch(ctx context.Context, runID string, flows []*Flow, set *AnalyzerSet, log *zap.SugaredLogger) ([]flowOutcome, *BucketResult, error) {
	ctx, span := tracing.TraceAnalysisPhase(ctx, "analyze", runID)
	defer span.End()

	outcomes := make([]flowOutcome, len(flows))
	var mqttFlows, pooled []int
	for i, f := range flows {
		switch {
		case f.Err != nil:
			outcomes[i].err = f.Err
		case f.Key.Protocol == domain.ProtocolMQTT:
			mqttFlows = append(mqttFlows, i)
		default:
			pooled = append(pooled, i)
		}
	}

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	pool, poolCtx := errgroup.WithContext(ctx)
	pool.SetLimit(workers)

	// the MQTT bucket takes a slot first so it is not queued behind the pool
	var bucket *BucketResult
	var bucketErr error
	if len(mqttFlows) > 0 {
		pool.Go(func() error {
			bucket, bucketErr = s.analyzeBucket(poolCtx, set.MQTT, flows, mqttFlows, outcomes, log)
			return nil
		})
	}

	for _, i := range pooled {
		i := i
		if poolCtx.Err() != nil {
			break
		}
		f := flows[i]
		a, err := set.For(f.Key.Protocol)
		if err != nil {
			outcomes[i].err = err
			continue
		}
		pool.Go(func() error {
			res, err := analyzeFlow(a, f)
			outcomes[i] = flowOutcome{result: res, err: err}
			if err != nil {
				log.Warnw("Flow analysis failed", "flow", f.Key.String(), "error", err)
			}
			return nil
		})
	}

	_ = pool.Wait()
	if err := ctx.Err(); err != nil {
		return nil, nil, fmt.Errorf("analysis interrupted: %w", err)
	}
	if bucketErr != nil {
		log.Warnw("MQTT correlation failed", "error", bucketErr)
		for _, i := range mqttFlows {
			if outcomes[i].err == nil {
				outcomes[i] = flowOutcome{err: bucketErr}
			}
		}
		bucket = nil
	}
	return outcomes, bucket, nil
}

func (s *analysisService) analyzeBucket(ctx context.Context, a BucketAnalyzer, flows []*Flow, idx []int, outcomes []flowOutcome, log *zap.SugaredLogger) (*BucketResult, error) {
	for _, i := range idx {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := analyzeFlow(a, flows[i])
		outcomes[i] = flowOutcome{result: res, err: err}
		if err != nil {
			log.Warnw("Flow analysis failed", "flow", flows[i].Key.String(), "error", err)
		}
	}
	return finishBucket(a)
}

// analyzeFlow isolates a flow: a panicking analyzer fails only that flow.
func analyzeFlow(a Analyzer, f *Flow) (res *FlowResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("%s analyzer panicked: %v", a.Protocol(), r)
		}
	}()
	return a.Analyze(f)
}

func finishBucket(a BucketAnalyzer) (res *BucketResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("%s correlation panicked: %v", a.Protocol(), r)
		}
	}()
	return a.Finish()
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrEmptyCapture):
		return "empty_capture"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return "source_error"
}

type noopMetrics struct{}

func (noopMetrics) RecordRun(*domain.Report) {}
func (noopMetrics) RecordRunFailure(string)  {}
