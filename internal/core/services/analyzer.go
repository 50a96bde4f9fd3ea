package services

import (
	"streamsight/internal/core/domain"
	"streamsight/pkg/config"
)

// FlowResult is what an analyzer produces for one flow.
type FlowResult struct {
	Summary domain.FlowSummary
	Metrics []domain.DelayMetric
}

// Analyzer consumes one sealed flow. Implementations keep per-flow state local
// to Analyze, so a single instance may serve several workers.
type Analyzer interface {
	Protocol() domain.Protocol
	Analyze(flow *Flow) (*FlowResult, error)
}

// BucketResult carries results that span flows of one protocol.
type BucketResult struct {
	Metrics []domain.DelayMetric
	MQTT    *domain.MQTTReport
}

// BucketAnalyzer is an Analyzer whose flows must all be seen by one worker
// before cross-flow results can be produced.
type BucketAnalyzer interface {
	Analyzer
	Finish() (*BucketResult, error)
}

// AnalyzerSet selects the analyzer variant for a protocol.
type AnalyzerSet struct {
	TCP  Analyzer
	UDP  Analyzer
	MQTT BucketAnalyzer
}

// NewAnalyzerSet builds a fresh set for one run.
func NewAnalyzerSet(cfg config.AnalysisConfig) *AnalyzerSet {
	return &AnalyzerSet{
		TCP:  NewTCPAnalyzer(cfg),
		UDP:  NewUDPAnalyzer(cfg),
		MQTT: NewMQTTAnalyzer(cfg),
	}
}

func (s *AnalyzerSet) For(p domain.Protocol) (Analyzer, error) {
	switch p {
	case domain.ProtocolTCP:
		return s.TCP, nil
	case domain.ProtocolUDP:
		return s.UDP, nil
	case domain.ProtocolMQTT:
		return s.MQTT, nil
	}
	return nil, domain.ErrNoAnalyzer
}
