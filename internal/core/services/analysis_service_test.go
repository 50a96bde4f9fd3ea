package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"streamsight/internal/core/domain"
	"streamsight/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingMetrics struct {
	runs     []*domain.Report
	failures []string
}

func (m *recordingMetrics) RecordRun(r *domain.Report)     { m.runs = append(m.runs, r) }
func (m *recordingMetrics) RecordRunFailure(reason string) { m.failures = append(m.failures, reason) }

func mixedCapture() []domain.DecodedPacket {
	var recs []domain.PacketRecord
	recs = append(recs, handshake()...)
	recs = append(recs,
		fromClient(0.10, ackOnly, 101, 501, 100),
		fromServer(0.15, ackOnly, 501, 201, 0),
	)
	for i := 0; i < 5; i++ {
		recs = append(recs, udpRec(float64(i)*0.02, "10.0.0.5", 40000, "10.0.0.6", 9000))
	}
	recs = append(recs, bridgeScenario(false)...)

	packets := make([]domain.DecodedPacket, 0, len(recs)+2)
	for _, r := range recs {
		packets = append(packets, decoded(r))
	}
	packets = append(packets,
		domain.DecodedPacket{Protocol: "TCP", SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 1, DstPort: 2},
		domain.DecodedPacket{Timestamp: f64(1), Protocol: "ICMP", SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 1, DstPort: 2},
	)
	return packets
}

func newTestAnalysis(t *testing.T, m *recordingMetrics) ports.AnalysisService {
	var metrics ports.AnalysisMetrics
	if m != nil {
		metrics = m
	}
	return NewAnalysisService(testAnalysisConfig(), metrics, zaptest.NewLogger(t).Sugar())
}

func TestAnalysisService_EndToEnd(t *testing.T) {
	m := &recordingMetrics{}
	svc := newTestAnalysis(t, m)
	packets := mixedCapture()

	report, err := svc.Analyze(context.Background(), &sliceSource{packets: packets})
	require.NoError(t, err)

	assert.NotEmpty(t, report.ID)
	assert.Equal(t, "test", report.Source)
	assert.Equal(t, len(packets), report.Stats.TotalRecords)
	assert.Equal(t, len(packets)-2, report.Stats.Accepted)
	assert.Equal(t, 1, report.Stats.Skipped[domain.SkipBadTimestamp])
	assert.Equal(t, 1, report.Stats.Skipped[domain.SkipUnknownProto])
	assert.Equal(t, 4, report.Stats.Flows)
	assert.Zero(t, report.Stats.FailedFlows)

	require.Len(t, report.Flows, 4)
	assert.Equal(t, domain.ProtocolTCP, report.Flows[0].Protocol)
	assert.Equal(t, domain.ProtocolUDP, report.Flows[1].Protocol)
	assert.Equal(t, domain.ProtocolMQTT, report.Flows[2].Protocol)

	// per-flow metrics first, then the MQTT bucket
	n := len(report.Metrics)
	require.Greater(t, n, 3)
	for _, dm := range report.Metrics[n-3:] {
		assert.True(t, strings.HasPrefix(string(dm.Kind), "mqtt_"), dm.Kind)
	}
	assert.Equal(t, domain.KindTCPEstablishment, report.Metrics[0].Kind)

	require.NotNil(t, report.MQTT)
	require.Len(t, report.MQTT.Messages, 1)
	ack, _ := report.MQTT.Messages[0].BrokerAck.Value()
	assert.InDelta(t, 0.05, ack, 1e-9)

	require.NotNil(t, report.Correlation)
	assert.NotNil(t, report.RootCauses)
	assert.Positive(t, report.Duration)

	require.Len(t, m.runs, 1)
	assert.Same(t, report, m.runs[0])
}

func TestAnalysisService_EmptyCapture(t *testing.T) {
	m := &recordingMetrics{}
	svc := newTestAnalysis(t, m)

	report, err := svc.Analyze(context.Background(), &sliceSource{})
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Zero(t, report.Stats.TotalRecords)
	assert.Zero(t, report.Stats.Accepted)

	report, err = svc.Analyze(context.Background(), &sliceSource{packets: []domain.DecodedPacket{
		{Protocol: "TCP", SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 1, DstPort: 2},
		{Protocol: "UDP", SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 1, DstPort: 2},
	}})
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, 2, report.Stats.TotalRecords)
	assert.Zero(t, report.Stats.Accepted)
	assert.Equal(t, map[domain.SkipReason]int{domain.SkipBadTimestamp: 2}, report.Stats.Skipped)
	assert.Empty(t, report.Flows)
	assert.NotNil(t, report.Metrics)
	assert.NotNil(t, report.RootCauses)

	assert.Equal(t, []string{"empty_capture", "empty_capture"}, m.failures)
	assert.Empty(t, m.runs)
}

func TestAnalysisService_SourceErrorAborts(t *testing.T) {
	boom := errors.New("disk gone")
	svc := newTestAnalysis(t, nil)

	_, err := svc.Analyze(context.Background(), &sliceSource{packets: mixedCapture(), err: boom})
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "reading test")
}

func TestAnalysisService_CanceledContext(t *testing.T) {
	m := &recordingMetrics{}
	svc := newTestAnalysis(t, m)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := svc.Analyze(ctx, &sliceSource{packets: mixedCapture()})
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, report)
	assert.Equal(t, []string{"canceled"}, m.failures)
}

func TestAnalysisService_CollisionFailsOnlyThatFlow(t *testing.T) {
	svc := newTestAnalysis(t, nil)

	tcp := tcpRec(1.0, "10.0.0.10", 40000, "10.0.0.1", 1883, synOnly, 1, 0, 0)
	mqtt := mqttRec(1.1, "10.0.0.10", 40000, "10.0.0.1", 1883, domain.MQTTConnect, nil, 12)
	udp := udpRec(1.2, "10.0.0.5", 40000, "10.0.0.6", 9000)

	report, err := svc.Analyze(context.Background(), &sliceSource{packets: []domain.DecodedPacket{
		decoded(tcp), decoded(mqtt), decoded(udp),
	}})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Stats.Skipped[domain.SkipFlowCollision])
	assert.Equal(t, 2, report.Stats.Accepted)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, domain.ProtocolTCP, report.Failures[0].Flow.Protocol)
	assert.Contains(t, report.Failures[0].Error, "collision")
	require.Len(t, report.Flows, 1)
	assert.Equal(t, domain.ProtocolUDP, report.Flows[0].Protocol)
	assert.Nil(t, report.MQTT)
}

type panickingAnalyzer struct{}

func (panickingAnalyzer) Protocol() domain.Protocol { return domain.ProtocolUDP }
func (panickingAnalyzer) Analyze(*Flow) (*FlowResult, error) {
	panic("index out of range")
}

func TestAnalyzeFlow_RecoversPanic(t *testing.T) {
	res, err := analyzeFlow(panickingAnalyzer{}, &Flow{})
	assert.Nil(t, res)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UDP analyzer panicked")
}

func TestAnalysisService_Deterministic(t *testing.T) {
	svc := newTestAnalysis(t, nil)

	first, err := svc.Analyze(context.Background(), &sliceSource{packets: mixedCapture()})
	require.NoError(t, err)
	second, err := svc.Analyze(context.Background(), &sliceSource{packets: mixedCapture()})
	require.NoError(t, err)

	assert.Equal(t, first.Flows, second.Flows)
	assert.Equal(t, first.Metrics, second.Metrics)
	assert.Equal(t, first.RootCauses, second.RootCauses)
	assert.Equal(t, first.MQTT, second.MQTT)
}
