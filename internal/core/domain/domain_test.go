package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeasurement_ZeroValueIsUnmeasurable(t *testing.T) {
	var m Measurement
	assert.True(t, m.IsUnmeasurable())
	_, ok := m.Value()
	assert.False(t, ok)
	assert.Zero(t, m.Confidence())
	assert.Equal(t, "unmeasurable", m.String())
}

func TestMeasurement_JSON(t *testing.T) {
	data, err := json.Marshal(Measured(0.05))
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"measured","value":0.05}`, string(data))

	data, err = json.Marshal(Heuristic(0.2, 0.75))
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"heuristic","value":0.2,"confidence":0.75}`, string(data))

	data, err = json.Marshal(Unmeasurable())
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"unmeasurable"}`, string(data))

	var m Measurement
	require.NoError(t, json.Unmarshal([]byte(`{"state":"heuristic","value":0.2,"confidence":0.75}`), &m))
	assert.Equal(t, Heuristic(0.2, 0.75), m)

	assert.Error(t, json.Unmarshal([]byte(`{"state":"measured"}`), &m))
	assert.Error(t, json.Unmarshal([]byte(`{"state":"guessed","value":1}`), &m))
}

func TestHeuristic_ClampsConfidence(t *testing.T) {
	assert.Equal(t, 1.0, Heuristic(1, 3).Confidence())
	assert.Equal(t, 0.0, Heuristic(1, -3).Confidence())
}

func TestDerive(t *testing.T) {
	assert.True(t, Derive(1, Measured(0), Measured(0)).IsMeasured())
	assert.True(t, Derive(1, Measured(0), Unmeasurable()).IsUnmeasurable())

	d := Derive(1, Measured(0), Heuristic(0, 0.4), Heuristic(0, 0.9))
	require.True(t, d.IsHeuristic())
	assert.Equal(t, 0.4, d.Confidence())
	assert.Equal(t, ConfidenceHeuristic, d.ConfidenceFlag())

	assert.True(t, Measured(2).AsHeuristic().IsHeuristic())
	assert.True(t, Unmeasurable().AsHeuristic().IsUnmeasurable())
}

func TestNewFlowKey_Canonical(t *testing.T) {
	k1, d1 := NewFlowKey(ProtocolTCP, "10.0.0.2", 80, "10.0.0.1", 50000)
	k2, d2 := NewFlowKey(ProtocolTCP, "10.0.0.1", 50000, "10.0.0.2", 80)
	assert.Equal(t, k1, k2)
	assert.Equal(t, DirBToA, d1)
	assert.Equal(t, DirAToB, d2)

	ip, port := k1.Source(d1)
	assert.Equal(t, "10.0.0.2", ip)
	assert.Equal(t, uint16(80), port)
	ip, _ = k1.Destination(d1)
	assert.Equal(t, "10.0.0.1", ip)
	assert.True(t, k1.HasPort(80))
	assert.Equal(t, "TCP 10.0.0.1:50000<->10.0.0.2:80", k1.String())

	// same address, ports decide
	k3, _ := NewFlowKey(ProtocolUDP, "10.0.0.1", 9000, "10.0.0.1", 8000)
	assert.Equal(t, uint16(8000), k3.PortA)
}

func TestParseTCPFlags(t *testing.T) {
	f := ParseTCPFlags([]string{"syn", " ACK ", "PSH"})
	assert.True(t, f.Has(FlagSYN))
	assert.True(t, f.Has(FlagACK))
	assert.False(t, f.Has(FlagFIN))
	assert.Equal(t, "SYN|ACK", f.String())
}

func TestParseProtocol(t *testing.T) {
	p, ok := ParseProtocol(" mqtt ")
	assert.True(t, ok)
	assert.Equal(t, ProtocolMQTT, p)
	_, ok = ParseProtocol("QUIC")
	assert.False(t, ok)
}

func TestReport_FilterMetrics(t *testing.T) {
	k := FlowKey{Protocol: ProtocolTCP}
	r := &Report{Metrics: []DelayMetric{
		ExactMetric(k, KindTCPRTT, 0.1, 1),
		HeuristicMetric(k, KindTCPCongestionSignal, 3, 2),
		ExactMetric(k, KindTCPRTT, 0.2, 3),
	}}

	assert.Len(t, r.FilterMetrics(MetricsFilter{}), 3)
	assert.Len(t, r.FilterMetrics(MetricsFilter{Kind: KindTCPRTT}), 2)
	assert.Len(t, r.FilterMetrics(MetricsFilter{Confidence: ConfidenceHeuristic}), 1)

	none := r.FilterMetrics(MetricsFilter{Kind: KindUDPJitter})
	assert.NotNil(t, none)
	assert.Empty(t, none)

	s := r.Summary()
	assert.Equal(t, 3, s.Metrics)
}

func TestMetricFromMeasurement(t *testing.T) {
	k := FlowKey{Protocol: ProtocolMQTT}
	_, ok := MetricFromMeasurement(k, "s", KindMQTTTotal, Unmeasurable(), 1)
	assert.False(t, ok)

	m, ok := MetricFromMeasurement(k, "s", KindMQTTTotal, Heuristic(0.3, 0.6), 1)
	require.True(t, ok)
	assert.Equal(t, ConfidenceHeuristic, m.Confidence)
	assert.Equal(t, 0.6, m.Score)
	assert.Equal(t, "s", m.Session)
}

func TestSortEntities(t *testing.T) {
	es := []MQTTEntity{{IP: "10.0.0.9"}, {IP: "10.0.0.1", Roles: []EntityRole{RoleBroker}}}
	SortEntities(es)
	assert.Equal(t, "10.0.0.1", es[0].IP)
	assert.True(t, es[0].HasRole(RoleBroker))
	assert.False(t, es[1].HasRole(RoleBroker))
}
