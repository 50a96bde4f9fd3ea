package domain

type Confidence string

const (
	ConfidenceExact     Confidence = "exact"
	ConfidenceHeuristic Confidence = "heuristic"
)

type MetricKind string

const (
	// TCP
	KindTCPEstablishment    MetricKind = "tcp_establishment_time"
	KindTCPHandshakeRTT     MetricKind = "tcp_handshake_rtt"
	KindTCPRTT              MetricKind = "tcp_rtt"
	KindTCPAckDelay         MetricKind = "tcp_ack_delay"
	KindTCPDelayedAck       MetricKind = "tcp_delayed_ack"
	KindTCPRetransmission   MetricKind = "tcp_retransmission"
	KindTCPRetransRate      MetricKind = "tcp_retransmission_rate"
	KindTCPRTTVariance      MetricKind = "tcp_rtt_variance"
	KindTCPCongestionSignal MetricKind = "tcp_congestion_signal"

	// UDP
	KindUDPIPD             MetricKind = "udp_ipd"
	KindUDPJitter          MetricKind = "udp_jitter"
	KindUDPLossEvent       MetricKind = "udp_loss_event"
	KindUDPCongestionScore MetricKind = "udp_congestion_score"
	KindUDPReportedLoss    MetricKind = "udp_rtcp_fraction_lost"

	// MQTT
	KindMQTTBrokerAck        MetricKind = "mqtt_broker_ack_delay"
	KindMQTTBrokerProcessing MetricKind = "mqtt_broker_processing_delay"
	KindMQTTCloudUpload      MetricKind = "mqtt_cloud_upload_delay"
	KindMQTTTotal            MetricKind = "mqtt_total_delay"
)

// DelayMetric is one immutable observation. Value is in seconds for delay
// kinds, a ratio for rates and scores, a count for loss events.
type DelayMetric struct {
	Flow       FlowKey    `json:"flow"`
	Session    string     `json:"session,omitempty"`
	Kind       MetricKind `json:"kind"`
	Value      float64    `json:"value"`
	Timestamp  float64    `json:"timestamp"`
	Confidence Confidence `json:"confidence"`
	// Score is the pairing confidence for heuristic MQTT metrics.
	Score float64 `json:"score,omitempty"`
}

func ExactMetric(flow FlowKey, kind MetricKind, value, ts float64) DelayMetric {
	return DelayMetric{Flow: flow, Kind: kind, Value: value, Timestamp: ts, Confidence: ConfidenceExact}
}

func HeuristicMetric(flow FlowKey, kind MetricKind, value, ts float64) DelayMetric {
	return DelayMetric{Flow: flow, Kind: kind, Value: value, Timestamp: ts, Confidence: ConfidenceHeuristic}
}

// MetricFromMeasurement converts a measured or heuristic stage into a metric.
// The second return is false for unmeasurable stages, which are never emitted.
func MetricFromMeasurement(flow FlowKey, session string, kind MetricKind, m Measurement, ts float64) (DelayMetric, bool) {
	v, ok := m.Value()
	if !ok {
		return DelayMetric{}, false
	}
	dm := DelayMetric{
		Flow:       flow,
		Session:    session,
		Kind:       kind,
		Value:      v,
		Timestamp:  ts,
		Confidence: m.ConfidenceFlag(),
	}
	if m.IsHeuristic() {
		dm.Score = m.Confidence()
	}
	return dm, true
}
