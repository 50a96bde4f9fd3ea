package domain

import "time"

type ReportID string

// SkipReason names why the normalizer dropped a decoded packet.
type SkipReason string

const (
	SkipBadTimestamp  SkipReason = "bad_timestamp"
	SkipUnknownProto  SkipReason = "unknown_protocol"
	SkipBadAddress    SkipReason = "bad_address"
	SkipBadPort       SkipReason = "bad_port"
	SkipBadLength     SkipReason = "bad_length"
	SkipMQTTPortGate  SkipReason = "mqtt_port_gate"
	SkipFlowCollision SkipReason = "flow_key_collision"
)

type RunStats struct {
	TotalRecords int                `json:"total_records"`
	Accepted     int                `json:"accepted"`
	Skipped      map[SkipReason]int `json:"skipped"`
	Flows        int                `json:"flows"`
	FailedFlows  int                `json:"failed_flows"`
}

type FlowFailure struct {
	Flow  FlowKey `json:"flow"`
	Error string  `json:"error"`
}

// FactorCorrelation summarizes delay metrics across flows.
type FactorCorrelation struct {
	Count      int                `json:"count"`
	Min        float64            `json:"min"`
	Max        float64            `json:"max"`
	Mean       float64            `json:"mean"`
	Median     float64            `json:"median"`
	ByProtocol map[string]float64 `json:"by_protocol"`
	BySrcIP    map[string]float64 `json:"by_src_ip"`
	ByDstIP    map[string]float64 `json:"by_dst_ip"`
}

// Report is the full output of one analysis run.
type Report struct {
	ID          ReportID           `json:"id"`
	Source      string             `json:"source,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	Duration    time.Duration      `json:"duration_ns"`
	Stats       RunStats           `json:"stats"`
	Flows       []FlowSummary      `json:"flows"`
	Failures    []FlowFailure      `json:"failures,omitempty"`
	Metrics     []DelayMetric      `json:"metrics"`
	RootCauses  []RootCauseRecord  `json:"root_causes"`
	MQTT        *MQTTReport        `json:"mqtt,omitempty"`
	Correlation *FactorCorrelation `json:"correlation,omitempty"`
}

// ReportSummary is the listing view of a stored report.
type ReportSummary struct {
	ID         ReportID  `json:"id"`
	Source     string    `json:"source,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Flows      int       `json:"flows"`
	Metrics    int       `json:"metrics"`
	RootCauses int       `json:"root_causes"`
}

func (r *Report) Summary() ReportSummary {
	return ReportSummary{
		ID:         r.ID,
		Source:     r.Source,
		CreatedAt:  r.CreatedAt,
		Flows:      len(r.Flows),
		Metrics:    len(r.Metrics),
		RootCauses: len(r.RootCauses),
	}
}

// MetricsFilter selects metrics by kind and confidence; empty fields match all.
type MetricsFilter struct {
	Kind       MetricKind
	Confidence Confidence
}

func (f MetricsFilter) Match(m DelayMetric) bool {
	if f.Kind != "" && m.Kind != f.Kind {
		return false
	}
	if f.Confidence != "" && m.Confidence != f.Confidence {
		return false
	}
	return true
}

func (r *Report) FilterMetrics(f MetricsFilter) []DelayMetric {
	out := make([]DelayMetric, 0, len(r.Metrics))
	for _, m := range r.Metrics {
		if f.Match(m) {
			out = append(out, m)
		}
	}
	return out
}
