package services

import (
	"streamsight/internal/core/domain"
)

// delayKinds are the metric kinds that express an end-to-end or per-hop delay
// and take part in factor correlation.
var delayKinds = map[domain.MetricKind]bool{
	domain.KindTCPEstablishment: true,
	domain.KindTCPHandshakeRTT:  true,
	domain.KindTCPRTT:           true,
	domain.KindTCPAckDelay:      true,
	domain.KindMQTTTotal:        true,
}

// CorrelateFactors summarizes delay metrics and relates them to protocol and
// endpoint. Returns nil when no delay metric exists.
func CorrelateFactors(flows []domain.FlowSummary, metrics []domain.DelayMetric) *domain.FactorCorrelation {
	byKey := make(map[domain.FlowKey]*domain.FlowSummary, len(flows))
	for i := range flows {
		byKey[flows[i].Key] = &flows[i]
	}

	var all []float64
	proto := newGroupMean()
	src := newGroupMean()
	dst := newGroupMean()
	for _, m := range metrics {
		if !delayKinds[m.Kind] {
			continue
		}
		all = append(all, m.Value)
		proto.add(string(m.Flow.Protocol), m.Value)
		if s, ok := byKey[m.Flow]; ok {
			src.add(s.Initiator, m.Value)
			dst.add(s.Responder, m.Value)
		}
	}
	if len(all) == 0 {
		return nil
	}

	return &domain.FactorCorrelation{
		Count:      len(all),
		Min:        minOf(all),
		Max:        maxOf(all),
		Mean:       mean(all),
		Median:     median(all),
		ByProtocol: proto.means(),
		BySrcIP:    src.means(),
		ByDstIP:    dst.means(),
	}
}

type groupMean struct {
	sum   map[string]float64
	count map[string]int
}

func newGroupMean() *groupMean {
	return &groupMean{sum: make(map[string]float64), count: make(map[string]int)}
}

func (g *groupMean) add(k string, v float64) {
	if k == "" {
		return
	}
	g.sum[k] += v
	g.count[k]++
}

func (g *groupMean) means() map[string]float64 {
	out := make(map[string]float64, len(g.sum))
	for k, s := range g.sum {
		out[k] = s / float64(g.count[k])
	}
	return out
}
